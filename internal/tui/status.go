// Package tui renders a live dashboard over the queue status and the event
// bus: slot usage, per-group lane state, and a recent-events feed.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/queue"
)

const (
	refreshEvery = time.Second
	feedMax      = 12
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	slotStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	fullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	laneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// StatusSource supplies the queue snapshot.
type StatusSource interface {
	GetStatus() queue.Status
}

type tickMsg time.Time
type busMsg bus.Event

// Model is the bubbletea model for the status dashboard.
type Model struct {
	source StatusSource
	sub    *bus.Subscription
	status queue.Status
	feed   []string
	width  int
}

func NewModel(source StatusSource, events *bus.Bus) Model {
	var sub *bus.Subscription
	if events != nil {
		sub = events.Subscribe("")
	}
	return Model{
		source: source,
		sub:    sub,
		status: source.GetStatus(),
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick()}
	if m.sub != nil {
		cmds = append(cmds, waitForEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.status = m.source.GetStatus()
		return m, tick()
	case busMsg:
		m.feed = append(m.feed, describeEvent(bus.Event(msg)))
		if len(m.feed) > feedMax {
			m.feed = m.feed[len(m.feed)-feedMax:]
		}
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("warren — group execution scheduler"))
	b.WriteString("\n\n")

	slots := fmt.Sprintf("slots %d/%d", m.status.ActiveCount, m.status.MaxConcurrent)
	if m.status.ActiveCount >= m.status.MaxConcurrent {
		b.WriteString(fullStyle.Render(slots))
	} else {
		b.WriteString(slotStyle.Render(slots))
	}
	if m.status.ShuttingDown {
		b.WriteString(dimStyle.Render("  shutting down"))
	}
	b.WriteString("\n\n")

	if len(m.status.Groups) == 0 {
		b.WriteString(dimStyle.Render("no active or pending work"))
		b.WriteString("\n")
	}
	for _, g := range m.status.Groups {
		b.WriteString(laneStyle.Render(g.GroupJid))
		b.WriteString("  ")
		b.WriteString(dimStyle.Render(laneSummary(g)))
		b.WriteString("\n")
	}
	if len(m.status.WaitingGroups) > 0 {
		b.WriteString(dimStyle.Render("waiting: " + strings.Join(m.status.WaitingGroups, ", ")))
		b.WriteString("\n")
	}

	if len(m.feed) > 0 {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("recent events"))
		b.WriteString("\n")
		for _, line := range m.feed {
			b.WriteString("  " + line + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}

func laneSummary(g queue.GroupStatus) string {
	var parts []string
	switch {
	case g.ActiveMessage && g.IdleWaiting:
		parts = append(parts, "msg idle-waiting")
	case g.ActiveMessage:
		parts = append(parts, "msg active")
	}
	if g.PendingMessages {
		parts = append(parts, "msg pending")
	}
	if g.ActiveTask {
		parts = append(parts, "task active")
	}
	if g.PendingTasks > 0 {
		parts = append(parts, fmt.Sprintf("%d tasks pending", g.PendingTasks))
	}
	if g.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("retry %d", g.RetryCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "idle")
	}
	return strings.Join(parts, ", ")
}

func describeEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.ContainerEvent:
		return fmt.Sprintf("%s %s/%s %s", ev.Topic, p.GroupJid, p.Lane, p.ContainerName)
	case bus.GroupEvent:
		if p.TaskID != "" {
			return fmt.Sprintf("%s %s task=%s", ev.Topic, p.GroupJid, p.TaskID)
		}
		return fmt.Sprintf("%s %s", ev.Topic, p.GroupJid)
	case bus.TaskRunEvent:
		if p.Status != "" {
			return fmt.Sprintf("%s %s (%s)", ev.Topic, p.TaskID, p.Status)
		}
		return fmt.Sprintf("%s %s", ev.Topic, p.TaskID)
	case bus.InboundMessageEvent:
		return fmt.Sprintf("%s %s from %s", ev.Topic, p.ChatJid, p.Sender)
	default:
		return ev.Topic
	}
}
