// Package pipeline is the message-lane adapter: it drains the store for a
// group, runs the agent container over the new messages, and streams the
// reply back through the chat transport.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/go-warren/internal/channels"
	"github.com/basket/go-warren/internal/container"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/shared"
	"github.com/basket/go-warren/internal/store"
)

// internalSpan matches agent-internal reasoning the user should never see.
var internalSpan = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes internal spans from a container result and trims the
// remainder.
func StripInternal(text string) string {
	return strings.TrimSpace(internalSpan.ReplaceAllString(text, ""))
}

// Adapter is installed into the queue via SetProcessMessagesFn.
type Adapter struct {
	store         *store.Store
	runner        container.Runner
	queue         *queue.GroupQueue
	transports    *channels.Registry
	assistantName string
	mainFolder    string
	logger        *slog.Logger
}

type Config struct {
	Store         *store.Store
	Runner        container.Runner
	Queue         *queue.GroupQueue
	Transports    *channels.Registry
	AssistantName string
	MainFolder    string
	Logger        *slog.Logger
}

func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:         cfg.Store,
		runner:        cfg.Runner,
		queue:         cfg.Queue,
		transports:    cfg.Transports,
		assistantName: cfg.AssistantName,
		mainFolder:    cfg.MainFolder,
		logger:        logger,
	}
}

// ProcessMessages is the message-lane callback. It returns true on success
// (including the no-new-messages no-op) and false for a transient failure
// the queue should retry.
func (a *Adapter) ProcessMessages(groupJid string) (bool, error) {
	ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
	logger := a.logger.With("group", groupJid, "trace_id", shared.TraceID(ctx))

	chat, err := a.store.GetChat(ctx, groupJid)
	if err != nil {
		return false, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil || chat.GroupFolder == "" {
		logger.Warn("message check for unknown group")
		return true, nil
	}

	msgs, err := a.store.GetMessagesSince(ctx, groupJid, chat.LastProcessedAt, a.assistantName)
	if err != nil {
		return false, fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		return true, nil
	}
	replyTo := msgs[len(msgs)-1].ID

	a.transports.SetTyping(groupJid, true)
	defer a.transports.SetTyping(groupJid, false)

	in := container.Input{
		Prompt:        formatPrompt(msgs),
		SessionID:     chat.SessionID,
		GroupFolder:   chat.GroupFolder,
		ChatJid:       groupJid,
		IsMain:        chat.GroupFolder == a.mainFolder,
		AssistantName: a.assistantName,
	}

	res, err := a.runner.RunAgent(ctx, in,
		func(containerID, containerName string) {
			a.queue.RegisterContainer(queue.Handle{
				GroupJid:      groupJid,
				Lane:          queue.LaneMessage,
				GroupFolder:   chat.GroupFolder,
				ContainerID:   containerID,
				ContainerName: containerName,
			})
		},
		func(ev container.OutputEvent) {
			switch ev.Kind {
			case container.EventSuccess:
				if text := StripInternal(ev.Result); text != "" {
					if sendErr := a.transports.Send(groupJid, text, replyTo); sendErr != nil {
						logger.Error("reply send failed", "error", sendErr)
					}
				}
				a.queue.NotifyIdle(groupJid)
			case container.EventError:
				logger.Warn("container error event", "message", ev.Message)
			}
		},
	)
	if err != nil {
		return false, fmt.Errorf("run container: %w", err)
	}

	if res.NewSessionID != "" {
		if sessErr := a.store.SetChatSession(ctx, groupJid, res.NewSessionID); sessErr != nil {
			logger.Warn("session update failed", "error", sessErr)
		}
	}
	if res.Status != "success" {
		return false, nil
	}

	// Advance the watermark only after a clean exit so a retry re-reads the
	// same messages.
	if wmErr := a.store.UpdateChatWatermark(ctx, groupJid, msgs[len(msgs)-1].SentAt); wmErr != nil {
		return false, fmt.Errorf("advance watermark: %w", wmErr)
	}
	return true, nil
}

// formatPrompt renders new messages as the envelope the agent container
// consumes: one element per message with sender and timestamp attributes.
func formatPrompt(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "  <message sender=%q time=%q>%s</message>\n",
			m.Sender, m.SentAt, escapeText(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
