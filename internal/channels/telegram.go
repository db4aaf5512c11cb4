package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/store"
)

// telegramJidPrefix namespaces Telegram chats: "tg:<chatID>".
const telegramJidPrefix = "tg:"

// TaskCreator is the slice of the scheduler the channel uses for chat-driven
// reminders. Declared here so channels does not import the scheduler.
type TaskCreator interface {
	CreateTask(ctx context.Context, t store.ScheduledTask) (string, error)
}

// TelegramChannel implements Channel (inbound) and Transport (outbound).
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	groups     *queue.GroupQueue
	tasks      TaskCreator
	logger     *slog.Logger
	events     *bus.Bus
	bot        *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	Store      *store.Store
	Queue      *queue.GroupQueue
	Tasks      TaskCreator
	Logger     *slog.Logger
	Bus        *bus.Bus
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		store:      cfg.Store,
		groups:     cfg.Queue,
		tasks:      cfg.Tasks,
		logger:     logger,
		events:     cfg.Bus,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// TelegramJid renders a chat id into the transport's jid namespace.
func TelegramJid(chatID int64) string {
	return fmt.Sprintf("%s%d", telegramJidPrefix, chatID)
}

func (t *TelegramChannel) OwnsJid(jid string) bool {
	return strings.HasPrefix(jid, telegramJidPrefix)
}

func (t *TelegramChannel) IsConnected() bool {
	return t.bot != nil
}

// Start connects the bot and polls updates, reconnecting with exponential
// backoff on transport failures.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// update arrives within 2.5x the long-poll timeout (stall detection — the
// library blocks rather than closing the channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	jid := TelegramJid(msg.Chat.ID)
	folder := fmt.Sprintf("tg-%d", msg.Chat.ID)
	name := msg.Chat.Title
	if name == "" {
		name = msg.Chat.UserName
	}
	if err := t.store.StoreChatMetadata(ctx, jid, name, folder); err != nil {
		t.logger.Error("chat metadata store failed", "jid", jid, "error", err)
	}

	if strings.HasPrefix(content, "/") {
		t.handleCommand(ctx, jid, msg, content)
		return
	}

	sender := msg.From.UserName
	if sender == "" {
		sender = msg.From.FirstName
	}
	if err := t.store.StoreMessage(ctx, store.Message{
		ID:      strconv.Itoa(msg.MessageID),
		ChatJid: jid,
		Sender:  sender,
		Content: content,
		SentAt:  store.FormatTime(msg.Time()),
	}); err != nil {
		t.logger.Error("message store failed", "jid", jid, "error", err)
		return
	}
	if t.events != nil {
		t.events.Publish(bus.TopicInboundMessage, bus.InboundMessageEvent{ChatJid: jid, Sender: sender})
	}
	t.groups.EnqueueMessageCheck(jid)
}

func (t *TelegramChannel) handleCommand(ctx context.Context, jid string, msg *tgbotapi.Message, content string) {
	fields := strings.Fields(content)
	switch fields[0] {
	case "/status":
		t.reply(msg.Chat.ID, renderStatus(t.groups.GetStatus()), msg.MessageID)
	case "/remind":
		t.handleRemind(ctx, jid, msg, fields[1:])
	default:
		t.reply(msg.Chat.ID, "unknown command", msg.MessageID)
	}
}

// handleRemind creates a once-task: /remind <minutes> <text>.
func (t *TelegramChannel) handleRemind(ctx context.Context, jid string, msg *tgbotapi.Message, args []string) {
	if t.tasks == nil || len(args) < 2 {
		t.reply(msg.Chat.ID, "usage: /remind <minutes> <text>", msg.MessageID)
		return
	}
	minutes, err := strconv.Atoi(args[0])
	if err != nil || minutes <= 0 {
		t.reply(msg.Chat.ID, "usage: /remind <minutes> <text>", msg.MessageID)
		return
	}
	at := time.Now().Add(time.Duration(minutes) * time.Minute)
	id, err := t.tasks.CreateTask(ctx, store.ScheduledTask{
		ChatJid:       jid,
		Prompt:        strings.Join(args[1:], " "),
		ScheduleType:  store.ScheduleOnce,
		ScheduleValue: at.Format(time.RFC3339),
	})
	if err != nil {
		t.logger.Error("reminder creation failed", "jid", jid, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("could not schedule reminder: %v", err), msg.MessageID)
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("reminder %s set for %s", id[:8], at.Format(time.Kitchen)), msg.MessageID)
}

// SendMessage implements Transport.
func (t *TelegramChannel) SendMessage(jid, text, replyToID string) error {
	chatID, err := parseTelegramJid(jid)
	if err != nil {
		return err
	}
	out := tgbotapi.NewMessage(chatID, text)
	if replyToID != "" {
		if id, err := strconv.Atoi(replyToID); err == nil {
			out.ReplyToMessageID = id
		}
	}
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SetTyping implements Transport.
func (t *TelegramChannel) SetTyping(jid string, on bool) {
	if !on || t.bot == nil {
		return
	}
	chatID, err := parseTelegramJid(jid)
	if err != nil {
		return
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		t.logger.Debug("typing indicator failed", "jid", jid, "error", err)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string, replyTo int) {
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyToMessageID = replyTo
	if _, err := t.bot.Send(out); err != nil {
		t.logger.Error("telegram reply failed", "error", err)
	}
}

func parseTelegramJid(jid string) (int64, error) {
	raw := strings.TrimPrefix(jid, telegramJidPrefix)
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram jid %q", jid)
	}
	return chatID, nil
}

// renderStatus formats the queue snapshot for the /status command.
func renderStatus(st queue.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "slots: %d/%d", st.ActiveCount, st.MaxConcurrent)
	if st.ShuttingDown {
		b.WriteString(" (shutting down)")
	}
	b.WriteString("\n")
	if len(st.Groups) == 0 {
		b.WriteString("no active or pending work")
		return b.String()
	}
	for _, g := range st.Groups {
		fmt.Fprintf(&b, "%s:", g.GroupJid)
		if g.ActiveMessage {
			if g.IdleWaiting {
				b.WriteString(" msg=idle")
			} else {
				b.WriteString(" msg=active")
			}
		}
		if g.PendingMessages {
			b.WriteString(" msg-pending")
		}
		if g.ActiveTask {
			b.WriteString(" task=active")
		}
		if g.PendingTasks > 0 {
			fmt.Fprintf(&b, " tasks-pending=%d", g.PendingTasks)
		}
		if g.RetryCount > 0 {
			fmt.Fprintf(&b, " retries=%d", g.RetryCount)
		}
		b.WriteString("\n")
	}
	if len(st.WaitingGroups) > 0 {
		fmt.Fprintf(&b, "waiting: %s", strings.Join(st.WaitingGroups, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
