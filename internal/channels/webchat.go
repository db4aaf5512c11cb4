package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/store"
)

// webchatJidPrefix namespaces webchat sessions: "ws:<name>".
const webchatJidPrefix = "ws:"

// wsInbound is one message from a webchat client.
type wsInbound struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// wsOutbound is one message pushed to a webchat client.
type wsOutbound struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// WebchatChannel is a local WebSocket transport, mostly used for development
// and operator access without a Telegram account.
type WebchatChannel struct {
	bindAddr string
	store    *store.Store
	groups   *queue.GroupQueue
	logger   *slog.Logger
	events   *bus.Bus

	mu    sync.RWMutex
	conns map[string]*websocket.Conn // jid -> conn

	listening bool
}

type WebchatConfig struct {
	BindAddr string
	Store    *store.Store
	Queue    *queue.GroupQueue
	Logger   *slog.Logger
	Bus      *bus.Bus
}

func NewWebchatChannel(cfg WebchatConfig) *WebchatChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebchatChannel{
		bindAddr: cfg.BindAddr,
		store:    cfg.Store,
		groups:   cfg.Queue,
		logger:   logger,
		events:   cfg.Bus,
		conns:    make(map[string]*websocket.Conn),
	}
}

func (w *WebchatChannel) Name() string {
	return "webchat"
}

func (w *WebchatChannel) OwnsJid(jid string) bool {
	return strings.HasPrefix(jid, webchatJidPrefix)
}

func (w *WebchatChannel) IsConnected() bool {
	return w.listening
}

// Start serves the WebSocket endpoint until the context is canceled.
func (w *WebchatChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		w.handleWS(ctx, rw, r)
	})

	ln, err := net.Listen("tcp", w.bindAddr)
	if err != nil {
		return fmt.Errorf("webchat listen: %w", err)
	}
	srv := &http.Server{Handler: mux}
	w.listening = true
	w.logger.Info("webchat listening", "addr", w.bindAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err = srv.Serve(ln)
	w.listening = false
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebchatChannel) handleWS(ctx context.Context, rw http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(rw, "name query parameter required", http.StatusBadRequest)
		return
	}
	jid := webchatJidPrefix + name
	folder := "ws-" + name

	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		w.logger.Warn("webchat accept failed", "error", err)
		return
	}

	if err := w.store.StoreChatMetadata(ctx, jid, name, folder); err != nil {
		w.logger.Error("chat metadata store failed", "jid", jid, "error", err)
	}

	w.mu.Lock()
	if old, ok := w.conns[jid]; ok {
		_ = old.Close(websocket.StatusNormalClosure, "replaced")
	}
	w.conns[jid] = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.conns[jid] == conn {
			delete(w.conns, jid)
		}
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var in wsInbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			continue
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.Sender == "" {
			in.Sender = name
		}
		if err := w.store.StoreMessage(ctx, store.Message{
			ID:      in.ID,
			ChatJid: jid,
			Sender:  in.Sender,
			Content: text,
			SentAt:  store.FormatTime(time.Now()),
		}); err != nil {
			w.logger.Error("message store failed", "jid", jid, "error", err)
			continue
		}
		if w.events != nil {
			w.events.Publish(bus.TopicInboundMessage, bus.InboundMessageEvent{ChatJid: jid, Sender: in.Sender})
		}
		w.groups.EnqueueMessageCheck(jid)
	}
}

// SendMessage implements Transport. Messages to disconnected clients are an
// error the caller logs; webchat has no offline delivery.
func (w *WebchatChannel) SendMessage(jid, text, replyToID string) error {
	w.mu.RLock()
	conn, ok := w.conns[jid]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat client %q not connected", jid)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, wsOutbound{Text: text, ReplyTo: replyToID})
}

// SetTyping implements Transport; webchat has no typing indicator.
func (w *WebchatChannel) SetTyping(string, bool) {}
