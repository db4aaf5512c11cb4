package channels

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry routes outbound sends to the transport owning the jid namespace.
// It is the owned singleton replacing ad-hoc per-sender maps.
type Registry struct {
	mu         sync.RWMutex
	transports []Transport
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a transport to the registry.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

func (r *Registry) owner(jid string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transports {
		if t.OwnsJid(jid) {
			return t
		}
	}
	return nil
}

// OwnsJid reports whether any registered transport owns the jid.
func (r *Registry) OwnsJid(jid string) bool {
	return r.owner(jid) != nil
}

// Send routes a message to the owning transport.
func (r *Registry) Send(jid, text, replyToID string) error {
	t := r.owner(jid)
	if t == nil {
		return fmt.Errorf("no transport owns jid %q", jid)
	}
	if !t.IsConnected() {
		return fmt.Errorf("transport %s not connected", t.Name())
	}
	return t.SendMessage(jid, text, replyToID)
}

// SetTyping toggles the typing indicator on the owning transport, if any.
func (r *Registry) SetTyping(jid string, on bool) {
	if t := r.owner(jid); t != nil {
		t.SetTyping(jid, on)
	}
}
