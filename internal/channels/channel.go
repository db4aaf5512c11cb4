// Package channels integrates chat transports. Each transport owns a jid
// namespace; the registry routes outbound sends to the owner.
package channels

import (
	"context"
)

// Channel is a messaging platform integration's inbound side. Start blocks
// until the context is canceled or a fatal error occurs.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}

// Transport is the outbound side consumed by the pipeline and scheduler.
type Transport interface {
	Name() string
	// SendMessage delivers text to a chat, optionally quoting replyToID.
	SendMessage(jid, text, replyToID string) error
	// SetTyping toggles the typing indicator where the platform supports it.
	SetTyping(jid string, on bool)
	IsConnected() bool
	// OwnsJid reports whether this transport's namespace contains the jid.
	OwnsJid(jid string) bool
}
