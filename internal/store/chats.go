package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Chat is the metadata row for one conversation.
type Chat struct {
	Jid             string
	Name            string
	GroupFolder     string
	SessionID       string
	LastProcessedAt string // ISO watermark; empty when never processed
}

// Message is one inbound chat message.
type Message struct {
	ID      string
	ChatJid string
	Sender  string
	Content string
	SentAt  string // ISO timestamp from the transport
}

// StoreChatMetadata upserts the jid → folder binding and display name.
func (s *Store) StoreChatMetadata(ctx context.Context, jid, name, groupFolder string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (jid, name, group_folder, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(jid) DO UPDATE SET
				name = excluded.name,
				group_folder = excluded.group_folder,
				updated_at = CURRENT_TIMESTAMP;
		`, jid, name, groupFolder)
		if err != nil {
			return fmt.Errorf("store chat metadata: %w", err)
		}
		return nil
	})
}

// GetChat returns the chat row, or nil when the jid is unknown.
func (s *Store) GetChat(ctx context.Context, jid string) (*Chat, error) {
	var c Chat
	var watermark sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, name, group_folder, session_id, last_processed_at
		FROM chats
		WHERE jid = ?;
	`, jid).Scan(&c.Jid, &c.Name, &c.GroupFolder, &c.SessionID, &watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if watermark.Valid {
		c.LastProcessedAt = watermark.String
	}
	return &c, nil
}

// GetChatByFolder returns the chat bound to a group folder, or nil.
func (s *Store) GetChatByFolder(ctx context.Context, groupFolder string) (*Chat, error) {
	var c Chat
	var watermark sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, name, group_folder, session_id, last_processed_at
		FROM chats
		WHERE group_folder = ?
		LIMIT 1;
	`, groupFolder).Scan(&c.Jid, &c.Name, &c.GroupFolder, &c.SessionID, &watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat by folder: %w", err)
	}
	if watermark.Valid {
		c.LastProcessedAt = watermark.String
	}
	return &c, nil
}

// UpdateChatWatermark advances the last-processed watermark for a chat.
func (s *Store) UpdateChatWatermark(ctx context.Context, jid, watermark string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE chats
			SET last_processed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE jid = ?;
		`, watermark, jid)
		if err != nil {
			return fmt.Errorf("update chat watermark: %w", err)
		}
		return nil
	})
}

// SetChatSession records the group's current agent session id, used by
// group-context scheduled tasks.
func (s *Store) SetChatSession(ctx context.Context, jid, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET session_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE jid = ?;
	`, sessionID, jid)
	if err != nil {
		return fmt.Errorf("set chat session: %w", err)
	}
	return nil
}

// StoreMessage inserts an inbound message. Duplicate (chat, id) pairs are
// ignored so transport redeliveries are harmless.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, chat_jid, sender, content, sent_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_jid, id) DO NOTHING;
		`, m.ID, m.ChatJid, m.Sender, m.Content, m.SentAt)
		if err != nil {
			return fmt.Errorf("store message: %w", err)
		}
		return nil
	})
}

// GetMessagesSince returns messages for a chat whose sent_at is after the
// watermark, ordered by sent_at (then id), excluding messages authored by the
// assistant itself. An empty watermark returns everything.
func (s *Store) GetMessagesSince(ctx context.Context, chatJid, watermark, assistantName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, content, sent_at
		FROM messages
		WHERE chat_jid = ? AND sent_at > ? AND sender != ?
		ORDER BY sent_at ASC, id ASC;
	`, chatJid, watermark, assistantName)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJid, &m.Sender, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
