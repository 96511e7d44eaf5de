package cache

import (
	"time"

	"github.com/mgalvao/wch/internal/store"
)

// UpsertMessage caches a confirmed message (idempotent on chat_id + msg_id).
// Optimistic messages must never be cached; they have no server id yet.
func (db *DB) UpsertMessage(m *store.Message) error {
	if m.ID == "" || m.Optimistic {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, chat_id, sender_wallet, recipient_wallet, content, type, encrypted, created_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			content = excluded.content,
			encrypted = excluded.encrypted`,
		m.ID, m.ChatID, m.SenderWallet, m.RecipientWallet, m.Content, string(m.Type), m.Encrypted, m.CreatedAt.UnixMilli(), now)
	return err
}

// ListMessages returns cached messages for a chat in ascending chat order.
func (db *DB) ListMessages(chatID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT msg_id, chat_id, sender_wallet, recipient_wallet, content, type, encrypted, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var typ string
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderWallet, &m.RecipientWallet, &m.Content, &typ, &m.Encrypted, &created); err != nil {
			return nil, err
		}
		m.Type = store.MessageType(typ)
		m.CreatedAt = time.UnixMilli(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
