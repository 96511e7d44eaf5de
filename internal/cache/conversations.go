package cache

import (
	"time"

	"github.com/mgalvao/wch/internal/store"
)

// UpsertConversation inserts or updates a cached conversation row.
func (db *DB) UpsertConversation(c *store.Conversation) error {
	now := time.Now().UnixMilli()
	preview := ""
	if c.LastMessage != nil {
		preview = truncate(c.LastMessage.Content, 100)
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, last_activity, message_count, last_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = MAX(conversations.last_activity, excluded.last_activity),
			message_count = excluded.message_count,
			last_preview = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_preview ELSE conversations.last_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.ParticipantA, c.ParticipantB, c.LastActivity.UnixMilli(), c.MessageCount, preview, now)
	return err
}

// ListConversations returns cached conversations, newest activity first.
// Previews come back as synthetic LastMessage values carrying only content.
func (db *DB) ListConversations() ([]store.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, last_activity, message_count, last_preview
		FROM conversations
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		var c store.Conversation
		var activity int64
		var preview string
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &activity, &c.MessageCount, &preview); err != nil {
			return nil, err
		}
		c.LastActivity = time.UnixMilli(activity)
		if preview != "" {
			c.LastMessage = &store.Message{ChatID: c.ID, Content: preview, CreatedAt: c.LastActivity}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
