package store

import "time"

// MessageType enumerates the supported message payloads.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeNFT     MessageType = "nft"
	TypeSticker MessageType = "sticker"
	TypeVoice   MessageType = "voice"
	TypeImage   MessageType = "image"
	TypeSystem  MessageType = "system"
)

// Message is a chat message row. ID is server-assigned; client-originated
// messages carry an OptimisticID correlation token until reconciled.
type Message struct {
	ID              string         `json:"id,omitempty"`
	ChatID          string         `json:"chat_id"`
	SenderWallet    string         `json:"sender_wallet"`
	RecipientWallet string         `json:"recipient_wallet"`
	Content         string         `json:"content"`
	Type            MessageType    `json:"type"`
	Encrypted       bool           `json:"encrypted"`
	CreatedAt       time.Time      `json:"created_at"`
	OptimisticID    string         `json:"optimistic_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	// Optimistic marks a locally-appended message that the server has not
	// confirmed yet. Never sent on the wire.
	Optimistic bool `json:"-"`
}

// Failed reports whether the send for this message failed terminally.
func (m *Message) Failed() bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata["failed"].(bool)
	return v
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Conversation is a two-party chat row plus denormalized display state.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`

	// LastMessage is joined client-side for the sidebar preview. May be
	// nil for a brand-new empty chat.
	LastMessage *Message `json:"-"`
	// Unread is a display-only flag derived on load and from events.
	Unread bool `json:"-"`
}

// Participants returns both wallet addresses.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}

// Peer returns the other participant for the given local wallet.
func (c *Conversation) Peer(wallet string) string {
	if c.ParticipantA == wallet {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Participant is a per-chat membership row carrying the read pointer.
type Participant struct {
	ChatID            string    `json:"chat_id"`
	WalletAddress     string    `json:"wallet_address"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
