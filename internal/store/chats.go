package store

import (
	"context"
	"fmt"
)

// ListConversations returns every conversation the wallet participates in,
// newest activity first.
func (c *Client) ListConversations(ctx context.Context, wallet string) ([]Conversation, error) {
	var convs []Conversation
	err := c.Select(ctx, "conversations", Query{
		Or:      fmt.Sprintf("(participant_a.eq.%s,participant_b.eq.%s)", wallet, wallet),
		OrderBy: "last_activity",
		Desc:    true,
	}, &convs)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation returns a single conversation by id, or nil if absent.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var convs []Conversation
	err := c.Select(ctx, "conversations", Query{
		Filters: []Filter{{Column: "id", Op: "eq", Value: id}},
		Limit:   1,
	}, &convs)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

// ListParticipants returns the membership rows (read pointers) for a chat.
func (c *Client) ListParticipants(ctx context.Context, chatID string) ([]Participant, error) {
	var parts []Participant
	err := c.Select(ctx, "chat_participants", Query{
		Filters: []Filter{{Column: "chat_id", Op: "eq", Value: chatID}},
	}, &parts)
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// UpsertReadReceipt advances the wallet's read pointer for a chat.
func (c *Client) UpsertReadReceipt(ctx context.Context, chatID, wallet, lastReadID string) error {
	row := Participant{
		ChatID:            chatID,
		WalletAddress:     wallet,
		LastReadMessageID: lastReadID,
	}
	return c.Upsert(ctx, "chat_participants", row, []string{"chat_id", "wallet_address"}, nil)
}

// UnreadCount returns the number of unread messages in a chat for the
// wallet, computed server-side.
func (c *Client) UnreadCount(ctx context.Context, chatID, wallet string) (int, error) {
	var count int
	err := c.RPC(ctx, "unread_count", map[string]string{
		"p_chat_id": chatID,
		"p_wallet":  wallet,
	}, &count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
