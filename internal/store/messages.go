package store

import (
	"context"
	"fmt"
)

// ListChatMessages returns messages for a chat in ascending chat order.
func (c *Client) ListChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.Select(ctx, "messages", Query{
		Filters: []Filter{{Column: "chat_id", Op: "eq", Value: chatID}},
		OrderBy: "created_at",
		Limit:   limit,
	}, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListWalletMessages returns every message the wallet can see, newest
// first. The conversation index groups these client-side to derive each
// chat's latest message, since the store has no cheap latest-per-group
// query.
func (c *Client) ListWalletMessages(ctx context.Context, wallet string) ([]Message, error) {
	var msgs []Message
	err := c.Select(ctx, "messages", Query{
		Or:      fmt.Sprintf("(sender_wallet.eq.%s,recipient_wallet.eq.%s)", wallet, wallet),
		OrderBy: "created_at",
		Desc:    true,
	}, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// LatestChatMessage returns the most recent message of a chat, or nil
// for an empty chat.
func (c *Client) LatestChatMessage(ctx context.Context, chatID string) (*Message, error) {
	var msgs []Message
	err := c.Select(ctx, "messages", Query{
		Filters: []Filter{{Column: "chat_id", Op: "eq", Value: chatID}},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	}, &msgs)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// InsertMessage writes a message and returns the server's copy, which
// carries the assigned id and echoes the optimistic_id correlation field.
func (c *Client) InsertMessage(ctx context.Context, m Message) (Message, error) {
	var rows []Message
	if err := c.Insert(ctx, "messages", m, &rows); err != nil {
		return Message{}, err
	}
	if len(rows) == 0 {
		return Message{}, &Error{Message: "insert returned no representation"}
	}
	return rows[0], nil
}
