// Package outbound owns the live message list of the selected chat and
// the optimistic send/reconcile protocol: a sent message appears in the
// list immediately, is written to the store with a correlation token,
// and is swapped for the authoritative row when the matching channel
// INSERT arrives.
package outbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/codec"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/store"
	"go.uber.org/zap"
)

const (
	// confirmWatchdog bounds how long an optimistic message may wait
	// for its channel confirmation before being dropped as orphaned.
	confirmWatchdog = 30 * time.Second

	// heuristicWindow bounds the created_at distance for matching a
	// channel INSERT to an optimistic entry when the backend does not
	// echo the correlation token.
	heuristicWindow = 10 * time.Second
)

// Inserter is the store write surface the list needs.
type Inserter interface {
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
}

// SendParams describes one outbound message.
type SendParams struct {
	RecipientWallet string
	Content         string
	Type            store.MessageType
	Metadata        map[string]any
	Encrypt         bool
}

// List is the per-chat message list. All mutation goes through its
// methods; readers get copies via Snapshot.
type List struct {
	insert Inserter
	codec  codec.Codec
	bus    *bus.Bus
	logger *zap.Logger

	mu           sync.Mutex
	chatID       string
	participants [2]string
	msgs         []store.Message
	serverIDs    map[string]struct{}
	timers       map[string]*time.Timer // optimistic_id -> watchdog

	// schedule is swapped out by tests to control the watchdog.
	schedule func(d time.Duration, f func()) *time.Timer
}

// NewList creates an empty list bound to no chat. Call Reset before use.
func NewList(insert Inserter, cdc codec.Codec, b *bus.Bus, logger *zap.Logger) *List {
	if cdc == nil {
		cdc = codec.Passthrough{}
	}
	return &List{
		insert:    insert,
		codec:     cdc,
		bus:       b,
		logger:    logger,
		serverIDs: make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		schedule:  time.AfterFunc,
	}
}

// Reset rebinds the list to a chat and replaces its contents with the
// fetched history. Pending watchdogs for the previous chat are stopped.
func (l *List) Reset(chatID string, participants [2]string, history []store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*time.Timer)
	l.chatID = chatID
	l.participants = participants
	l.msgs = append([]store.Message(nil), history...)
	l.serverIDs = make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ID != "" {
			l.serverIDs[m.ID] = struct{}{}
		}
	}
}

// ChatID returns the chat this list is currently bound to.
func (l *List) ChatID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chatID
}

// Send appends an optimistic message synchronously, then writes it to
// the store. The optimistic entry is reconciled later by ApplyInsert;
// on write failure it is marked failed in place and left for the user
// to retry. Returns the optimistic id of the new entry.
func (l *List) Send(ctx context.Context, ident identity.Info, p SendParams) (string, error) {
	if err := ident.Require(); err != nil {
		return "", err
	}
	if p.Type == "" {
		p.Type = store.TypeText
	}

	optID := uuid.NewString()
	now := time.Now().UTC()

	l.mu.Lock()
	chatID := l.chatID
	participants := l.participants
	msg := store.Message{
		ChatID:          chatID,
		SenderWallet:    ident.WalletAddress,
		RecipientWallet: p.RecipientWallet,
		Content:         p.Content,
		Type:            p.Type,
		Encrypted:       p.Encrypt,
		CreatedAt:       now,
		OptimisticID:    optID,
		Optimistic:      true,
	}
	for k, v := range p.Metadata {
		msg.SetMeta(k, v)
	}
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()

	l.bus.Emit(bus.KindMessageAppended, map[string]string{"chat_id": chatID, "optimistic_id": optID})

	row := msg
	if p.Encrypt {
		enc, err := l.codec.Encrypt(p.Content, chatID, participants)
		if err != nil {
			l.markFailed(optID, err)
			return optID, fmt.Errorf("encrypt message: %w", err)
		}
		row.Content = enc
	}

	if _, err := l.insert.InsertMessage(ctx, row); err != nil {
		l.markFailed(optID, err)
		return optID, fmt.Errorf("send message: %w", err)
	}

	// The write succeeded but the entry stays optimistic until the
	// channel INSERT confirms it; the watchdog drops it if that never
	// comes.
	l.mu.Lock()
	if _, live := l.timers[optID]; !live && l.chatID == chatID {
		l.timers[optID] = l.schedule(confirmWatchdog, func() { l.expire(optID) })
	}
	l.mu.Unlock()

	return optID, nil
}

// RetryMessage re-sends a failed entry with its original content and
// recipient. On success the old failed entry is removed; the fresh
// optimistic entry from the new send replaces it.
func (l *List) RetryMessage(ctx context.Context, ident identity.Info, optimisticID string) (string, error) {
	l.mu.Lock()
	idx := l.indexOfOptimisticLocked(optimisticID)
	if idx < 0 {
		l.mu.Unlock()
		return "", fmt.Errorf("retry: no message with optimistic id %s", optimisticID)
	}
	failed := l.msgs[idx]
	if !failed.Failed() {
		l.mu.Unlock()
		return "", fmt.Errorf("retry: message %s has not failed", optimisticID)
	}
	failed.SetMeta("retrying", true)
	l.msgs[idx] = failed
	l.mu.Unlock()

	meta := make(map[string]any, len(failed.Metadata))
	for k, v := range failed.Metadata {
		if k == "failed" || k == "retrying" {
			continue
		}
		meta[k] = v
	}

	newID, err := l.Send(ctx, ident, SendParams{
		RecipientWallet: failed.RecipientWallet,
		Content:         failed.Content,
		Type:            failed.Type,
		Metadata:        meta,
		Encrypt:         failed.Encrypted,
	})
	if err != nil {
		l.mu.Lock()
		if i := l.indexOfOptimisticLocked(optimisticID); i >= 0 {
			m := l.msgs[i]
			m.SetMeta("retrying", false)
			l.msgs[i] = m
		}
		l.mu.Unlock()
		return newID, err
	}

	l.mu.Lock()
	if i := l.indexOfOptimisticLocked(optimisticID); i >= 0 {
		l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	}
	l.mu.Unlock()
	return newID, nil
}

// ApplyInsert reconciles a channel-delivered row into the list. Rows
// already present (by server id) are dropped; rows matching a pending
// optimistic entry replace it in place; everything else is appended.
// Returns the message as stored locally, or nil if it was a duplicate
// or belongs to another chat.
func (l *List) ApplyInsert(row store.Message) *store.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if row.ChatID != l.chatID {
		return nil
	}
	if row.ID != "" {
		if _, dup := l.serverIDs[row.ID]; dup {
			return nil
		}
	}

	row.Optimistic = false
	l.decryptLocked(&row)

	idx := l.matchOptimisticLocked(row)
	if idx >= 0 {
		pending := l.msgs[idx]
		if t := l.timers[pending.OptimisticID]; t != nil {
			t.Stop()
			delete(l.timers, pending.OptimisticID)
		}
		row.OptimisticID = ""
		l.msgs[idx] = row
		if row.ID != "" {
			l.serverIDs[row.ID] = struct{}{}
		}
		l.bus.Emit(bus.KindMessageConfirmed, map[string]string{
			"chat_id": row.ChatID, "message_id": row.ID, "optimistic_id": pending.OptimisticID,
		})
		return &l.msgs[idx]
	}

	l.msgs = append(l.msgs, row)
	if row.ID != "" {
		l.serverIDs[row.ID] = struct{}{}
	}
	l.bus.Emit(bus.KindMessageAppended, map[string]string{"chat_id": row.ChatID, "message_id": row.ID})
	return &l.msgs[len(l.msgs)-1]
}

// Snapshot returns a copy of the live list.
func (l *List) Snapshot() []store.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.Message(nil), l.msgs...)
}

// matchOptimisticLocked implements the two-tier reconciliation: exact
// correlation token first, then a bounded same-sender same-content
// heuristic for backends that do not echo the token.
func (l *List) matchOptimisticLocked(row store.Message) int {
	if row.OptimisticID != "" {
		if i := l.indexOfOptimisticLocked(row.OptimisticID); i >= 0 {
			return i
		}
	}
	for i, m := range l.msgs {
		if !m.Optimistic || m.Failed() {
			continue
		}
		if !strings.EqualFold(m.SenderWallet, row.SenderWallet) || m.Content != row.Content {
			continue
		}
		delta := row.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= heuristicWindow {
			return i
		}
	}
	return -1
}

func (l *List) indexOfOptimisticLocked(optimisticID string) int {
	for i, m := range l.msgs {
		if m.OptimisticID == optimisticID {
			return i
		}
	}
	return -1
}

// decryptLocked replaces ciphertext content with plaintext, or the
// placeholder when the key fails to open it. Undecryptable messages
// are displayed, never dropped.
func (l *List) decryptLocked(m *store.Message) {
	if !m.Encrypted && !l.codec.LooksEncrypted(m.Content) {
		return
	}
	plain, err := l.codec.Decrypt(m.Content, l.chatID, l.participants)
	if err != nil {
		l.logger.Warn("message decryption failed",
			zap.String("chat", l.chatID),
			zap.String("message_id", m.ID),
			zap.Error(err))
		m.Content = codec.Placeholder
		return
	}
	m.Content = plain
}

func (l *List) markFailed(optimisticID string, cause error) {
	l.mu.Lock()
	idx := l.indexOfOptimisticLocked(optimisticID)
	var chatID string
	if idx >= 0 {
		m := l.msgs[idx]
		m.Optimistic = false
		m.SetMeta("failed", true)
		l.msgs[idx] = m
		chatID = m.ChatID
	}
	l.mu.Unlock()
	if idx < 0 {
		return
	}
	l.logger.Error("message send failed",
		zap.String("chat", chatID),
		zap.String("optimistic_id", optimisticID),
		zap.Error(cause))
	l.bus.Emit(bus.KindMessageFailed, map[string]string{
		"chat_id": chatID, "optimistic_id": optimisticID, "error": cause.Error(),
	})
}

// expire runs when the confirmation watchdog fires. A message still
// optimistic at this point has an unknown fate and is dropped as
// orphaned rather than shown unconfirmed forever.
func (l *List) expire(optimisticID string) {
	l.mu.Lock()
	delete(l.timers, optimisticID)
	idx := l.indexOfOptimisticLocked(optimisticID)
	if idx < 0 || !l.msgs[idx].Optimistic {
		l.mu.Unlock()
		return
	}
	chatID := l.msgs[idx].ChatID
	l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
	l.mu.Unlock()

	l.logger.Warn("optimistic message never confirmed, dropping",
		zap.String("chat", chatID),
		zap.String("optimistic_id", optimisticID))
	l.bus.Emit(bus.KindMessageOrphaned, map[string]string{
		"chat_id": chatID, "optimistic_id": optimisticID,
	})
}
