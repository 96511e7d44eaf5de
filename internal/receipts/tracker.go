// Package receipts maintains the per-chat read-receipt map: which
// messages have been seen, and the last reader per message.
package receipts

import (
	"context"
	"sync"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/store"
	"go.uber.org/zap"
)

// Upserter is the store write surface the tracker needs.
type Upserter interface {
	UpsertReadReceipt(ctx context.Context, chatID, wallet, lastReadID string) error
}

// Tracker builds the message -> last-reader map from participants'
// last-read pointers and keeps it current as receipt events arrive.
type Tracker struct {
	store  Upserter
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	chatID   string
	order    []string       // message ids in chat order
	index    map[string]int // message id -> position in order
	readBy   map[string]string
	pointers map[string]int // wallet -> last-read index, never regresses
}

func NewTracker(st Upserter, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:    st,
		bus:      b,
		logger:   logger,
		index:    make(map[string]int),
		readBy:   make(map[string]string),
		pointers: make(map[string]int),
	}
}

// LoadReceipts rebuilds the map for a chat from its ordered message
// list and the participants' last-read pointers. For each pointer the
// range [0, idx] is marked read; when ranges overlap the participant
// processed last wins.
func (t *Tracker) LoadReceipts(chatID string, ordered []store.Message, participants []store.Participant) {
	t.mu.Lock()
	t.chatID = chatID
	t.order = make([]string, 0, len(ordered))
	t.index = make(map[string]int, len(ordered))
	t.readBy = make(map[string]string)
	t.pointers = make(map[string]int)
	for i, m := range ordered {
		t.order = append(t.order, m.ID)
		t.index[m.ID] = i
	}
	for _, p := range participants {
		t.markRangeLocked(p.WalletAddress, p.LastReadMessageID)
	}
	t.mu.Unlock()
	t.bus.Emit(bus.KindReceiptsChanged, chatID)
}

// ApplyUpdate folds a receipt-channel event into the live map. Pointers
// are monotonic per participant: an event carrying an older last-read
// id than already recorded is ignored.
func (t *Tracker) ApplyUpdate(p store.Participant) {
	t.mu.Lock()
	if p.ChatID != "" && p.ChatID != t.chatID {
		t.mu.Unlock()
		return
	}
	changed := t.markRangeLocked(p.WalletAddress, p.LastReadMessageID)
	chatID := t.chatID
	t.mu.Unlock()
	if changed {
		t.bus.Emit(bus.KindReceiptsChanged, chatID)
	}
}

// ObserveMessage registers a newly-appended message so later receipt
// events can resolve its position.
func (t *Tracker) ObserveMessage(messageID string) {
	if messageID == "" {
		return
	}
	t.mu.Lock()
	if _, ok := t.index[messageID]; !ok {
		t.index[messageID] = len(t.order)
		t.order = append(t.order, messageID)
	}
	t.mu.Unlock()
}

// MarkAsRead advances the local identity's read pointer on the server.
// Receipts are best-effort: failures are logged and swallowed.
func (t *Tracker) MarkAsRead(ctx context.Context, chatID, wallet, lastMessageID string) {
	if lastMessageID == "" || wallet == "" {
		return
	}
	if err := t.store.UpsertReadReceipt(ctx, chatID, wallet, lastMessageID); err != nil {
		t.logger.Warn("read receipt update failed",
			zap.String("chat", chatID),
			zap.String("wallet", wallet),
			zap.Error(err))
	}
}

// ReadBy reports whether a message has been read and by which
// participant most recently.
func (t *Tracker) ReadBy(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.readBy[messageID]
	return w, ok
}

// Snapshot returns a copy of the message -> reader map.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.readBy))
	for k, v := range t.readBy {
		out[k] = v
	}
	return out
}

func (t *Tracker) markRangeLocked(wallet, lastReadID string) bool {
	if wallet == "" || lastReadID == "" {
		return false
	}
	idx, ok := t.index[lastReadID]
	if !ok {
		return false
	}
	if prev, seen := t.pointers[wallet]; seen && idx <= prev {
		return false
	}
	t.pointers[wallet] = idx
	for i := 0; i <= idx; i++ {
		t.readBy[t.order[i]] = wallet
	}
	return true
}
