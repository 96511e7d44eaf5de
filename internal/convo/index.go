package convo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/store"
	"go.uber.org/zap"
)

const (
	maxFetchRetries = 3
	fetchBaseDelay  = time.Second
)

// Store is the slice of the data store the index reads.
type Store interface {
	ListConversations(ctx context.Context, wallet string) ([]store.Conversation, error)
	ListWalletMessages(ctx context.Context, wallet string) ([]store.Message, error)
	LatestChatMessage(ctx context.Context, chatID string) (*store.Message, error)
	UnreadCount(ctx context.Context, chatID, wallet string) (int, error)
}

// Cache persists conversation previews for warm starts. May be nil.
type Cache interface {
	UpsertConversation(*store.Conversation) error
	ListConversations() ([]store.Conversation, error)
}

// Index is the single source of truth for the sidebar list. The list is
// always sorted by last activity descending; readers get copy-on-write
// snapshots and never observe a partially-applied update.
type Index struct {
	fetch  Store
	cache  Cache
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	list   []store.Conversation
	unread map[string]struct{}

	// sleep is swapped out by tests to observe retry backoff.
	sleep func(context.Context, time.Duration) error
}

// NewIndex creates an empty index. cache may be nil.
func NewIndex(fetch Store, cache Cache, b *bus.Bus, logger *zap.Logger) *Index {
	return &Index{
		fetch:  fetch,
		cache:  cache,
		bus:    b,
		logger: logger,
		unread: make(map[string]struct{}),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WarmStart fills the index from the local cache, if any. Called before
// LoadAll so the UI has something to paint immediately.
func (ix *Index) WarmStart() {
	if ix.cache == nil {
		return
	}
	cached, err := ix.cache.ListConversations()
	if err != nil {
		ix.logger.Warn("cache warm start failed", zap.Error(err))
		return
	}
	if len(cached) == 0 {
		return
	}
	ix.mu.Lock()
	if len(ix.list) == 0 {
		ix.list = cached
	}
	ix.mu.Unlock()
}

// LoadAll fetches every conversation the identity participates in,
// joined client-side with each chat's most recent message. Unread flags
// come from the store's per-chat unread counts; a chat whose check fails
// is treated as read. Transient store errors retry on a 1s, 2s, 4s
// schedule before surfacing as terminal.
func (ix *Index) LoadAll(ctx context.Context, ident identity.Info) ([]store.Conversation, error) {
	if err := ident.Require(); err != nil {
		return nil, err
	}
	wallet := ident.WalletAddress

	var convs []store.Conversation
	var msgs []store.Message
	err := ix.withRetry(ctx, func() error {
		var err error
		if convs, err = ix.fetch.ListConversations(ctx, wallet); err != nil {
			return err
		}
		msgs, err = ix.fetch.ListWalletMessages(ctx, wallet)
		return err
	})
	if err != nil {
		return nil, err
	}

	// msgs arrive newest-first, so the first message seen per chat is
	// that chat's latest.
	latest := make(map[string]*store.Message, len(convs))
	for i := range msgs {
		m := &msgs[i]
		if _, seen := latest[m.ChatID]; !seen {
			latest[m.ChatID] = m
		}
	}
	for i := range convs {
		c := &convs[i]
		if m, ok := latest[c.ID]; ok {
			c.LastMessage = m
			if m.CreatedAt.After(c.LastActivity) {
				c.LastActivity = m.CreatedAt
			}
		}
	}

	ix.loadUnread(ctx, wallet, convs)

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})

	ix.mu.Lock()
	ix.list = convs
	ix.unread = make(map[string]struct{})
	for _, c := range convs {
		if c.Unread {
			ix.unread[c.ID] = struct{}{}
		}
	}
	ix.mu.Unlock()

	ix.persist(convs)
	return ix.Snapshot(), nil
}

// loadUnread checks unread counts in parallel; independent failures are
// tolerated.
func (ix *Index) loadUnread(ctx context.Context, wallet string, convs []store.Conversation) {
	var wg sync.WaitGroup
	for i := range convs {
		wg.Add(1)
		go func(c *store.Conversation) {
			defer wg.Done()
			n, err := ix.fetch.UnreadCount(ctx, c.ID, wallet)
			if err != nil {
				ix.logger.Warn("unread check failed, treating as read",
					zap.String("chat", c.ID), zap.Error(err))
				return
			}
			c.Unread = n > 0
		}(&convs[i])
	}
	wg.Wait()
}

func (ix *Index) withRetry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !store.IsTransient(err) || attempt >= maxFetchRetries {
			return err
		}
		delay := fetchBaseDelay << attempt
		ix.logger.Info("transient fetch error, retrying",
			zap.Duration("delay", delay), zap.Error(err))
		if serr := ix.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// ApplyInsert handles a conversation INSERT event. The entry appears
// immediately; its preview is fetched asynchronously, so the UI may
// briefly show the conversation without one.
func (ix *Index) ApplyInsert(ctx context.Context, conv store.Conversation) {
	ix.mu.Lock()
	for _, c := range ix.list {
		if c.ID == conv.ID {
			ix.mu.Unlock()
			return
		}
	}
	next := make([]store.Conversation, 0, len(ix.list)+1)
	next = append(next, conv)
	next = append(next, ix.list...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].LastActivity.After(next[j].LastActivity)
	})
	ix.list = next
	ix.mu.Unlock()
	ix.emit(conv)

	go func() {
		m, err := ix.fetch.LatestChatMessage(ctx, conv.ID)
		if err != nil || m == nil {
			return
		}
		ix.setPreview(conv.ID, m)
	}()
}

// ApplyUpdate handles a conversation UPDATE event: re-fetch the latest
// message and move the conversation to the front, preserving the
// relative order of every other entry.
func (ix *Index) ApplyUpdate(ctx context.Context, conv store.Conversation) {
	m, err := ix.fetch.LatestChatMessage(ctx, conv.ID)
	if err != nil {
		ix.logger.Warn("preview refetch failed", zap.String("chat", conv.ID), zap.Error(err))
	}
	if m != nil {
		conv.LastMessage = m
		if m.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = m.CreatedAt
		}
	}

	ix.mu.Lock()
	next := make([]store.Conversation, 0, len(ix.list)+1)
	conv.Unread = ix.unreadLocked(conv.ID)
	next = append(next, conv)
	for _, c := range ix.list {
		if c.ID != conv.ID {
			next = append(next, c)
		}
	}
	ix.list = next
	ix.mu.Unlock()
	ix.emit(conv)
	ix.persist([]store.Conversation{conv})
}

// setPreview patches a conversation's preview in place without
// disturbing list order.
func (ix *Index) setPreview(chatID string, m *store.Message) {
	ix.mu.Lock()
	for i := range ix.list {
		if ix.list[i].ID == chatID {
			ix.list[i].LastMessage = m
			break
		}
	}
	ix.mu.Unlock()
	ix.bus.Emit(bus.KindConversationUpserted, chatID)
}

// MarkUnread flags a chat. Display-only; reload recomputes from the
// server's read pointers.
func (ix *Index) MarkUnread(chatID string) {
	ix.mu.Lock()
	ix.unread[chatID] = struct{}{}
	ix.syncUnreadLocked(chatID, true)
	ix.mu.Unlock()
	ix.bus.Emit(bus.KindConversationUnread, chatID)
}

// ClearUnread unflags a chat.
func (ix *Index) ClearUnread(chatID string) {
	ix.mu.Lock()
	delete(ix.unread, chatID)
	ix.syncUnreadLocked(chatID, false)
	ix.mu.Unlock()
	ix.bus.Emit(bus.KindConversationUnread, chatID)
}

// IsUnread reports the display flag for a chat.
func (ix *Index) IsUnread(chatID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.unreadLocked(chatID)
}

func (ix *Index) unreadLocked(chatID string) bool {
	_, ok := ix.unread[chatID]
	return ok
}

func (ix *Index) syncUnreadLocked(chatID string, unread bool) {
	for i := range ix.list {
		if ix.list[i].ID == chatID {
			ix.list[i].Unread = unread
			return
		}
	}
}

// Get returns the conversation by id, or nil.
func (ix *Index) Get(chatID string) *store.Conversation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for i := range ix.list {
		if ix.list[i].ID == chatID {
			c := ix.list[i]
			return &c
		}
	}
	return nil
}

// Snapshot returns a copy of the ordered list.
func (ix *Index) Snapshot() []store.Conversation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]store.Conversation, len(ix.list))
	copy(out, ix.list)
	return out
}

func (ix *Index) emit(conv store.Conversation) {
	ix.bus.Emit(bus.KindConversationUpserted, conv.ID)
}

func (ix *Index) persist(convs []store.Conversation) {
	if ix.cache == nil {
		return
	}
	for i := range convs {
		if err := ix.cache.UpsertConversation(&convs[i]); err != nil {
			ix.logger.Warn("cache conversation failed", zap.Error(err))
			return
		}
	}
}
