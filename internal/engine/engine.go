// Package engine ties the sync components together: it owns chat
// selection, routes channel events to the conversation index, message
// list, receipt tracker and presence coordinator, and exposes the
// operations the API surface calls.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/codec"
	"github.com/mgalvao/wch/internal/convo"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/notify"
	"github.com/mgalvao/wch/internal/outbound"
	"github.com/mgalvao/wch/internal/presence"
	"github.com/mgalvao/wch/internal/realtime"
	"github.com/mgalvao/wch/internal/receipts"
	"github.com/mgalvao/wch/internal/store"
	"github.com/mgalvao/wch/internal/subs"
	"go.uber.org/zap"
)

// historyLimit bounds how much chat history is fetched on selection.
const historyLimit = 200

// Store is the read surface the engine needs beyond what its
// components hold themselves.
type Store interface {
	ListChatMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error)
	ListParticipants(ctx context.Context, chatID string) ([]store.Participant, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Cache persists confirmed messages locally so a reopened chat shows
// history before the authoritative fetch lands. May be nil.
type Cache interface {
	UpsertMessage(m *store.Message) error
	ListMessages(chatID string, limit int) ([]store.Message, error)
}

// Engine is the sync engine facade. All state it owns is mutated only
// by its own methods and event handlers.
type Engine struct {
	store    Store
	cache    Cache
	ident    identity.Provider
	codec    codec.Codec
	idx      *convo.Index
	list     *outbound.List
	receipts *receipts.Tracker
	presence *presence.Coordinator
	subs     *subs.Manager
	notify   *notify.Trigger
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	selected string
	peers    [2]string
	gen      int // selection generation, stale fetches are discarded
	focused  bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    Store
	Cache    Cache
	Identity identity.Provider
	Codec    codec.Codec
	Index    *convo.Index
	List     *outbound.List
	Receipts *receipts.Tracker
	Presence *presence.Coordinator
	Subs     *subs.Manager
	Notify   *notify.Trigger
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func New(d Deps) *Engine {
	if d.Codec == nil {
		d.Codec = codec.Passthrough{}
	}
	return &Engine{
		store:    d.Store,
		cache:    d.Cache,
		ident:    d.Identity,
		codec:    d.Codec,
		idx:      d.Index,
		list:     d.List,
		receipts: d.Receipts,
		presence: d.Presence,
		subs:     d.Subs,
		notify:   d.Notify,
		bus:      d.Bus,
		logger:   d.Logger,
		focused:  true,
	}
}

// Start warms the conversation index from the local cache, loads the
// authoritative list, and opens the session-lifetime conversations
// channel. With no authenticated identity it emits auth_required and
// returns nil; Start is re-run after pairing.
func (e *Engine) Start(ctx context.Context) error {
	e.idx.WarmStart()

	ident := e.ident.Current()
	if err := ident.Require(); err != nil {
		e.bus.Emit(bus.KindAuthRequired, nil)
		return nil
	}

	if _, err := e.idx.LoadAll(ctx, ident); err != nil {
		return err
	}

	wallet := strings.ToLower(ident.WalletAddress)
	spec := realtime.ChannelSpec{
		Topic:  subs.Topic(subs.KindConversations, ""),
		Table:  "conversations",
		Filter: "or=(participant_a.eq." + wallet + ",participant_b.eq." + wallet + ")",
	}
	return e.subs.Subscribe(subs.KindConversations, spec, e.onConversationEvent, nil)
}

// SelectChat switches the active chat: the previous chat's channels
// and ephemeral state are torn down, history and receipts are loaded,
// and the three per-chat channels are opened.
func (e *Engine) SelectChat(ctx context.Context, chatID string) error {
	ident := e.ident.Current()
	if err := ident.Require(); err != nil {
		return err
	}

	conv, err := e.conversation(ctx, chatID)
	if err != nil {
		return err
	}
	peers := conv.Participants()

	e.mu.Lock()
	e.subs.TeardownChat()
	e.selected = chatID
	e.peers = peers
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	e.presence.Reset(chatID, ident.WalletAddress)

	// Warm start: cached confirmed messages show immediately, then the
	// authoritative fetch replaces them.
	if e.cache != nil {
		if cached, err := e.cache.ListMessages(chatID, historyLimit); err != nil {
			e.logger.Warn("message cache read failed", zap.String("chat", chatID), zap.Error(err))
		} else if len(cached) > 0 {
			e.list.Reset(chatID, peers, cached)
		}
	}

	history, err := e.store.ListChatMessages(ctx, chatID, historyLimit)
	if err != nil {
		return err
	}
	participants, err := e.store.ListParticipants(ctx, chatID)
	if err != nil {
		e.logger.Warn("participant fetch failed", zap.String("chat", chatID), zap.Error(err))
		participants = nil
	}

	for i := range history {
		e.decrypt(&history[i], chatID, peers)
	}

	// The user may have moved on while we were fetching; a stale
	// result must not clobber the new chat's state.
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.list.Reset(chatID, peers, history)
	e.receipts.LoadReceipts(chatID, history, participants)
	e.idx.ClearUnread(chatID)
	for i := range history {
		e.cacheMessage(history[i])
	}

	if n := len(history); n > 0 {
		newest := history[n-1]
		if !strings.EqualFold(newest.SenderWallet, ident.WalletAddress) {
			e.receipts.MarkAsRead(ctx, chatID, ident.WalletAddress, newest.ID)
		}
	}

	return e.subscribeChat(chatID)
}

func (e *Engine) subscribeChat(chatID string) error {
	msgSpec := realtime.ChannelSpec{
		Topic:  subs.Topic(subs.KindMessages, chatID),
		Table:  "messages",
		Filter: "chat_id=eq." + chatID,
	}
	if err := e.subs.Subscribe(subs.KindMessages, msgSpec, e.onMessageEvent, nil); err != nil {
		return err
	}

	rcptSpec := realtime.ChannelSpec{
		Topic:  subs.Topic(subs.KindReceipts, chatID),
		Table:  "participants",
		Filter: "chat_id=eq." + chatID,
	}
	if err := e.subs.Subscribe(subs.KindReceipts, rcptSpec, e.onReceiptEvent, nil); err != nil {
		return err
	}

	presSpec := realtime.ChannelSpec{
		Topic:    subs.Topic(subs.KindPresence, chatID),
		Presence: true,
	}
	return e.subs.Subscribe(subs.KindPresence, presSpec, e.presence.Apply, e.presence.OnSubscribed)
}

// CloseChat tears down the per-chat channels and clears the selection.
func (e *Engine) CloseChat() {
	e.mu.Lock()
	e.selected = ""
	e.gen++
	e.mu.Unlock()
	e.subs.TeardownChat()
	e.presence.Reset("", e.ident.Current().WalletAddress)
}

// Send sends a message in the selected chat.
func (e *Engine) Send(ctx context.Context, p outbound.SendParams) (string, error) {
	return e.list.Send(ctx, e.ident.Current(), p)
}

// RetryMessage re-sends a failed message.
func (e *Engine) RetryMessage(ctx context.Context, optimisticID string) (string, error) {
	return e.list.RetryMessage(ctx, e.ident.Current(), optimisticID)
}

// Typing indicator passthrough.
func (e *Engine) StartTyping()  { e.presence.StartTyping() }
func (e *Engine) ExtendTyping() { e.presence.ExtendTyping() }
func (e *Engine) StopTyping()   { e.presence.StopTyping() }

// SetFocused records whether the client UI is in the foreground.
// Messages arriving while unfocused trigger push notifications.
func (e *Engine) SetFocused(focused bool) {
	e.mu.Lock()
	e.focused = focused
	e.mu.Unlock()
}

// Conversations returns the current sidebar list.
func (e *Engine) Conversations() []store.Conversation { return e.idx.Snapshot() }

// Messages returns the selected chat's live message list.
func (e *Engine) Messages() []store.Message { return e.list.Snapshot() }

// Receipts returns the selected chat's message -> reader map.
func (e *Engine) Receipts() map[string]string { return e.receipts.Snapshot() }

// Presence returns the selected chat's presence set.
func (e *Engine) Presence() map[string]presence.User { return e.presence.Snapshot() }

// TypingWallets returns the remote wallets currently typing.
func (e *Engine) TypingWallets() []string { return e.presence.TypingWallets() }

// Selected returns the currently selected chat id.
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Channels reports subscription health.
func (e *Engine) Channels() []subs.ChannelInfo { return e.subs.Info() }

func (e *Engine) onConversationEvent(evt realtime.Event) {
	var conv store.Conversation
	if err := json.Unmarshal(evt.New, &conv); err != nil {
		e.logger.Warn("bad conversation event", zap.Error(err))
		return
	}

	ctx := context.Background()
	switch evt.Type {
	case realtime.EventInsert:
		e.idx.ApplyInsert(ctx, conv)
	case realtime.EventUpdate:
		e.idx.ApplyUpdate(ctx, conv)
	default:
		return
	}

	e.mu.Lock()
	selected := e.selected
	focused := e.focused
	e.mu.Unlock()

	if conv.ID != selected {
		e.idx.MarkUnread(conv.ID)
	}
	if evt.Type == realtime.EventUpdate && (conv.ID != selected || !focused) {
		wallet := e.ident.Current().WalletAddress
		e.notify.Notify(notify.Payload{
			ChatID:          conv.ID,
			RecipientWallet: wallet,
		})
	}
}

func (e *Engine) onMessageEvent(evt realtime.Event) {
	if evt.Type != realtime.EventInsert && evt.Type != realtime.EventUpdate {
		return
	}
	var msg store.Message
	if err := json.Unmarshal(evt.New, &msg); err != nil {
		e.logger.Warn("bad message event", zap.Error(err))
		return
	}
	if evt.Type != realtime.EventInsert {
		return
	}

	applied := e.list.ApplyInsert(msg)
	if applied == nil {
		return
	}
	e.receipts.ObserveMessage(applied.ID)
	e.cacheMessage(*applied)

	ident := e.ident.Current()
	if strings.EqualFold(applied.SenderWallet, ident.WalletAddress) {
		return
	}

	e.mu.Lock()
	focused := e.focused
	chatID := e.selected
	e.mu.Unlock()

	if focused {
		// The chat is on screen: advance our read pointer right away.
		e.receipts.MarkAsRead(context.Background(), chatID, ident.WalletAddress, applied.ID)
		return
	}
	e.idx.MarkUnread(chatID)
	e.notify.Notify(notify.Payload{
		ChatID:          chatID,
		SenderWallet:    applied.SenderWallet,
		RecipientWallet: ident.WalletAddress,
		Preview:         applied.Content,
	})
}

func (e *Engine) onReceiptEvent(evt realtime.Event) {
	if evt.Type != realtime.EventUpdate && evt.Type != realtime.EventInsert {
		return
	}
	var p store.Participant
	if err := json.Unmarshal(evt.New, &p); err != nil {
		e.logger.Warn("bad receipt event", zap.Error(err))
		return
	}
	e.receipts.ApplyUpdate(p)
}

func (e *Engine) conversation(ctx context.Context, chatID string) (*store.Conversation, error) {
	if c := e.idx.Get(chatID); c != nil {
		return c, nil
	}
	return e.store.GetConversation(ctx, chatID)
}

// cacheMessage persists one confirmed message. The list entry already
// holds plaintext, so the cached row is stored as unencrypted; decrypt
// placeholders are skipped so a later successful fetch can fill them in.
func (e *Engine) cacheMessage(m store.Message) {
	if e.cache == nil || m.Optimistic || m.ID == "" || m.Content == codec.Placeholder {
		return
	}
	m.Encrypted = false
	if err := e.cache.UpsertMessage(&m); err != nil {
		e.logger.Warn("message cache write failed", zap.String("chat", m.ChatID), zap.Error(err))
	}
}

func (e *Engine) decrypt(m *store.Message, chatID string, peers [2]string) {
	if !m.Encrypted && !e.codec.LooksEncrypted(m.Content) {
		return
	}
	plain, err := e.codec.Decrypt(m.Content, chatID, peers)
	if err != nil {
		m.Content = codec.Placeholder
		return
	}
	m.Content = plain
}
