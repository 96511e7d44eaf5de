// Package presence folds presence-channel events into the per-chat
// online/typing view and debounces the local typing indicator.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/realtime"
	"go.uber.org/zap"
)

// typingIdle is how long after the last keystroke the local typing
// indicator is withdrawn.
const typingIdle = 3 * time.Second

// User is one participant's ephemeral state on a presence channel.
type User struct {
	WalletAddress string    `json:"wallet_address"`
	Online        bool      `json:"online"`
	Typing        bool      `json:"typing"`
	LastSeen      time.Time `json:"last_seen"`
}

// Coordinator owns the presence view of the selected chat. It is bound
// to a channel handle by OnSubscribed and torn down by Reset.
type Coordinator struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	chatID string
	self   string
	handle realtime.Handle
	users  map[string]User
	typing bool
	timer  *time.Timer

	// schedule is swapped out by tests to control the idle timer.
	schedule func(d time.Duration, f func()) *time.Timer
}

func NewCoordinator(b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		bus:      b,
		logger:   logger,
		users:    make(map[string]User),
		schedule: time.AfterFunc,
	}
}

// Reset binds the coordinator to a chat and clears all ephemeral state.
// Presence entries do not survive a chat switch.
func (c *Coordinator) Reset(chatID, selfWallet string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.chatID = chatID
	c.self = selfWallet
	c.handle = nil
	c.users = make(map[string]User)
	c.typing = false
}

// OnSubscribed is the channel's subscribe callback: it captures the
// handle and immediately tracks the local identity as online.
func (c *Coordinator) OnSubscribed(h realtime.Handle) {
	c.mu.Lock()
	c.handle = h
	self := c.self
	c.mu.Unlock()

	if err := h.Track(User{WalletAddress: self, Online: true, LastSeen: time.Now().UTC()}); err != nil {
		c.logger.Warn("presence track failed", zap.Error(err))
	}
}

// Apply folds a presence event into the view. SYNC replaces the set,
// JOIN merges entries in, LEAVE removes them.
func (c *Coordinator) Apply(evt realtime.Event) {
	c.mu.Lock()
	switch evt.Type {
	case realtime.EventPresenceSync:
		c.users = make(map[string]User, len(evt.States))
		for key, raw := range evt.States {
			if u, ok := decodeUser(key, raw); ok {
				c.users[u.WalletAddress] = u
			}
		}
	case realtime.EventPresenceJoin:
		for key, raw := range evt.States {
			if u, ok := decodeUser(key, raw); ok {
				c.users[u.WalletAddress] = u
			}
		}
	case realtime.EventPresenceLeave:
		for key, raw := range evt.States {
			if u, ok := decodeUser(key, raw); ok {
				delete(c.users, u.WalletAddress)
			}
		}
	default:
		c.mu.Unlock()
		return
	}
	chatID := c.chatID
	c.mu.Unlock()
	c.bus.Emit(bus.KindPresenceChanged, chatID)
}

// OnlineWallets returns every wallet currently online in the chat.
func (c *Coordinator) OnlineWallets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.users))
	for w, u := range c.users {
		if u.Online {
			out = append(out, w)
		}
	}
	return out
}

// TypingWallets returns the wallets currently typing, never including
// the local identity.
func (c *Coordinator) TypingWallets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for w, u := range c.users {
		if u.Typing && w != c.self {
			out = append(out, w)
		}
	}
	return out
}

// Snapshot returns a copy of the full presence set.
func (c *Coordinator) Snapshot() map[string]User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]User, len(c.users))
	for k, v := range c.users {
		out[k] = v
	}
	return out
}

// StartTyping publishes typing:true and arms the idle timer. A no-op
// if the local identity is already typing.
func (c *Coordinator) StartTyping() {
	c.mu.Lock()
	if c.typing || c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.typing = true
	c.armTimerLocked()
	h, self := c.handle, c.self
	c.mu.Unlock()

	c.track(h, User{WalletAddress: self, Online: true, Typing: true, LastSeen: time.Now().UTC()})
}

// ExtendTyping re-publishes typing:true and resets the idle timer.
// Call it on every keystroke; it keeps the remote indicator alive
// without flipping local state.
func (c *Coordinator) ExtendTyping() {
	c.mu.Lock()
	if !c.typing {
		c.mu.Unlock()
		c.StartTyping()
		return
	}
	c.armTimerLocked()
	h, self := c.handle, c.self
	c.mu.Unlock()

	c.track(h, User{WalletAddress: self, Online: true, Typing: true, LastSeen: time.Now().UTC()})
}

// StopTyping publishes typing:false and clears the local flag. Called
// by the idle timer or when the compose input empties.
func (c *Coordinator) StopTyping() {
	c.mu.Lock()
	if !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.stopTimerLocked()
	h, self := c.handle, c.self
	c.mu.Unlock()

	if h != nil {
		c.track(h, User{WalletAddress: self, Online: true, Typing: false, LastSeen: time.Now().UTC()})
	}
}

// Typing reports whether the local identity is currently typing.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

func (c *Coordinator) track(h realtime.Handle, u User) {
	if h == nil {
		return
	}
	if err := h.Track(u); err != nil {
		c.logger.Warn("presence track failed", zap.Error(err))
	}
}

func (c *Coordinator) armTimerLocked() {
	c.stopTimerLocked()
	c.timer = c.schedule(typingIdle, c.StopTyping)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// decodeUser tolerates payloads that omit the wallet by falling back
// to the presence key.
func decodeUser(key string, raw json.RawMessage) (User, bool) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, false
	}
	if u.WalletAddress == "" {
		u.WalletAddress = key
	}
	if u.WalletAddress == "" {
		return User{}, false
	}
	return u, true
}
