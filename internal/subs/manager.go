package subs

import (
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/realtime"
	"go.uber.org/zap"
)

// ErrConnectionLost is surfaced after reconnection gives up. Deliberate
// fail-stop: the user reloads instead of the engine retrying forever.
var ErrConnectionLost = errors.New("subs: connection lost, please reload")

const (
	maxRetries = 5
	baseDelay  = time.Second
	maxDelay   = 30 * time.Second
)

// DialFunc creates an authenticated transport connection.
type DialFunc func() (realtime.Transport, error)

// StatusChange is the payload for channel.status bus events.
type StatusChange struct {
	Kind  Kind
	State State
}

// ChannelInfo is a read-only view of one channel's health.
type ChannelInfo struct {
	Kind          Kind
	State         State
	LastConnected time.Time
}

// Manager owns the four channel subscriptions and keeps them alive.
// Each failure status schedules a reconnect with exponential backoff;
// CHANNEL_ERROR additionally discards the transport, since that status
// means the socket itself is stale. The retry counter is shared across
// kinds and resets on any successful subscribe.
type Manager struct {
	mu        sync.Mutex
	dial      DialFunc
	transport realtime.Transport
	channels  map[Kind]*channelState
	retries   int
	terminal  bool
	bus       *bus.Bus
	logger    *zap.Logger

	// schedule is swapped out by tests to observe backoff delays.
	schedule func(d time.Duration, f func()) *time.Timer
}

type channelState struct {
	kind          Kind
	spec          realtime.ChannelSpec
	onEvent       realtime.EventFunc
	onSubscribed  func(realtime.Handle)
	state         State
	lastConnected time.Time
	handle        realtime.Handle
	timer         *time.Timer
	gen           int
}

// NewManager creates a manager. No connection is made until the first
// Subscribe call.
func NewManager(dial DialFunc, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		dial:     dial,
		channels: make(map[Kind]*channelState),
		bus:      b,
		logger:   logger,
		schedule: time.AfterFunc,
	}
}

// Subscribe creates the channel for kind lazily. A second call while a
// handle exists is a no-op. onSubscribed, when non-nil, runs after every
// successful (re)subscribe with the live handle; presence uses it to
// re-track local state.
func (m *Manager) Subscribe(kind Kind, spec realtime.ChannelSpec, onEvent realtime.EventFunc, onSubscribed func(realtime.Handle)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminal {
		return ErrConnectionLost
	}
	if _, exists := m.channels[kind]; exists {
		return nil
	}
	ch := &channelState{
		kind:         kind,
		spec:         spec,
		onEvent:      onEvent,
		onSubscribed: onSubscribed,
		state:        Disconnected,
	}
	m.channels[kind] = ch
	return m.subscribeLocked(ch)
}

// subscribeLocked attaches ch to the transport, dialing if necessary.
func (m *Manager) subscribeLocked(ch *channelState) error {
	m.transitionLocked(ch, Connecting)

	if m.transport == nil {
		t, err := m.dial()
		if err != nil {
			m.logger.Warn("realtime dial failed", zap.Error(err), zap.String("channel", string(ch.kind)))
			m.scheduleReconnectLocked(ch, false)
			return nil
		}
		m.transport = t
	}

	gen := ch.gen
	kind := ch.kind
	handle, err := m.transport.Subscribe(ch.spec, ch.onEvent, func(s realtime.Status) {
		m.handleStatus(kind, gen, s)
	})
	if err != nil {
		m.logger.Warn("subscribe failed", zap.Error(err), zap.String("channel", string(ch.kind)))
		m.scheduleReconnectLocked(ch, false)
		return nil
	}
	ch.handle = handle
	return nil
}

func (m *Manager) handleStatus(kind Kind, gen int, s realtime.Status) {
	m.mu.Lock()
	ch, ok := m.channels[kind]
	if !ok || ch.gen != gen {
		// Stale callback from a channel torn down in the meantime.
		m.mu.Unlock()
		return
	}

	switch s {
	case realtime.StatusSubscribed:
		m.transitionLocked(ch, Subscribed)
		ch.lastConnected = time.Now()
		m.retries = 0
		handle := ch.handle
		onSub := ch.onSubscribed
		m.mu.Unlock()
		if onSub != nil && handle != nil {
			onSub(handle)
		}
		return

	case realtime.StatusClosed, realtime.StatusTimedOut:
		m.scheduleReconnectLocked(ch, false)

	case realtime.StatusChannelError:
		// The transport itself is stale, not merely this channel.
		m.scheduleReconnectLocked(ch, true)
	}
	m.mu.Unlock()
}

// scheduleReconnectLocked applies backoff or gives up.
func (m *Manager) scheduleReconnectLocked(ch *channelState, recreate bool) {
	if m.terminal {
		return
	}
	m.transitionLocked(ch, Errored)

	// Leave the dead channel so the transport frees its topic; otherwise
	// the resubscribe is rejected as a duplicate. Bumping gen makes any
	// late status from the abandoned subscription a no-op.
	ch.gen++
	if ch.handle != nil {
		_ = ch.handle.Unsubscribe()
		ch.handle = nil
	}

	if recreate && m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}

	if m.retries >= maxRetries {
		m.terminal = true
		m.logger.Error("reconnection attempts exhausted", zap.String("channel", string(ch.kind)))
		if m.bus != nil {
			m.bus.Emit(bus.KindConnectionLost, ErrConnectionLost.Error())
		}
		return
	}

	delay := baseDelay << m.retries
	if delay > maxDelay {
		delay = maxDelay
	}
	m.retries++

	m.logger.Info("scheduling reconnect",
		zap.String("channel", string(ch.kind)),
		zap.Duration("delay", delay),
		zap.Int("attempt", m.retries))

	gen := ch.gen
	kind := ch.kind
	ch.timer = m.schedule(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.channels[kind]
		if !ok || cur.gen != gen || m.terminal {
			return
		}
		_ = m.subscribeLocked(cur)
	})
}

func (m *Manager) transitionLocked(ch *channelState, to State) {
	if ch.state == to {
		return
	}
	if !canTransition(ch.state, to) {
		m.logger.Warn("invalid channel transition",
			zap.String("channel", string(ch.kind)),
			zap.String("from", string(ch.state)),
			zap.String("to", string(to)))
		return
	}
	ch.state = to
	if m.bus != nil {
		m.bus.Emit(bus.KindChannelStatus, StatusChange{Kind: ch.kind, State: to})
	}
}

// Unsubscribe tears down one channel and clears its handle.
func (m *Manager) Unsubscribe(kind Kind) {
	m.mu.Lock()
	ch, ok := m.channels[kind]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch.gen++
	if ch.timer != nil {
		ch.timer.Stop()
	}
	handle := ch.handle
	delete(m.channels, kind)
	m.mu.Unlock()

	if handle != nil {
		_ = handle.Unsubscribe()
	}
}

// TeardownChat unsubscribes the three per-chat channels. The
// conversations channel persists for the session.
func (m *Manager) TeardownChat() {
	for _, kind := range PerChatKinds {
		m.Unsubscribe(kind)
	}
}

// Close tears down everything, including the transport.
func (m *Manager) Close() {
	for kind := range m.snapshotKinds() {
		m.Unsubscribe(kind)
	}
	m.mu.Lock()
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.mu.Unlock()
}

func (m *Manager) snapshotKinds() map[Kind]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make(map[Kind]struct{}, len(m.channels))
	for k := range m.channels {
		kinds[k] = struct{}{}
	}
	return kinds
}

// State returns the current state for a channel kind.
func (m *Manager) State(kind Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[kind]; ok {
		return ch.state
	}
	return Disconnected
}

// Terminal reports whether reconnection has been abandoned.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Info returns health snapshots for all live channels.
func (m *Manager) Info() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]ChannelInfo, 0, len(m.channels))
	for _, ch := range m.channels {
		infos = append(infos, ChannelInfo{
			Kind:          ch.kind,
			State:         ch.state,
			LastConnected: ch.lastConnected,
		})
	}
	return infos
}

// Topic builds the canonical topic string for a channel kind, e.g.
// "messages:chat42". The conversations topic has no chat suffix.
func Topic(kind Kind, chatID string) string {
	if kind == KindConversations {
		return string(KindConversations)
	}
	return fmt.Sprintf("%s:%s", kind, chatID)
}
