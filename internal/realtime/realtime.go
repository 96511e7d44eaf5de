package realtime

import "encoding/json"

// EventType identifies what a channel delivered.
type EventType string

const (
	// Row-change events carried on table channels.
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"

	// Ephemeral presence events carried on presence channels.
	EventPresenceSync  EventType = "SYNC"
	EventPresenceJoin  EventType = "JOIN"
	EventPresenceLeave EventType = "LEAVE"
)

// Status is a channel lifecycle notification.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Event is a single delivery from a channel. For row changes New holds
// the row. For presence, States holds the full set (SYNC) or the joined/
// left entries (JOIN/LEAVE) keyed by presence key.
type Event struct {
	Type   EventType
	Table  string
	New    json.RawMessage
	States map[string]json.RawMessage
}

// EventFunc receives channel events in transport delivery order.
type EventFunc func(Event)

// StatusFunc receives channel status transitions.
type StatusFunc func(Status)

// ChannelSpec names a channel and what it carries.
type ChannelSpec struct {
	// Topic is the channel name, e.g. "messages:chat42".
	Topic string
	// Table and Filter select row-change events, e.g. messages /
	// "chat_id=eq.chat42". Empty Table means no row-change binding.
	Table  string
	Filter string
	// Presence enables presence tracking on the channel.
	Presence bool
}

// Handle is a live channel subscription.
type Handle interface {
	// Unsubscribe leaves the channel. Idempotent.
	Unsubscribe() error
	// Track publishes the local presence state on the channel.
	Track(state any) error
}

// Transport is an abstract publish/subscribe connection delivering
// row-change and presence events per channel.
type Transport interface {
	Subscribe(spec ChannelSpec, onEvent EventFunc, onStatus StatusFunc) (Handle, error)
	Close() error
}
