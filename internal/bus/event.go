package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix, e.g. "message." receives every message event.
const (
	KindConversationUpserted = "conversation.upserted"
	KindConversationUnread   = "conversation.unread"

	KindMessageAppended  = "message.appended"
	KindMessageConfirmed = "message.confirmed"
	KindMessageFailed    = "message.failed"
	KindMessageOrphaned  = "message.orphaned"

	KindPresenceChanged = "presence.changed"
	KindReceiptsChanged = "receipts.changed"

	KindChannelStatus  = "channel.status"
	KindConnectionLost = "channel.connection_lost"

	KindAuthRequired = "session.auth_required"
	KindAuthPaired   = "session.paired"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
