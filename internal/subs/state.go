package subs

// Kind identifies one of the four channel kinds the engine owns.
type Kind string

const (
	// KindConversations lives for the whole authenticated session.
	KindConversations Kind = "conversations"
	// The three per-chat kinds exist only while a chat is selected.
	KindMessages Kind = "messages"
	KindReceipts Kind = "read_receipts"
	KindPresence Kind = "presence"
)

// PerChatKinds are torn down when the selected chat changes.
var PerChatKinds = []Kind{KindMessages, KindReceipts, KindPresence}

// State is a channel's lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Subscribed   State = "subscribed"
	Errored      State = "error"
)

// validTransitions defines allowed channel state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Subscribed, Errored, Disconnected},
	Subscribed:   {Errored, Disconnected},
	Errored:      {Connecting, Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
