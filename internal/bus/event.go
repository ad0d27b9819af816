package bus

import "time"

// Event kinds. Everything under the "realtime." namespace is forwarded to
// dashboard subscribers with the prefix stripped.
const (
	RealtimePrefix = "realtime."

	KindNewMessage    = RealtimePrefix + "new_message"
	KindMessageSent   = RealtimePrefix + "message_sent"
	KindMessageStatus = RealtimePrefix + "message_status"
	KindStatusChanged = RealtimePrefix + "status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
