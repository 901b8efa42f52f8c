package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so the
// part before the dot is the namespace ("conn.", "outbox.", "router.").
const (
	KindConnState        = "conn.state_changed"
	KindMessageConfirmed = "outbox.message_confirmed"
	KindMessageFailed    = "outbox.message_failed"
	KindContactConfirmed = "outbox.contact_confirmed"
	KindContactFailed    = "outbox.contact_failed"
	KindFrameDropped     = "router.frame_dropped"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
