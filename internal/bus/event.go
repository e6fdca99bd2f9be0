package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "transport." catches both inbound messages and status
// changes from either transport.
const (
	// KindTransportMessage carries a decoded inbound *store.Message.
	KindTransportMessage = "transport.message"
	// KindTransportStatus carries a status.Change for one transport.
	KindTransportStatus = "transport.status_changed"
	// KindChatMessage carries a *store.Message accepted into the active list.
	KindChatMessage = "chat.message"
	// KindHealthChanged carries a health.Snapshot.
	KindHealthChanged = "health.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
