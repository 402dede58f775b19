package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, so
// "store." matches every store change and "remote." every stream event.
const (
	KindStoreMessageChanged = "store.message.changed"

	KindRemoteMessage  = "remote.message"
	KindRemoteReaction = "remote.reaction"
	KindRemotePin      = "remote.pin"

	KindStreamConnected     = "stream.connected"
	KindStreamDisconnected  = "stream.disconnected"
	KindStreamStatusChanged = "stream.status_changed"

	KindSendAck    = "send.ack"
	KindSendFailed = "send.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
