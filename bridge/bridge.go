// Package bridge connects the out-of-scope REST API tier to the fan-out
// dispatcher. The contract is notify-after-commit: the API layer calls in
// (or publishes to the commit topic) only once its durable write has been
// acknowledged, so a client that receives the event and immediately reads
// back is guaranteed to observe the write. A failed write must never be
// bridged.
package bridge

import (
	"encoding/json"

	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
)

// Notification is one post-commit fan-out request. Key is the
// client-generated idempotency key of the committed write, carried so
// consumers can correlate deliveries with the durable row.
type Notification struct {
	RoomID  string          `json:"room_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Key     string          `json:"key,omitempty"`
}

// Notifier is the in-process bridge for callers living in the broker
// process.
type Notifier struct {
	pub dispatch.Publisher
}

func NewNotifier(pub dispatch.Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// NotifyAfterCommit fans the committed write out to the room's current
// subscribers. Call it only after the store acknowledged the write.
func (n *Notifier) NotifyAfterCommit(roomID, event string, payload interface{}) {
	metrics.BridgeNotifications.WithLabelValues("local").Inc()
	n.pub.Publish(roomID, event, payload)
}
