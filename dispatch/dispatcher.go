// Package dispatch fans events out to the current subscribers of a room.
package dispatch

import (
	"log"

	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/rooms"
)

type options struct {
	excludeConnID string
}

type Option func(*options)

// ExcludeConnection suppresses delivery to the originating connection,
// for "broadcast my edit to everyone else" semantics.
func ExcludeConnection(connID string) Option {
	return func(o *options) {
		o.excludeConnID = connID
	}
}

// Publisher is the fan-out contract consumed by the coordinators and the
// REST bridge. Dispatcher is the production implementation.
type Publisher interface {
	Publish(roomID, event string, data interface{}, opts ...Option)
}

// Dispatcher delivers events to the registry's current subscriber set.
type Dispatcher struct {
	registry *rooms.Registry
}

func NewDispatcher(registry *rooms.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Publish reads the room's subscriber set once and attempts delivery to
// each member. A failed delivery to one subscriber is logged and swallowed,
// never raised to the caller and never aborts delivery to the rest: one
// broken client must not degrade the room for everyone else.
//
// Publishing to a personal room reaches every device of that user; zero
// deliveries is a correct outcome, not an error.
func (d *Dispatcher) Publish(roomID, event string, data interface{}, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kind, _, err := protocol.ParseRoomID(roomID)
	if err != nil {
		kind = "unknown"
	}

	env := protocol.NewEnvelope(event, data)
	for _, conn := range d.registry.Subscribers(roomID) {
		if o.excludeConnID != "" && conn.ID() == o.excludeConnID {
			continue
		}
		if err := conn.SendEvent(env); err != nil {
			metrics.DeliveryFailures.WithLabelValues(kind).Inc()
			log.Printf("delivery of %s to connection %s in %s failed: %v", event, conn.ID(), roomID, err)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(kind).Inc()
	}
}
