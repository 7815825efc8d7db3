package master

import (
	"sync"

	"github.com/scusemua/fleet-master/master/offers"
)

// frameworkEventBuffer is the capacity of a framework connection's outbound event channel.
// Deliveries to a full channel are dropped (at-most-once, advisory).
const frameworkEventBuffer = 256

// FrameworkEvent is a one-shot outbound notification to a scheduler.
type FrameworkEvent interface {
	frameworkEvent()
}

// OfferEvent carries a newly issued resource offer.
type OfferEvent struct {
	Offer *offers.Offer
}

func (OfferEvent) frameworkEvent() {}

// RescindEvent withdraws a previously issued offer. Delivery is at-most-once and never
// retried: if the scheduler misses it, acting on the now-unknown offer id later is a harmless
// no-op on the master side.
type RescindEvent struct {
	OfferId string
}

func (RescindEvent) frameworkEvent() {}

// FrameworkConn is the master's outbound connection to one registered framework/scheduler.
//
// All events for a connection flow through a single ordered channel, so a scheduler observes
// the rescission of an offer before any subsequent offer carrying the freshly-freed resources
// from the same agent.
type FrameworkConn struct {
	FrameworkId string
	Name        string
	Role        string

	events    chan FrameworkEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFrameworkConn(frameworkId string, name string, role string) *FrameworkConn {
	return &FrameworkConn{
		FrameworkId: frameworkId,
		Name:        name,
		Role:        role,
		events:      make(chan FrameworkEvent, frameworkEventBuffer),
		closed:      make(chan struct{}),
	}
}

// Events returns the ordered stream of outbound notifications for this framework.
func (c *FrameworkConn) Events() <-chan FrameworkEvent {
	return c.events
}

// deliver sends an event without blocking. Events to an unreachable (full or closed)
// connection are dropped: notifications are advisory to the scheduler, never a precondition
// for ledger correctness.
func (c *FrameworkConn) deliver(event FrameworkEvent) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *FrameworkConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
