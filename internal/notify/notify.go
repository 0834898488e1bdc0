// Package notify fans engine events out to downstream consumers
// (settlement audit, websocket gateways). Delivery is at-least-once:
// consumers de-duplicate on the event's journal sequence.
package notify

import (
	. "mimir/internal/common"

	"github.com/rs/zerolog/log"
)

// Notifier receives every trade and every order status transition.
// Publish must not block the matching loop; implementations either do
// in-process work or buffer.
type Notifier interface {
	Publish(ev Event)
}

// Audit logs every event, the always-on consumer.
type Audit struct{}

func NewAudit() *Audit {
	return &Audit{}
}

func (a *Audit) Publish(ev Event) {
	evt := log.Info().
		Uint64("seq", ev.Sequence).
		Str("type", ev.TypeOf.String()).
		Str("pair", ev.Pair).
		Str("order", ev.OrderID).
		Str("status", ev.Status.String()).
		Str("filled", ev.FilledQuantity.String())
	if ev.Trade != nil {
		evt = evt.
			Str("trade", ev.Trade.UUID).
			Str("price", ev.Trade.Price.String()).
			Str("quantity", ev.Trade.Quantity.String())
	}
	evt.Msg("engine event")
}

// Buffered queues events on a channel for an external consumer. When the
// buffer is full the oldest event is dropped rather than stalling the
// matching loop; the sequence gap tells the consumer to resync from the
// journal.
type Buffered struct {
	events chan Event
}

func NewBuffered(size int) *Buffered {
	return &Buffered{events: make(chan Event, size)}
}

func (b *Buffered) Publish(ev Event) {
	for {
		select {
		case b.events <- ev:
			return
		default:
			select {
			case dropped := <-b.events:
				log.Warn().
					Uint64("seq", dropped.Sequence).
					Msg("notification buffer full, dropping oldest event")
			default:
			}
		}
	}
}

func (b *Buffered) Events() <-chan Event {
	return b.events
}

// Fanout publishes to several notifiers in order.
type Fanout []Notifier

func (f Fanout) Publish(ev Event) {
	for _, n := range f {
		n.Publish(ev)
	}
}
