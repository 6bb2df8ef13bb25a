package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-barista/internal/events"
	"github.com/loqalabs/loqa-barista/internal/protocol"
)

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Relay republishes order events from the in-process bus as JSON
// protocol.OrderEvent messages.
type Relay struct {
	events *events.Bus
	pub    Publisher
	prefix string
	buffer int
	log    *slog.Logger
}

func NewRelay(bus *events.Bus, pub Publisher, prefix string, buffer int, log *slog.Logger) *Relay {
	return &Relay{
		events: bus,
		pub:    pub,
		prefix: prefix,
		buffer: buffer,
		log:    log.With(slog.String("component", "nats-relay")),
	}
}

// Run relays until ctx ends or the subscription is evicted.
func (r *Relay) Run(ctx context.Context) {
	sub := r.events.Subscribe(ctx, r.buffer)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				r.log.Warn("relay subscription closed")
				return
			}
			r.forward(evt)
		}
	}
}

func (r *Relay) forward(evt events.Event) {
	msg := protocol.OrderEvent{
		ID:    evt.ID,
		Type:  evt.Kind,
		Order: protocol.NewOrderView(evt.Order),
		At:    evt.At,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("failed to encode order event", slog.String("error", err.Error()))
		return
	}
	subject := protocol.Subject(r.prefix, evt.Kind)
	if err := r.pub.Publish(subject, data); err != nil {
		r.log.Warn("failed to publish order event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	r.log.Debug("order event relayed", slog.String("subject", subject), slog.Int("order", evt.Order.Number))
}
