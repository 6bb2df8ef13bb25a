// Package events fans order lifecycle events out to live observers such as
// dashboards, the NATS relay and the SSE feed.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is an immutable order notification.
type Event struct {
	ID    string
	Kind  orders.EventKind
	Order orders.Order
	At    time.Time
}

// Bus is an in-process, non-blocking publish/subscribe hub. It keeps no
// history: subscribers see only events published after they subscribed.
type Bus struct {
	log        *slog.Logger
	buffer     int
	evictAfter int
	clock      func() time.Time

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	dropped metric.Int64Counter
}

// Subscription is one live feed. Read events from C until it is closed.
type Subscription struct {
	id    uint64
	ch    chan Event
	bus   *Bus
	drops int
	stop  func() bool // guarded by bus.mu
	once  sync.Once
}

func NewBus(cfg config.EventsConfig, log *slog.Logger) *Bus {
	b := &Bus{
		log:        log.With(slog.String("component", "event-bus")),
		buffer:     cfg.SubscriberBuffer,
		evictAfter: cfg.EvictAfter,
		clock:      time.Now,
		subs:       make(map[uint64]*Subscription),
	}
	if b.buffer <= 0 {
		b.buffer = 100
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-barista/events").Int64Counter(
		"barista.events.dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
	)
	if err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	b.dropped = counter
	return b
}

// Subscribe registers a feed with the given buffer (0 uses the default).
// The subscription is reclaimed when ctx ends or Close is called.
func (b *Bus) Subscribe(ctx context.Context, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.buffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		sub.stop = stop
	}
	b.mu.Unlock()
	return sub
}

// C is the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}

// Publish delivers evt to every subscriber without blocking. A full buffer
// drops the event for that subscriber; a subscriber that keeps dropping is
// evicted. It returns how many subscribers received the event.
func (b *Bus) Publish(evt Event) int {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = b.clock().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	delivered := 0
	var evict []uint64
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
			sub.drops = 0
			delivered++
		default:
			sub.drops++
			if b.dropped != nil {
				b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
			}
			if b.evictAfter > 0 && sub.drops >= b.evictAfter {
				evict = append(evict, id)
			}
		}
	}
	for _, id := range evict {
		b.log.Warn("evicting unresponsive subscriber", slog.Uint64("subscriber", id))
		b.removeLocked(id)
	}
	return delivered
}

// PublishOrder implements orders.Publisher.
func (b *Bus) PublishOrder(kind orders.EventKind, o orders.Order) {
	b.Publish(Event{Kind: kind, Order: o.Clone()})
}

// Count reports active subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.removeLocked(id)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id uint64) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if sub.stop != nil {
		sub.stop()
	}
	close(sub.ch)
}
