package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-barista/internal/config"
)

// Snapshotter persists order snapshots. Implementations must ignore a
// snapshot whose Version is not newer than the stored one.
type Snapshotter interface {
	SaveOrder(ctx context.Context, o Order) error
}

// Store is the process-wide order book. All mutations go through its
// methods and happen under one lock; snapshots are written behind it.
type Store struct {
	cfg    config.OrdersConfig
	log    *slog.Logger
	clock  func() time.Time
	snap   Snapshotter
	mu     sync.Mutex
	next   int
	orders map[int]*Order

	queue  chan Order
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates an empty store. snap may be nil.
func NewStore(cfg config.OrdersConfig, snap Snapshotter, log *slog.Logger) *Store {
	first := cfg.FirstNumber
	if first < 1 {
		first = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:    cfg,
		log:    log.With(slog.String("component", "order-store")),
		clock:  time.Now,
		snap:   snap,
		next:   first,
		orders: make(map[int]*Order),
		queue:  make(chan Order, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	if snap != nil {
		s.wg.Add(1)
		go s.runSnapshots()
	}
	return s
}

// Close stops the snapshot writer after flushing queued snapshots.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Create validates the cart and limits and commits a new placed order
// with the next sequential number.
func (s *Store) Create(items []CartItem, phone string) (Order, error) {
	if len(items) == 0 {
		return Order{}, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	if strings.TrimSpace(phone) == "" {
		return Order{}, fmt.Errorf("%w: phone number is required", ErrValidation)
	}
	drinks := CountDrinks(items)
	if max := s.cfg.MaxDrinksPerOrder; max > 0 && drinks > max {
		return Order{}, fmt.Errorf("%w: at most %d drinks per order, cart has %d", ErrLimitExceeded, max, drinks)
	}

	s.mu.Lock()
	if max := s.cfg.MaxActiveDrinksPerPhone; max > 0 {
		if active := s.activeDrinksLocked(phone); active+drinks > max {
			s.mu.Unlock()
			return Order{}, fmt.Errorf("%w: %d drinks already waiting for this number, limit is %d", ErrLimitExceeded, active, max)
		}
	}
	now := s.clock().UTC()
	o := &Order{
		Number:    s.next,
		Phone:     phone,
		Items:     CloneItems(items),
		Status:    StatusPlaced,
		History:   []StatusChange{{Status: StatusPlaced, At: now}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.next++
	s.orders[o.Number] = o
	snapshot := o.Clone()
	s.mu.Unlock()

	s.enqueue(snapshot)
	return snapshot, nil
}

// UpdateStatus moves an order exactly one step along
// placed -> preparing -> ready -> completed.
func (s *Store) UpdateStatus(number int, status Status) (Order, error) {
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	s.mu.Lock()
	o, ok := s.orders[number]
	if !ok {
		s.mu.Unlock()
		return Order{}, fmt.Errorf("%w: #%d", ErrNotFound, number)
	}
	next, ok := o.Status.Next()
	if !ok || next != status {
		current := o.Status
		s.mu.Unlock()
		return Order{}, fmt.Errorf("%w: #%d is %s, cannot become %s", ErrInvalidTransition, number, current, status)
	}
	now := s.clock().UTC()
	o.Status = status
	o.History = append(o.History, StatusChange{Status: status, At: now})
	o.Version++
	o.UpdatedAt = now
	snapshot := o.Clone()
	s.mu.Unlock()

	s.enqueue(snapshot)
	return snapshot, nil
}

// RecordNotification notes that the customer was messaged about status.
func (s *Store) RecordNotification(number int, status Status) (Order, error) {
	s.mu.Lock()
	o, ok := s.orders[number]
	if !ok {
		s.mu.Unlock()
		return Order{}, fmt.Errorf("%w: #%d", ErrNotFound, number)
	}
	now := s.clock().UTC()
	o.Notifications = append(o.Notifications, Notification{Status: status, At: now})
	o.Version++
	o.UpdatedAt = now
	snapshot := o.Clone()
	s.mu.Unlock()

	s.enqueue(snapshot)
	return snapshot, nil
}

func (s *Store) Get(number int) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[number]
	if !ok {
		return Order{}, fmt.Errorf("%w: #%d", ErrNotFound, number)
	}
	return o.Clone(), nil
}

// List returns a copy of every order in number order.
func (s *Store) List() []Order {
	return s.collect(nil)
}

// InProgress returns orders that are not completed.
func (s *Store) InProgress() []Order {
	return s.collect(func(o *Order) bool { return o.Status.Active() })
}

// FindByPhone returns the orders placed from phone.
func (s *Store) FindByPhone(phone string) []Order {
	return s.collect(func(o *Order) bool { return o.Phone == phone })
}

// ActiveDrinks counts drinks on non-completed orders for phone.
func (s *Store) ActiveDrinks(phone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDrinksLocked(phone)
}

// Len reports how many orders exist.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) activeDrinksLocked(phone string) int {
	n := 0
	for _, o := range s.orders {
		if o.Phone == phone && o.Status.Active() {
			n += o.Drinks()
		}
	}
	return n
}

func (s *Store) collect(filter func(*Order) bool) []Order {
	s.mu.Lock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		if filter == nil || filter(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *Store) enqueue(o Order) {
	if s.snap == nil || s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- o:
	default:
		s.log.Warn("snapshot queue full, dropping snapshot", slog.Int("order", o.Number), slog.Int("version", o.Version))
	}
}

func (s *Store) runSnapshots() {
	defer s.wg.Done()
	for {
		select {
		case o := <-s.queue:
			s.save(o)
		case <-s.ctx.Done():
			for {
				select {
				case o := <-s.queue:
					s.save(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) save(o Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.snap.SaveOrder(ctx, o); err != nil {
		s.log.Warn("failed to persist order snapshot", slog.Int("order", o.Number), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
