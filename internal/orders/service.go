package orders

import (
	"fmt"
	"log/slog"
)

// ReadyNotifier tells a customer their order can be picked up.
type ReadyNotifier interface {
	OrderReady(o Order)
}

// Service applies staff-driven status changes and fans them out.
type Service struct {
	store    *Store
	pub      Publisher
	notifier ReadyNotifier
	log      *slog.Logger
}

// NewService wires the store to a publisher and an optional notifier.
func NewService(store *Store, pub Publisher, notifier ReadyNotifier, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		pub:      pub,
		notifier: notifier,
		log:      log.With(slog.String("component", "order-service")),
	}
}

// SetStatus moves an order one step to status.
func (s *Service) SetStatus(number int, status Status) (Order, error) {
	o, err := s.store.UpdateStatus(number, status)
	if err != nil {
		return Order{}, err
	}
	s.changed(o)
	return o, nil
}

// Advance moves an order to its next status.
func (s *Service) Advance(number int) (Order, error) {
	current, err := s.store.Get(number)
	if err != nil {
		return Order{}, err
	}
	next, ok := current.Status.Next()
	if !ok {
		return Order{}, fmt.Errorf("%w: #%d is already %s", ErrInvalidTransition, number, current.Status)
	}
	return s.SetStatus(number, next)
}

// MarkReady steps an order through each intermediate status until ready.
func (s *Service) MarkReady(number int) (Order, error) {
	o, err := s.store.Get(number)
	if err != nil {
		return Order{}, err
	}
	if o.Status == StatusReady || o.Status == StatusCompleted {
		return Order{}, fmt.Errorf("%w: #%d is already %s", ErrInvalidTransition, number, o.Status)
	}
	for o.Status != StatusReady {
		if o, err = s.Advance(number); err != nil {
			return Order{}, err
		}
	}
	return o, nil
}

// RecordNotification stores a sent customer message and publishes the update.
func (s *Service) RecordNotification(number int, status Status) {
	o, err := s.store.RecordNotification(number, status)
	if err != nil {
		s.log.Warn("failed to record notification", slog.Int("order", number), slogError(err))
		return
	}
	if s.pub != nil {
		s.pub.PublishOrder(EventUpdated, o)
	}
}

func (s *Service) changed(o Order) {
	s.log.Info("order status changed", slog.Int("order", o.Number), slog.String("status", string(o.Status)))
	if s.pub != nil {
		s.pub.PublishOrder(EventStatusChanged, o)
	}
	if o.Status == StatusReady && s.notifier != nil {
		s.notifier.OrderReady(o)
	}
}
