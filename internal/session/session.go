package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-barista/internal/orders"
)

// Session is the state of one call. It is owned by a single bridge; the
// lock only makes reads from other goroutines safe.
type Session struct {
	mu           sync.Mutex
	callSID      string
	streamSID    string
	caller       string
	phase        Phase
	history      []Phase
	cart         []orders.CartItem
	phone        string
	orderNumber  int
	createdAt    time.Time
	lastActivity time.Time
	clock        func() time.Time
}

// New starts a session in the greeting phase.
func New(callSID, streamSID, caller string, clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Session{
		callSID:      callSID,
		streamSID:    streamSID,
		caller:       caller,
		phase:        PhaseGreeting,
		history:      []Phase{PhaseGreeting},
		createdAt:    now,
		lastActivity: now,
		clock:        clock,
	}
}

func (s *Session) CallSID() string   { return s.callSID }
func (s *Session) StreamSID() string { return s.streamSID }
func (s *Session) Caller() string    { return s.caller }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// History lists every phase entered, in order, starting with greeting.
func (s *Session) History() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.history...)
}

func (s *Session) Cart() []orders.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return orders.CloneItems(s.cart)
}

func (s *Session) Phone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

// OrderNumber returns the submitted order number, if any.
func (s *Session) OrderNumber() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderNumber, s.orderNumber != 0
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records conversational activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// Fire applies t and returns the new phase. On error nothing changes.
func (s *Session) Fire(t Trigger) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(t)
}

func (s *Session) fireLocked(t Trigger) (Phase, error) {
	next, err := Next(s.phase, t)
	if err != nil {
		return s.phase, err
	}
	if next != s.phase {
		s.phase = next
		s.history = append(s.history, next)
	}
	return next, nil
}

// editableLocked moves greeting to ordering and rejects edits elsewhere.
func (s *Session) editableLocked() error {
	if s.phase != PhaseGreeting && s.phase != PhaseOrdering {
		return fmt.Errorf("%w: the cart cannot be changed while %s", ErrInvalidPhase, s.phase)
	}
	_, err := s.fireLocked(TriggerCartEdit)
	return err
}

// AddItem appends an already validated item.
func (s *Session) AddItem(item orders.CartItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return 0, err
	}
	s.cart = append(s.cart, item.Clone())
	return len(s.cart) - 1, nil
}

// RemoveItem deletes the item at a 0-based index.
func (s *Session) RemoveItem(index int) (orders.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseGreeting && s.phase != PhaseOrdering {
		return orders.CartItem{}, fmt.Errorf("%w: the cart cannot be changed while %s", ErrInvalidPhase, s.phase)
	}
	if index < 0 || index >= len(s.cart) {
		return orders.CartItem{}, fmt.Errorf("%w: item %d does not exist, the cart has %d drinks", orders.ErrValidation, index, len(s.cart))
	}
	if err := s.editableLocked(); err != nil {
		return orders.CartItem{}, err
	}
	removed := s.cart[index]
	s.cart = append(s.cart[:index], s.cart[index+1:]...)
	return removed, nil
}

// UpdateItem replaces the item at index with the result of patch. patch
// receives a copy and may reject it.
func (s *Session) UpdateItem(index int, patch func(orders.CartItem) (orders.CartItem, error)) (orders.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseGreeting && s.phase != PhaseOrdering {
		return orders.CartItem{}, fmt.Errorf("%w: the cart cannot be changed while %s", ErrInvalidPhase, s.phase)
	}
	if index < 0 || index >= len(s.cart) {
		return orders.CartItem{}, fmt.Errorf("%w: item %d does not exist, the cart has %d drinks", orders.ErrValidation, index, len(s.cart))
	}
	updated, err := patch(s.cart[index].Clone())
	if err != nil {
		return orders.CartItem{}, err
	}
	if err := s.editableLocked(); err != nil {
		return orders.CartItem{}, err
	}
	s.cart[index] = updated.Clone()
	return updated, nil
}

// Finalize closes the cart for read-back. The cart must not be empty.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseOrdering && len(s.cart) == 0 {
		return fmt.Errorf("%w: the cart is empty, add a drink first", orders.ErrValidation)
	}
	_, err := s.fireLocked(TriggerFinalize)
	return err
}

// Submit records a committed order and walks capturing_phone through
// submitting to closed.
func (s *Session) Submit(phone string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderNumber != 0 {
		return fmt.Errorf("%w: order #%d already submitted", ErrInvalidPhase, s.orderNumber)
	}
	if _, err := s.fireLocked(TriggerPhoneCaptured); err != nil {
		return err
	}
	s.phone = phone
	s.orderNumber = number
	_, err := s.fireLocked(TriggerSubmitted)
	return err
}

// FailSubmit records an order store failure for a captured phone.
func (s *Session) FailSubmit(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fireLocked(TriggerPhoneCaptured); err != nil {
		return err
	}
	s.phone = phone
	_, err := s.fireLocked(TriggerStoreFailure)
	return err
}

// Snapshot is a read-only view for logs and the active call listing.
type Snapshot struct {
	CallSID     string    `json:"call_sid"`
	StreamSID   string    `json:"stream_sid"`
	Phase       Phase     `json:"phase"`
	CartSize    int       `json:"cart_size"`
	OrderNumber int       `json:"order_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallSID:     s.callSID,
		StreamSID:   s.streamSID,
		Phase:       s.phase,
		CartSize:    len(s.cart),
		OrderNumber: s.orderNumber,
		CreatedAt:   s.createdAt,
	}
}
