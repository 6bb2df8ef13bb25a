package orders

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrLimitExceeded     = errors.New("drink limit exceeded")
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
)

// Next returns the only status that may follow s.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPlaced:
		return StatusPreparing, true
	case StatusPreparing:
		return StatusReady, true
	case StatusReady:
		return StatusCompleted, true
	default:
		return "", false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPlaced, StatusPreparing, StatusReady, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether the order still counts against the caller's limit.
func (s Status) Active() bool {
	return s != StatusCompleted
}

// CartItem is one drink line in a cart or order.
type CartItem struct {
	Drink     string   `json:"drink"`
	Size      string   `json:"size"`
	Toppings  []string `json:"toppings,omitempty"`
	AddOns    []string `json:"addons,omitempty"`
	Sweetness string   `json:"sweetness"`
	Ice       string   `json:"ice"`
	Quantity  int      `json:"quantity"`
}

func (c CartItem) Clone() CartItem {
	c.Toppings = append([]string(nil), c.Toppings...)
	c.AddOns = append([]string(nil), c.AddOns...)
	return c
}

// CloneItems deep-copies a cart.
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return nil
	}
	out := make([]CartItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// CountDrinks sums item quantities.
func CountDrinks(items []CartItem) int {
	n := 0
	for _, it := range items {
		q := it.Quantity
		if q <= 0 {
			q = 1
		}
		n += q
	}
	return n
}

// StatusChange records when an order entered a status.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Notification records a customer message sent for a status.
type Notification struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Order is a submitted cart. Values handed out by the Store are copies.
type Order struct {
	Number        int            `json:"number"`
	Phone         string         `json:"phone"`
	Items         []CartItem     `json:"items"`
	Status        Status         `json:"status"`
	History       []StatusChange `json:"history"`
	Notifications []Notification `json:"notifications,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (o Order) Clone() Order {
	o.Items = CloneItems(o.Items)
	o.History = append([]StatusChange(nil), o.History...)
	o.Notifications = append([]Notification(nil), o.Notifications...)
	return o
}

// Label is the order number as read back to the caller.
func (o Order) Label() string {
	return strconv.Itoa(o.Number)
}

func (o Order) Drinks() int {
	return CountDrinks(o.Items)
}

// StatusAt returns when the order entered status.
func (o Order) StatusAt(status Status) (time.Time, bool) {
	for _, h := range o.History {
		if h.Status == status {
			return h.At, true
		}
	}
	return time.Time{}, false
}

// EventKind tags an order lifecycle notification.
type EventKind string

const (
	EventCreated       EventKind = "order.created"
	EventStatusChanged EventKind = "order.status_changed"
	EventUpdated       EventKind = "order.updated"
)

// Publisher receives order lifecycle notifications.
type Publisher interface {
	PublishOrder(kind EventKind, o Order)
}
