// Package protocol defines the JSON shapes shared by the HTTP API, the
// NATS relay and the staff CLI.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-barista/internal/orders"
)

// OrderView is the public representation of an order. The phone number
// is masked.
type OrderView struct {
	Number        int                   `json:"order_number"`
	Phone         string                `json:"phone"`
	Status        orders.Status         `json:"status"`
	Items         []orders.CartItem     `json:"items"`
	Drinks        int                   `json:"drinks"`
	History       []orders.StatusChange `json:"history,omitempty"`
	Notifications []orders.Notification `json:"notifications,omitempty"`
	Version       int                   `json:"version"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// OrderEvent is an order lifecycle notification as sent to observers.
type OrderEvent struct {
	ID    string           `json:"id"`
	Type  orders.EventKind `json:"type"`
	Order OrderView        `json:"order"`
	At    time.Time        `json:"at"`
}

// StatusUpdate is the body of a staff status change.
type StatusUpdate struct {
	Status orders.Status `json:"status"`
}

// ErrorResponse is returned by the HTTP API for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func NewOrderView(o orders.Order) OrderView {
	return OrderView{
		Number:        o.Number,
		Phone:         orders.MaskPhone(o.Phone),
		Status:        o.Status,
		Items:         orders.CloneItems(o.Items),
		Drinks:        o.Drinks(),
		History:       append([]orders.StatusChange(nil), o.History...),
		Notifications: append([]orders.Notification(nil), o.Notifications...),
		Version:       o.Version,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func NewOrderViews(list []orders.Order) []OrderView {
	out := make([]OrderView, 0, len(list))
	for _, o := range list {
		out = append(out, NewOrderView(o))
	}
	return out
}

const (
	SubjectOrderCreated = "created"
	SubjectOrderStatus  = "status"
	SubjectOrderUpdated = "updated"
)

// Subject returns the NATS subject for an order event under prefix.
func Subject(prefix string, kind orders.EventKind) string {
	suffix := SubjectOrderUpdated
	switch kind {
	case orders.EventCreated:
		suffix = SubjectOrderCreated
	case orders.EventStatusChanged:
		suffix = SubjectOrderStatus
	}
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// Call timeline event types.
const (
	TimelineCallStarted  = "call.started"
	TimelineToolCall     = "tool.call"
	TimelineOrderCreated = "order.created"
	TimelineHangup       = "call.hangup"
	TimelineCallEnded    = "call.ended"
)

// ToolCallRecord is the timeline payload for one tool call.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	OK        bool          `json:"ok"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Phase     string        `json:"phase"`
	Duration  time.Duration `json:"duration_ns"`
}

// CallView summarizes an active call.
type CallView struct {
	CallSID     string    `json:"call_sid"`
	StreamSID   string    `json:"stream_sid"`
	Caller      string    `json:"caller,omitempty"`
	Phase       string    `json:"phase"`
	CartSize    int       `json:"cart_size"`
	OrderNumber int       `json:"order_number,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// TimelineEntry is one recorded event of a past or active call.
type TimelineEntry struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// CallTimeline is the audit trail of one call.
type CallTimeline struct {
	CallSID     string          `json:"call_sid"`
	StreamSID   string          `json:"stream_sid,omitempty"`
	Caller      string          `json:"caller,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	OrderNumber int             `json:"order_number,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Events      []TimelineEntry `json:"events"`
}
