package dispatch

import (
	"encoding/json"
	"errors"

	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/session"
)

// ErrorKind classifies a failed tool call for the agent.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation_error"
	KindInvalidPhase  ErrorKind = "invalid_phase"
	KindLimitExceeded ErrorKind = "limit_exceeded"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal_error"
)

type ResultError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// OrderStatus is the caller-facing view of an order.
type OrderStatus struct {
	Number int           `json:"order_number"`
	Status orders.Status `json:"status"`
	Drinks int           `json:"drinks"`
}

// Result is the payload returned to the agent for every tool call.
type Result struct {
	OK          bool              `json:"ok"`
	Error       *ResultError      `json:"error,omitempty"`
	Phase       session.Phase     `json:"phase,omitempty"`
	Index       *int              `json:"index,omitempty"`
	Item        *orders.CartItem  `json:"item,omitempty"`
	Cart        []orders.CartItem `json:"cart,omitempty"`
	Drinks      int               `json:"drinks,omitempty"`
	OrderNumber int               `json:"order_number,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Menu        string            `json:"menu,omitempty"`
	Orders      []OrderStatus     `json:"orders,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Kind returns the error kind, or "" for a successful result.
func (r Result) Kind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// JSON renders the result for a FunctionCallResponse.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":{"kind":"internal_error","message":"result could not be encoded"}}`
	}
	return string(data)
}

func failure(kind ErrorKind, message string) Result {
	return Result{Error: &ResultError{Kind: kind, Message: message}}
}

func failureFrom(err error) Result {
	switch {
	case errors.Is(err, session.ErrInvalidPhase):
		return failure(KindInvalidPhase, err.Error())
	case errors.Is(err, orders.ErrLimitExceeded):
		return failure(KindLimitExceeded, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		return failure(KindNotFound, err.Error())
	case errors.Is(err, orders.ErrValidation):
		return failure(KindValidation, err.Error())
	default:
		return failure(KindInternal, err.Error())
	}
}
