// Package dispatch executes agent tool calls against a call session and
// the order store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Op is a tool operation name.
type Op string

const (
	OpAddItem        Op = "add_item"
	OpRemoveItem     Op = "remove_item"
	OpUpdateItem     Op = "update_item"
	OpFinalizeCart   Op = "finalize_cart"
	OpReopenCart     Op = "reopen_cart"
	OpConfirmOrder   Op = "confirm_order"
	OpSetPhoneNumber Op = "set_phone_number"
	OpGetCart        Op = "get_cart"
	OpMenuSummary    Op = "menu_summary"
	OpOrderStatus    Op = "order_status"
)

// ErrStoreFailure is returned alongside an internal_error result when an
// order could not be committed. The call cannot continue.
var ErrStoreFailure = errors.New("order store failure")

// Request is one tool invocation.
type Request struct {
	ID        string
	Name      string
	Arguments string
}

// Receipts is told about every committed order.
type Receipts interface {
	OrderReceived(o orders.Order)
}

type Dispatcher struct {
	cfg      config.OrdersConfig
	menu     orders.Menu
	store    *orders.Store
	pub      orders.Publisher
	receipts Receipts
	log      *slog.Logger

	calls   metric.Int64Counter
	created metric.Int64Counter
}

func New(cfg config.OrdersConfig, store *orders.Store, pub orders.Publisher, receipts Receipts, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		menu:     orders.DefaultMenu(),
		store:    store,
		pub:      pub,
		receipts: receipts,
		log:      log.With(slog.String("component", "dispatch")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-barista/dispatch")
	var err error
	if d.calls, err = meter.Int64Counter("barista.tool_calls", metric.WithDescription("Tool calls handled, by operation and outcome")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if d.created, err = meter.Int64Counter("barista.orders.created", metric.WithDescription("Orders committed from calls")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return d
}

// Dispatch runs one tool call. Caller mistakes come back as results; the
// error is non-nil only when the call has to end.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, req Request) (Result, error) {
	res, err := d.dispatch(ctx, sess, req)
	if res.Error == nil {
		res.OK = true
	}
	res.Phase = sess.Phase()
	if d.calls != nil {
		outcome := "ok"
		if res.Error != nil {
			outcome = string(res.Error.Kind)
		}
		d.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", req.Name), attribute.String("outcome", outcome)))
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return failure(KindInvalidPhase, "the call is ending, no further changes are possible"), nil
	}
	op := Op(req.Name)
	if op == OpConfirmOrder || op == OpSetPhoneNumber {
		if n, ok := sess.OrderNumber(); ok {
			return Result{OrderNumber: n, Phone: sess.Phone(), Message: "the order is already placed"}, nil
		}
	}
	if res, ok := checkPhase(op, sess.Phase()); !ok {
		return res, nil
	}
	switch op {
	case OpAddItem:
		return d.addItem(sess, req.Arguments), nil
	case OpRemoveItem:
		return d.removeItem(sess, req.Arguments), nil
	case OpUpdateItem:
		return d.updateItem(sess, req.Arguments), nil
	case OpFinalizeCart:
		return d.finalizeCart(sess, req.Arguments), nil
	case OpReopenCart:
		return d.reopenCart(sess, req.Arguments), nil
	case OpConfirmOrder:
		return d.confirmOrder(sess, req.Arguments), nil
	case OpSetPhoneNumber:
		return d.setPhoneNumber(sess, req.Arguments)
	case OpGetCart:
		return d.getCart(sess, req.Arguments), nil
	case OpMenuSummary:
		if err := decodeArgs(req.Arguments, &noArgs{}); err != nil {
			return failureFrom(err), nil
		}
		return Result{Menu: d.menu.Summary()}, nil
	case OpOrderStatus:
		return d.orderStatus(sess, req.Arguments), nil
	default:
		return failure(KindValidation, fmt.Sprintf("unknown operation %q", req.Name)), nil
	}
}

// phaseRule names the phases an operation may run in. Operations without a
// rule only read state and run in any phase.
type phaseRule struct {
	phases []session.Phase
	reason string
}

var phaseRules = map[Op]phaseRule{
	OpAddItem:        {[]session.Phase{session.PhaseGreeting, session.PhaseOrdering}, "drinks cannot be added while %s"},
	OpRemoveItem:     {[]session.Phase{session.PhaseGreeting, session.PhaseOrdering}, "the cart cannot be changed while %s"},
	OpUpdateItem:     {[]session.Phase{session.PhaseGreeting, session.PhaseOrdering}, "the cart cannot be changed while %s"},
	OpFinalizeCart:   {[]session.Phase{session.PhaseOrdering}, "the cart cannot be finalized while %s"},
	OpReopenCart:     {[]session.Phase{session.PhaseConfirming}, "the cart can only be reopened while confirming, the call is %s"},
	OpConfirmOrder:   {[]session.Phase{session.PhaseConfirming}, "the order can only be confirmed after the cart is read back, the call is %s"},
	OpSetPhoneNumber: {[]session.Phase{session.PhaseCapturingPhone}, "a phone number can only be taken after the order is confirmed, the call is %s"},
}

// checkPhase rejects op before its arguments are looked at.
func checkPhase(op Op, p session.Phase) (Result, bool) {
	rule, ok := phaseRules[op]
	if !ok || slices.Contains(rule.phases, p) {
		return Result{}, true
	}
	return failure(KindInvalidPhase, fmt.Sprintf(rule.reason, p)), false
}

func (d *Dispatcher) addItem(sess *session.Session, raw string) Result {
	var args addItemArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failureFrom(err)
	}
	item, err := args.item(d.menu)
	if err != nil {
		return failureFrom(err)
	}
	if total := orders.CountDrinks(sess.Cart()) + item.Quantity; total > d.cfg.MaxDrinksPerOrder {
		return failure(KindLimitExceeded, fmt.Sprintf("we can only accept up to %d drinks per order", d.cfg.MaxDrinksPerOrder))
	}
	index, err := sess.AddItem(item)
	if err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	return Result{Index: &index, Item: &item, Cart: cart, Drinks: orders.CountDrinks(cart)}
}

func (d *Dispatcher) removeItem(sess *session.Session, raw string) Result {
	var args removeItemArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failureFrom(err)
	}
	if args.Index == nil {
		return failure(KindValidation, "index is required")
	}
	removed, err := sess.RemoveItem(*args.Index)
	if err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	return Result{Index: args.Index, Item: &removed, Cart: cart, Drinks: orders.CountDrinks(cart)}
}

func (d *Dispatcher) updateItem(sess *session.Session, raw string) Result {
	var args updateItemArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failureFrom(err)
	}
	if args.Index == nil {
		return failure(KindValidation, "index is required")
	}
	index := *args.Index
	before := orders.CountDrinks(sess.Cart())
	updated, err := sess.UpdateItem(index, func(current orders.CartItem) (orders.CartItem, error) {
		next, err := args.apply(d.menu, current)
		if err != nil {
			return orders.CartItem{}, err
		}
		if total := before - current.Quantity + next.Quantity; total > d.cfg.MaxDrinksPerOrder {
			return orders.CartItem{}, fmt.Errorf("%w: we can only accept up to %d drinks per order", orders.ErrLimitExceeded, d.cfg.MaxDrinksPerOrder)
		}
		return next, nil
	})
	if err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	return Result{Index: &index, Item: &updated, Cart: cart, Drinks: orders.CountDrinks(cart)}
}

func (d *Dispatcher) finalizeCart(sess *session.Session, raw string) Result {
	if err := decodeArgs(raw, &noArgs{}); err != nil {
		return failureFrom(err)
	}
	if err := sess.Finalize(); err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	return Result{Cart: cart, Drinks: orders.CountDrinks(cart), Message: "read the cart back and ask the caller to confirm"}
}

func (d *Dispatcher) reopenCart(sess *session.Session, raw string) Result {
	if err := decodeArgs(raw, &noArgs{}); err != nil {
		return failureFrom(err)
	}
	if _, err := sess.Fire(session.TriggerReopen); err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	return Result{Cart: cart, Drinks: orders.CountDrinks(cart)}
}

func (d *Dispatcher) confirmOrder(sess *session.Session, raw string) Result {
	if err := decodeArgs(raw, &noArgs{}); err != nil {
		return failureFrom(err)
	}
	if _, err := sess.Fire(session.TriggerConfirm); err != nil {
		return failureFrom(err)
	}
	return Result{Cart: sess.Cart(), Message: "ask the caller for a phone number for pickup texts"}
}

// setPhoneNumber commits the order. The store write happens before any
// phase change so a refused order leaves the session in capturing_phone.
// Callers have already returned early for a submitted order and checked
// the phase.
func (d *Dispatcher) setPhoneNumber(sess *session.Session, raw string) (Result, error) {
	var args setPhoneArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failureFrom(err), nil
	}
	phone, err := orders.NormalizePhone(args.Phone)
	if err != nil {
		return failureFrom(err), nil
	}

	order, err := d.store.Create(sess.Cart(), phone)
	switch {
	case errors.Is(err, orders.ErrLimitExceeded):
		active := d.store.ActiveDrinks(phone)
		if active+orders.CountDrinks(sess.Cart()) <= d.cfg.MaxActiveDrinksPerPhone {
			return failureFrom(err), nil
		}
		return failure(KindLimitExceeded, fmt.Sprintf("this phone number already has %d active drinks, the limit is %d", active, d.cfg.MaxActiveDrinksPerPhone)), nil
	case errors.Is(err, orders.ErrValidation):
		return failureFrom(err), nil
	case err != nil:
		d.log.Error("order store failed", slog.String("call_sid", sess.CallSID()), slog.String("error", err.Error()))
		if ferr := sess.FailSubmit(phone); ferr != nil {
			d.log.Warn("failed to abort session", slog.String("error", ferr.Error()))
		}
		return failure(KindInternal, "sorry, the order could not be placed"), fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	if err := sess.Submit(phone, order.Number); err != nil {
		d.log.Error("session rejected submitted order", slog.Int("order", order.Number), slog.String("error", err.Error()))
	}
	if d.pub != nil {
		d.pub.PublishOrder(orders.EventCreated, order)
	}
	if d.receipts != nil {
		d.receipts.OrderReceived(order)
	}
	if d.created != nil {
		d.created.Add(context.Background(), 1)
	}
	d.log.Info("order created",
		slog.Int("order", order.Number),
		slog.String("call_sid", sess.CallSID()),
		slog.String("phone", orders.MaskPhone(phone)),
		slog.Int("drinks", order.Drinks()))
	return Result{OrderNumber: order.Number, Phone: phone, Cart: order.Items, Drinks: order.Drinks(),
		Message: "read the order number back digit by digit"}, nil
}

func (d *Dispatcher) getCart(sess *session.Session, raw string) Result {
	if err := decodeArgs(raw, &noArgs{}); err != nil {
		return failureFrom(err)
	}
	cart := sess.Cart()
	res := Result{Cart: cart, Drinks: orders.CountDrinks(cart)}
	if n, ok := sess.OrderNumber(); ok {
		res.OrderNumber = n
	}
	if len(cart) == 0 {
		res.Message = "the cart is empty"
	}
	return res
}

func (d *Dispatcher) orderStatus(sess *session.Session, raw string) Result {
	var args orderStatusArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failureFrom(err)
	}
	if s := strings.TrimSpace(args.OrderNumber.String()); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return failure(KindValidation, fmt.Sprintf("%q is not an order number", s))
		}
		o, err := d.store.Get(n)
		if err != nil {
			return failure(KindNotFound, fmt.Sprintf("there is no order number %d", n))
		}
		return Result{Orders: []OrderStatus{statusOf(o)}}
	}

	raw = args.Phone
	if strings.TrimSpace(raw) == "" {
		raw = sess.Phone()
	}
	if strings.TrimSpace(raw) == "" {
		raw = sess.Caller()
	}
	if strings.TrimSpace(raw) == "" {
		return failure(KindValidation, "give an order number or a phone number to look up")
	}
	phone, err := orders.NormalizePhone(raw)
	if err != nil {
		return failureFrom(err)
	}
	found := d.store.FindByPhone(phone)
	if len(found) == 0 {
		return failure(KindNotFound, "there are no orders for that phone number")
	}
	res := Result{Phone: phone}
	for _, o := range found {
		res.Orders = append(res.Orders, statusOf(o))
	}
	return res
}

func statusOf(o orders.Order) OrderStatus {
	return OrderStatus{Number: o.Number, Status: o.Status, Drinks: o.Drinks()}
}
