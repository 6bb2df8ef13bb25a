package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []orders.EventKind
	orders []orders.Order
}

func (r *recordingPublisher) PublishOrder(kind orders.EventKind, o orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	r.orders = append(r.orders, o)
}

type recordingReceipts struct {
	mu       sync.Mutex
	received []int
}

func (r *recordingReceipts) OrderReceived(o orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, o.Number)
}

type fixture struct {
	d        *Dispatcher
	store    *orders.Store
	pub      *recordingPublisher
	receipts *recordingReceipts
}

func newFixture(t *testing.T, firstNumber int) fixture {
	t.Helper()
	cfg := config.Default().Orders
	cfg.FirstNumber = firstNumber
	store := orders.NewStore(cfg, nil, newLogger())
	t.Cleanup(store.Close)
	pub := &recordingPublisher{}
	receipts := &recordingReceipts{}
	return fixture{d: New(cfg, store, pub, receipts, newLogger()), store: store, pub: pub, receipts: receipts}
}

func call(t *testing.T, f fixture, sess *session.Session, op Op, args string) Result {
	t.Helper()
	res, err := f.d.Dispatch(context.Background(), sess, Request{ID: "fc", Name: string(op), Arguments: args})
	if err != nil {
		t.Fatalf("%s: unexpected call error %v", op, err)
	}
	return res
}

func expectOK(t *testing.T, res Result, op Op) {
	t.Helper()
	if !res.OK || res.Error != nil {
		t.Fatalf("%s failed: %+v", op, res.Error)
	}
}

func expectKind(t *testing.T, res Result, kind ErrorKind) {
	t.Helper()
	if res.OK || res.Kind() != kind {
		t.Fatalf("expected %s, got ok=%v error=%+v", kind, res.OK, res.Error)
	}
}

func newSession() *session.Session {
	return session.New("CA100", "MZ100", "+15550009999", nil)
}

func TestTaroMilkTeaOrder(t *testing.T) {
	f := newFixture(t, 4782)
	sess := newSession()

	res := call(t, f, sess, OpAddItem, `{"drink":"taro","toppings":["tapioca"],"modifiers":["less ice"]}`)
	expectOK(t, res, OpAddItem)
	if res.Phase != session.PhaseOrdering || res.Item.Drink != "taro milk tea" || res.Item.Toppings[0] != "boba" || res.Item.Ice != "less ice" {
		t.Fatalf("unexpected add result %+v", res)
	}

	expectOK(t, call(t, f, sess, OpFinalizeCart, ``), OpFinalizeCart)
	expectOK(t, call(t, f, sess, OpConfirmOrder, `{}`), OpConfirmOrder)
	if sess.Phase() != session.PhaseCapturingPhone {
		t.Fatalf("expected capturing_phone, got %s", sess.Phase())
	}

	res = call(t, f, sess, OpSetPhoneNumber, `{"phone":"(555) 123-4567"}`)
	expectOK(t, res, OpSetPhoneNumber)
	if res.OrderNumber != 4782 || res.Phone != "+15551234567" || res.Phase != session.PhaseClosed {
		t.Fatalf("unexpected submit result %+v", res)
	}

	o, err := f.store.Get(4782)
	if err != nil {
		t.Fatalf("order not stored: %v", err)
	}
	if o.Status != orders.StatusPlaced || len(o.Items) != 1 || o.Items[0].Drink != "taro milk tea" {
		t.Fatalf("unexpected stored order %+v", o)
	}
	if len(f.pub.events) != 1 || f.pub.events[0] != orders.EventCreated || f.pub.orders[0].Number != 4782 {
		t.Fatalf("expected one OrderCreated event, got %v", f.pub.events)
	}
	if len(f.receipts.received) != 1 || f.receipts.received[0] != 4782 {
		t.Fatalf("expected receipt for 4782, got %v", f.receipts.received)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(res.JSON()), &payload); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if payload["ok"] != true || payload["order_number"] != float64(4782) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSetPhoneNumberValidation(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()
	call(t, f, sess, OpAddItem, `{"drink":"black milk tea"}`)
	call(t, f, sess, OpFinalizeCart, ``)
	call(t, f, sess, OpConfirmOrder, ``)

	expectKind(t, call(t, f, sess, OpSetPhoneNumber, `{"phone":"abc"}`), KindValidation)
	expectKind(t, call(t, f, sess, OpSetPhoneNumber, `{"phone":"12345"}`), KindValidation)
	if sess.Phase() != session.PhaseCapturingPhone {
		t.Fatalf("invalid phone changed phase to %s", sess.Phase())
	}
	if f.store.Len() != 0 || len(f.pub.events) != 0 {
		t.Fatal("invalid phone created an order")
	}
}

func TestConfirmAndPhoneAreIdempotentAfterSubmit(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()
	call(t, f, sess, OpAddItem, `{"drink":"taro milk tea"}`)
	call(t, f, sess, OpFinalizeCart, ``)
	call(t, f, sess, OpConfirmOrder, ``)
	first := call(t, f, sess, OpSetPhoneNumber, `{"phone":"5551234567"}`)
	expectOK(t, first, OpSetPhoneNumber)

	again := call(t, f, sess, OpConfirmOrder, ``)
	expectOK(t, again, OpConfirmOrder)
	if again.OrderNumber != first.OrderNumber {
		t.Fatalf("confirm after submit returned %d, want %d", again.OrderNumber, first.OrderNumber)
	}
	phone := call(t, f, sess, OpSetPhoneNumber, `{"phone":"5559990000"}`)
	expectOK(t, phone, OpSetPhoneNumber)
	if phone.OrderNumber != first.OrderNumber || phone.Phone != "+15551234567" {
		t.Fatalf("second set_phone_number was not a no-op: %+v", phone)
	}
	if f.store.Len() != 1 || len(f.pub.events) != 1 {
		t.Fatalf("expected exactly one order, store has %d", f.store.Len())
	}
	history := sess.History()
	submitting := 0
	for _, p := range history {
		if p == session.PhaseSubmitting {
			submitting++
		}
	}
	if submitting != 1 {
		t.Fatalf("submitting entered %d times: %v", submitting, history)
	}
}

func TestCartNetEffect(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()
	call(t, f, sess, OpAddItem, `{"drink":"taro milk tea","size":"L"}`)
	call(t, f, sess, OpAddItem, `{"drink":"black milk tea","sweetness":"25%"}`)
	call(t, f, sess, OpAddItem, `{"drink":"taro milk tea","toppings":["pudding"]}`)

	expectOK(t, call(t, f, sess, OpRemoveItem, `{"index":0}`), OpRemoveItem)
	res := call(t, f, sess, OpUpdateItem, `{"index":1,"toppings":["vanilla cream"],"addons":["matcha"],"quantity":2}`)
	expectOK(t, res, OpUpdateItem)

	cart := call(t, f, sess, OpGetCart, ``).Cart
	if len(cart) != 2 {
		t.Fatalf("expected 2 lines, got %+v", cart)
	}
	if cart[0].Drink != "black milk tea" || cart[0].Sweetness != "25%" {
		t.Fatalf("unexpected first line %+v", cart[0])
	}
	if cart[1].Drink != "taro milk tea" || cart[1].Quantity != 2 || cart[1].Toppings[0] != "vanilla cream" || cart[1].AddOns[0] != orders.AddOnMatchaStencil {
		t.Fatalf("unexpected second line %+v", cart[1])
	}

	expectKind(t, call(t, f, sess, OpRemoveItem, `{"index":7}`), KindValidation)
	expectKind(t, call(t, f, sess, OpUpdateItem, `{"index":0,"addons":["matcha stencil"]}`), KindValidation)
	if got := sess.Cart(); len(got) != 2 || len(got[0].AddOns) != 0 {
		t.Fatalf("rejected edits mutated the cart: %+v", got)
	}
}

func TestWrongPhaseRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()

	expectKind(t, call(t, f, sess, OpFinalizeCart, ``), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpConfirmOrder, ``), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpSetPhoneNumber, `{"phone":"5551234567"}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpSetPhoneNumber, `{"phone":"abc"}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpReopenCart, `{"now":true}`), KindInvalidPhase)
	if sess.Phase() != session.PhaseGreeting {
		t.Fatalf("phase moved to %s", sess.Phase())
	}

	call(t, f, sess, OpAddItem, `{"drink":"taro milk tea"}`)
	call(t, f, sess, OpFinalizeCart, ``)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"black milk tea"}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpRemoveItem, `{"index":0}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpFinalizeCart, ``), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpRemoveItem, `{}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"taro","flavour":"x"}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpUpdateItem, `{"index":7,"size":"huge"}`), KindInvalidPhase)
	expectKind(t, call(t, f, sess, OpSetPhoneNumber, `not json`), KindInvalidPhase)
	if len(sess.Cart()) != 1 || sess.Phase() != session.PhaseConfirming {
		t.Fatalf("rejected calls mutated session: phase=%s cart=%d", sess.Phase(), len(sess.Cart()))
	}

	expectOK(t, call(t, f, sess, OpReopenCart, ``), OpReopenCart)
	expectOK(t, call(t, f, sess, OpAddItem, `{"drink":"black milk tea"}`), OpAddItem)
	if len(sess.Cart()) != 2 {
		t.Fatal("reopen should allow edits again")
	}
	if f.store.Len() != 0 || len(f.pub.events) != 0 {
		t.Fatal("rejected calls created an order")
	}
}

func TestEmptyCartCannotFinalize(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()
	if _, err := sess.Fire(session.TriggerUtterance); err != nil {
		t.Fatalf("utterance: %v", err)
	}
	expectKind(t, call(t, f, sess, OpFinalizeCart, ``), KindValidation)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()

	expectKind(t, call(t, f, sess, Op("make_coffee"), `{}`), KindValidation)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"taro","flavour":"x"}`), KindValidation)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":`), KindValidation)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"espresso"}`), KindValidation)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"taro","quantity":9}`), KindValidation)
	expectKind(t, call(t, f, sess, OpRemoveItem, `{}`), KindValidation)
	if sess.Phase() != session.PhaseGreeting || len(sess.Cart()) != 0 {
		t.Fatal("bad requests mutated the session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.d.Dispatch(ctx, sess, Request{Name: string(OpAddItem), Arguments: `{"drink":"taro"}`})
	if err != nil || res.Kind() != KindInvalidPhase || len(sess.Cart()) != 0 {
		t.Fatalf("expected calls after cancellation to be rejected, got %+v %v", res, err)
	}
}

func TestDrinkLimits(t *testing.T) {
	f := newFixture(t, 1001)
	sess := newSession()
	expectOK(t, call(t, f, sess, OpAddItem, `{"drink":"taro","quantity":4}`), OpAddItem)
	expectOK(t, call(t, f, sess, OpAddItem, `{"drink":"black"}`), OpAddItem)
	expectKind(t, call(t, f, sess, OpAddItem, `{"drink":"taro","quantity":2}`), KindLimitExceeded)
	expectKind(t, call(t, f, sess, OpUpdateItem, `{"index":1,"quantity":2}`), KindLimitExceeded)
	if got := orders.CountDrinks(sess.Cart()); got != 5 {
		t.Fatalf("expected 5 drinks after refused edits, got %d", got)
	}

	if _, err := f.store.Create([]orders.CartItem{{Drink: "taro milk tea", Quantity: 3}}, "+15551234567"); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	call(t, f, sess, OpFinalizeCart, ``)
	call(t, f, sess, OpConfirmOrder, ``)
	res := call(t, f, sess, OpSetPhoneNumber, `{"phone":"555-123-4567"}`)
	expectKind(t, res, KindLimitExceeded)
	if sess.Phase() != session.PhaseCapturingPhone {
		t.Fatalf("limit refusal changed phase to %s", sess.Phase())
	}
	if len(f.pub.events) != 0 {
		t.Fatal("refused order published an event")
	}

	res = call(t, f, sess, OpSetPhoneNumber, `{"phone":"555-000-1111"}`)
	expectOK(t, res, OpSetPhoneNumber)
	if res.OrderNumber != 1002 {
		t.Fatalf("expected next sequential number 1002, got %d", res.OrderNumber)
	}
}

func TestOrderStatusLookup(t *testing.T) {
	f := newFixture(t, 2000)
	o, err := f.store.Create([]orders.CartItem{{Drink: "black milk tea", Quantity: 2}}, "+15551234567")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	sess := newSession()

	res := call(t, f, sess, OpOrderStatus, `{"order_number":"2000"}`)
	expectOK(t, res, OpOrderStatus)
	if len(res.Orders) != 1 || res.Orders[0].Number != o.Number || res.Orders[0].Status != orders.StatusPlaced || res.Orders[0].Drinks != 2 {
		t.Fatalf("unexpected status %+v", res.Orders)
	}
	expectOK(t, call(t, f, sess, OpOrderStatus, `{"order_number":2000}`), OpOrderStatus)
	expectKind(t, call(t, f, sess, OpOrderStatus, `{"order_number":"9999"}`), KindNotFound)

	res = call(t, f, sess, OpOrderStatus, `{"phone":"555.123.4567"}`)
	expectOK(t, res, OpOrderStatus)
	if len(res.Orders) != 1 {
		t.Fatalf("expected lookup by phone, got %+v", res)
	}
	expectKind(t, call(t, f, sess, OpOrderStatus, `{}`), KindNotFound)

	res = call(t, f, sess, OpMenuSummary, ``)
	expectOK(t, res, OpMenuSummary)
	if res.Menu == "" {
		t.Fatal("menu summary empty")
	}
}

func TestFunctionsCoverEveryOperation(t *testing.T) {
	want := map[string]bool{}
	for _, op := range []Op{OpAddItem, OpRemoveItem, OpUpdateItem, OpFinalizeCart, OpReopenCart, OpConfirmOrder, OpSetPhoneNumber, OpGetCart, OpMenuSummary, OpOrderStatus} {
		want[string(op)] = true
	}
	fns := Functions()
	if len(fns) != len(want) {
		t.Fatalf("expected %d functions, got %d", len(want), len(fns))
	}
	for _, fn := range fns {
		if !want[fn.Name] {
			t.Fatalf("unexpected function %s", fn.Name)
		}
		if fn.Parameters["type"] != "object" {
			t.Fatalf("%s parameters are not an object schema", fn.Name)
		}
	}
}
