package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReceivedMessage is sent when an order is placed.
func ReceivedMessage(shop string, number int) string {
	return fmt.Sprintf("Thanks for your order with %s! 🍹 Your order number is %d. We'll text you again when it's ready for pickup.\nReply STOP to opt out.", shop, number)
}

// ReadyMessage is sent when an order is ready for pickup.
func ReadyMessage(shop string, number int) string {
	return fmt.Sprintf("Hi! Your boba order #%d is now ready for pickup at %s. 🧋 See you soon!\nReply STOP to opt out.", number, shop)
}

// Notifier sends order messages in the background. Failures are logged and
// never reach the caller.
type Notifier struct {
	sender  Sender
	shop    string
	enabled bool
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	onSent func(number int, status orders.Status)
	closed bool
	wg     sync.WaitGroup

	sent metric.Int64Counter
}

func New(cfg config.SMSConfig, sender Sender, log *slog.Logger) *Notifier {
	n := &Notifier{
		sender:  sender,
		shop:    cfg.ShopName,
		enabled: cfg.Enabled && sender != nil,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     log.With(slog.String("component", "notify")),
	}
	if n.timeout <= 0 {
		n.timeout = 10 * time.Second
	}
	var err error
	if n.sent, err = otel.Meter("github.com/loqalabs/loqa-barista/notify").Int64Counter("barista.sms.sent", metric.WithDescription("Customer messages, by kind and outcome")); err != nil {
		n.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return n
}

// OnSent registers fn to run after each successful message.
func (n *Notifier) OnSent(fn func(number int, status orders.Status)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSent = fn
}

// OrderReceived texts the order number to the customer.
func (n *Notifier) OrderReceived(o orders.Order) {
	n.send(o, orders.StatusPlaced, ReceivedMessage(n.shop, o.Number))
}

// OrderReady tells the customer the order can be picked up.
func (n *Notifier) OrderReady(o orders.Order) {
	n.send(o, orders.StatusReady, ReadyMessage(n.shop, o.Number))
}

func (n *Notifier) send(o orders.Order, status orders.Status, body string) {
	if !n.enabled || o.Phone == "" {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.Warn("notifier closed, message skipped", slog.Int("order", o.Number))
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		err := n.sender.Send(ctx, o.Phone, body)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if n.sent != nil {
			n.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status)), attribute.String("outcome", outcome)))
		}
		if err != nil {
			n.log.Warn("sms failed",
				slog.Int("order", o.Number),
				slog.String("to", orders.MaskPhone(o.Phone)),
				slog.String("error", err.Error()))
			return
		}
		n.log.Info("sms sent", slog.Int("order", o.Number), slog.String("status", string(status)))

		n.mu.Lock()
		fn := n.onSent
		n.mu.Unlock()
		if fn != nil {
			fn(o.Number, status)
		}
	}()
}

// Close waits for in-flight messages and rejects new ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}
