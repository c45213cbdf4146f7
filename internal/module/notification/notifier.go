package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/server/internal/shared/events"
)

// NotifierConfig configures order emails.
type NotifierConfig struct {
	// StoreName appears in subjects and the email header.
	StoreName string
	// BaseURL is used to link to the order page.
	BaseURL string
	// SendTimeout bounds one delivery.
	SendTimeout time.Duration
	// Workers is the number of delivery goroutines.
	Workers int
	// QueueSize bounds pending emails. Emails beyond it are dropped.
	QueueSize int
}

var (
	// ErrQueueFull is returned when an email is dropped for lack of room.
	ErrQueueFull = errors.New("email queue full")
	// ErrNotifierClosed is returned for events handled after Close.
	ErrNotifierClosed = errors.New("notifier closed")
)

type message struct {
	subject  string
	headline string
	body     string
}

// messages maps the order events customers hear about to their copy.
// Events not listed are not emailed.
var messages = map[string]message{
	events.OrderCreatedType: {
		subject:  "We received your order %s",
		headline: "Thanks for your order",
		body:     "Your order has been placed and is waiting for payment confirmation.",
	},
	events.OrderPaymentConfirmedType: {
		subject:  "Payment confirmed for order %s",
		headline: "Payment confirmed",
		body:     "We received your payment and will start preparing your order.",
	},
	events.OrderPaymentFailedType: {
		subject:  "Payment failed for order %s",
		headline: "Your payment did not go through",
		body:     "We could not collect payment for this order. You can retry with another payment method.",
	},
	events.OrderCancelledType: {
		subject:  "Order %s cancelled",
		headline: "Your order was cancelled",
		body:     "This order has been cancelled and any authorization has been released.",
	},
	events.OrderRenewedType: {
		subject:  "Your subscription renewed: order %s",
		headline: "Subscription renewed",
		body:     "A new billing cycle was paid and a new delivery is on its way.",
	},
	events.OrderStatusChangedType: {
		subject:  "Update on order %s",
		headline: "Your order status changed",
		body:     "There is news about your order.",
	},
}

type templateData struct {
	StoreName string
	Headline  string
	Body      string
	OrderNo   string
	Status    string
	Amount    string
	Cycle     int
	Reason    string
	OrderURL  string
}

// OrderNotifier emails customers about their orders. It is an event bus
// handler; Handle only queues the email, and delivery failures are logged
// and never affect order state.
type OrderNotifier struct {
	sender EmailSender
	config NotifierConfig
	tmpl   *template.Template
	logger *zap.Logger

	queue     chan *delivery
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type delivery struct {
	orderID   string
	eventType string
	to        string
	subject   string
	body      string
}

// NewOrderNotifier creates a new order notifier and starts its workers.
// Call Close to stop them.
func NewOrderNotifier(sender EmailSender, cfg NotifierConfig, logger *zap.Logger) *OrderNotifier {
	if cfg.StoreName == "" {
		cfg.StoreName = "Storefront"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	n := &OrderNotifier{
		sender: sender,
		config: cfg,
		tmpl:   template.Must(template.New("order").Parse(orderEmailTemplate)),
		logger: logger,
		queue:  make(chan *delivery, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// Handles returns the order event types that produce an email.
func (n *OrderNotifier) Handles() []string {
	types := make([]string, 0, len(messages))
	for _, t := range events.OrderEventTypes {
		if _, ok := messages[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// Handle renders the email for the customer named on the event and queues
// it. It never waits for delivery.
func (n *OrderNotifier) Handle(event events.Event) error {
	e, ok := event.(*events.OrderEvent)
	if !ok {
		return nil
	}
	msg, ok := messages[e.EventType()]
	if !ok || e.CustomerEmail == "" {
		return nil
	}

	body, err := n.render(msg, e)
	if err != nil {
		return fmt.Errorf("render order email: %w", err)
	}

	d := &delivery{
		orderID:   e.OrderID.String(),
		eventType: e.EventType(),
		to:        e.CustomerEmail,
		subject:   fmt.Sprintf("[%s] "+msg.subject, n.config.StoreName, e.OrderNo),
		body:      body,
	}

	select {
	case <-n.done:
		return ErrNotifierClosed
	default:
	}
	select {
	case n.queue <- d:
		return nil
	default:
		n.logger.Warn("email queue full, dropping order email",
			zap.String("order_id", d.orderID),
			zap.String("event_type", d.eventType),
		)
		return ErrQueueFull
	}
}

// Close stops the workers after the queued emails have been attempted.
func (n *OrderNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
	})
}

func (n *OrderNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		case <-n.done:
			for {
				select {
				case d := <-n.queue:
					n.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (n *OrderNotifier) deliver(d *delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.SendTimeout)
	defer cancel()

	if err := n.sender.Send(ctx, d.to, d.subject, d.body); err != nil {
		n.logger.Warn("order email not delivered",
			zap.String("order_id", d.orderID),
			zap.String("event_type", d.eventType),
			zap.Error(err),
		)
	}
}

func (n *OrderNotifier) render(msg message, e *events.OrderEvent) (string, error) {
	data := templateData{
		StoreName: n.config.StoreName,
		Headline:  msg.headline,
		Body:      msg.body,
		OrderNo:   e.OrderNo,
		Status:    strings.ReplaceAll(e.Status, "_", " "),
		Amount:    formatAmount(e.Amount, e.Currency),
		Cycle:     e.BillingCycle,
		Reason:    e.Reason,
	}
	if n.config.BaseURL != "" {
		data.OrderURL = fmt.Sprintf("%s/orders/%s", strings.TrimRight(n.config.BaseURL, "/"), e.OrderID)
	}

	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatAmount renders minor units as a decimal amount.
func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

const orderEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .summary td { padding: 4px 12px 4px 0; }
        .button { display: inline-block; padding: 12px 24px; background-color: #4F46E5; color: white; text-decoration: none; border-radius: 6px; }
        .footer { margin-top: 30px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Headline}}</h1>
        <p>{{.Body}}</p>
        <table class="summary">
            <tr><td>Order</td><td>{{.OrderNo}}</td></tr>
            <tr><td>Status</td><td>{{.Status}}</td></tr>
            <tr><td>Total</td><td>{{.Amount}}</td></tr>
            {{if .Cycle}}<tr><td>Billing cycle</td><td>{{.Cycle}}</td></tr>{{end}}
        </table>
        {{if .Reason}}<p>{{.Reason}}</p>{{end}}
        {{if .OrderURL}}<p><a href="{{.OrderURL}}" class="button">View order</a></p>{{end}}
        <div class="footer">
            <p>{{.StoreName}}</p>
        </div>
    </div>
</body>
</html>
`
