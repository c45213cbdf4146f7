package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/utils/metrics"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey string
	// Timeout bounds every outbound call.
	Timeout time.Duration
	// WebhookTolerance is the accepted age of a signed webhook.
	WebhookTolerance time.Duration
	Breaker          BreakerConfig
	// BackendURL overrides the API base URL.
	BackendURL string
}

// StripeGateway implements Gateway on top of the Stripe API.
type StripeGateway struct {
	api       *client.API
	breaker   *gobreaker.CircuitBreaker[any]
	tolerance time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewStripeGateway creates a new Stripe gateway.
// The SDK's own network retries are disabled; callers decide on retries
// from the classified error.
func NewStripeGateway(cfg *StripeConfig, m *metrics.Metrics, logger *zap.Logger) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Named("stripe").WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar(),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	api := client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg))

	return &StripeGateway{
		api:       api,
		breaker:   newBreaker("stripe", cfg.Breaker, m, logger),
		tolerance: tolerance,
		metrics:   m,
		logger:    logger,
	}
}

// Name returns the provider name.
func (g *StripeGateway) Name() string {
	return "stripe"
}

// execute runs fn through the circuit breaker, classifies its error and
// records the call latency.
func execute[T any](g *StripeGateway, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := g.breaker.Execute(func() (any, error) {
		return fn()
	})

	outcome := "success"
	if err != nil {
		gwErr := classify(err)
		outcome = string(gwErr.Kind)
		err = gwErr
	}
	g.metrics.RecordGatewayRequest(op, outcome, time.Since(start))

	var out T
	if err != nil {
		return out, err
	}
	if v, ok := res.(T); ok {
		out = v
	}
	return out, nil
}

// --- Payment Intents ---

func (g *StripeGateway) CreateAndConfirmPaymentIntent(ctx context.Context, amount int64, currency, paymentMethodID string, metadata map[string]string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(paymentMethodID),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := execute(g, "create_payment_intent", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := execute(g, "retrieve_payment_intent", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Get(id, params)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

// CancelPaymentIntent releases a pending authorization. An intent that no
// longer exists, or is already canceled, is not an error.
func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	_, err := execute(g, "cancel_payment_intent", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Cancel(id, params)
	})
	if err != nil {
		if IsResourceMissing(err) {
			g.logger.Info("payment intent already gone", zap.String("payment_intent_id", id))
			return nil
		}
		if gwErr, ok := AsError(err); ok && gwErr.Code == string(stripe.ErrorCodePaymentIntentUnexpectedState) {
			g.logger.Info("payment intent not cancelable", zap.String("payment_intent_id", id), zap.String("message", gwErr.Message))
			return nil
		}
		return fmt.Errorf("cancel payment intent: %w", err)
	}
	return nil
}

// --- Customers ---

func (g *StripeGateway) CreateOrGetCustomer(ctx context.Context, email string) (*Customer, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	existing, err := execute(g, "list_customers", func() (*stripe.Customer, error) {
		iter := g.api.Customers.List(listParams)
		if iter.Next() {
			return iter.Customer(), nil
		}
		return nil, iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}
	if existing != nil {
		return &Customer{ID: existing.ID, Email: existing.Email}, nil
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx

	c, err := execute(g, "create_customer", func() (*stripe.Customer, error) {
		return g.api.Customers.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

// AttachPaymentMethod attaches the method to the customer and makes it the
// default for invoices.
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attach.Context = ctx

	if _, err := execute(g, "attach_payment_method", func() (*stripe.PaymentMethod, error) {
		return g.api.PaymentMethods.Attach(paymentMethodID, attach)
	}); err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}

	update := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	update.Context = ctx

	if _, err := execute(g, "set_default_payment_method", func() (*stripe.Customer, error) {
		return g.api.Customers.Update(customerID, update)
	}); err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

// --- Recurring billing ---

func (g *StripeGateway) CreateRecurringPrice(ctx context.Context, in PriceInput) (*Price, error) {
	params := &stripe.PriceParams{
		Currency:   stripe.String(in.Currency),
		UnitAmount: stripe.Int64(in.Amount),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String(string(in.Interval.Unit)),
			IntervalCount: stripe.Int64(in.Interval.Count),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name:     stripe.String(in.ProductName),
			Metadata: in.ProductMetadata,
		},
	}
	params.Context = ctx

	p, err := execute(g, "create_price", func() (*stripe.Price, error) {
		return g.api.Prices.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create price: %w", err)
	}

	out := &Price{ID: p.ID, Amount: p.UnitAmount, Currency: string(p.Currency)}
	if p.Recurring != nil {
		out.Interval = Interval{Unit: IntervalUnit(p.Recurring.Interval), Count: p.Recurring.IntervalCount}
	}
	return out, nil
}

// CreateSubscription creates a subscription and attempts to pay its first
// invoice immediately. A first payment that needs customer action or fails
// leaves the subscription incomplete instead of returning an error.
func (g *StripeGateway) CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceID)},
		},
		PaymentBehavior: stripe.String("allow_incomplete"),
	}
	if in.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(in.PaymentMethodID)
	}
	if in.CancelAt != nil {
		params.CancelAt = stripe.Int64(in.CancelAt.Unix())
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice.payment_intent")
	params.Context = ctx

	s, err := execute(g, "create_subscription", func() (*stripe.Subscription, error) {
		return g.api.Subscriptions.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return toSubscription(s), nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	if patch.PauseCollection != nil {
		if *patch.PauseCollection {
			params.PauseCollection = &stripe.SubscriptionPauseCollectionParams{
				Behavior: stripe.String("void"),
			}
			if patch.ResumesAt != nil {
				params.PauseCollection.ResumesAt = stripe.Int64(patch.ResumesAt.Unix())
			}
		} else {
			params.AddExtra("pause_collection", "")
		}
	}
	for k, v := range patch.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := execute(g, "update_subscription", func() (*stripe.Subscription, error) {
		return g.api.Subscriptions.Update(id, params)
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return toSubscription(s), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	s, err := execute(g, "cancel_subscription", func() (*stripe.Subscription, error) {
		return g.api.Subscriptions.Cancel(id, params)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	return toSubscription(s), nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := execute(g, "retrieve_subscription", func() (*stripe.Subscription, error) {
		return g.api.Subscriptions.Get(id, params)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}
	return toSubscription(s), nil
}

// ListInvoices returns every invoice of the subscription, newest first.
func (g *StripeGateway) ListInvoices(ctx context.Context, subscriptionID string) ([]*Invoice, error) {
	params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionID)}
	params.Context = ctx
	params.AddExpand("data.payment_intent")

	invoices, err := execute(g, "list_invoices", func() ([]*Invoice, error) {
		var out []*Invoice
		iter := g.api.Invoices.List(params)
		for iter.Next() {
			out = append(out, toInvoice(iter.Invoice()))
		}
		return out, iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// --- Webhooks ---

// VerifyWebhookSignature checks the Stripe-Signature header against the raw
// payload and decodes the event object.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return decodeEvent(evt)
}

func decodeEvent(evt stripe.Event) (*Event, error) {
	out := &Event{
		ID:      evt.ID,
		Type:    EventType(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, nil
	}

	switch out.Type {
	case EventPaymentIntentSucceeded, EventPaymentIntentPaymentFailed, EventPaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
		}
		out.PaymentIntent = toPaymentIntent(&pi)
	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		out.Invoice = toInvoice(&inv)
	case EventSubscriptionDeleted, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		out.Subscription = toSubscription(&sub)
	}
	return out, nil
}

// --- Conversions ---

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	if pi == nil {
		return nil
	}
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       PaymentIntentStatus(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.LatestCharge != nil {
		out.ChargeID = pi.LatestCharge.ID
	}
	if pi.LastPaymentError != nil {
		out.LastError = classify(pi.LastPaymentError)
	}
	return out
}

func toSubscription(s *stripe.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:       s.ID,
		Status:   SubscriptionState(s.Status),
		Paused:   s.PauseCollection != nil && s.PauseCollection.Behavior != "",
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	if s.CancelAt > 0 {
		at := time.Unix(s.CancelAt, 0).UTC()
		out.CancelAt = &at
	}
	if s.LatestInvoice != nil {
		out.LatestInvoice = toInvoice(s.LatestInvoice)
	}
	return out
}

func toInvoice(inv *stripe.Invoice) *Invoice {
	if inv == nil {
		return nil
	}
	out := &Invoice{
		ID:            inv.ID,
		Status:        string(inv.Status),
		BillingReason: string(inv.BillingReason),
		Paid:          inv.Paid,
		AmountPaid:    inv.AmountPaid,
		AmountDue:     inv.AmountDue,
		Currency:      string(inv.Currency),
		Metadata:      inv.Metadata,
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
		out.PaymentIntentStatus = PaymentIntentStatus(inv.PaymentIntent.Status)
		out.ClientSecret = inv.PaymentIntent.ClientSecret
	}
	if inv.Charge != nil {
		out.ChargeID = inv.Charge.ID
	}
	if inv.PeriodStart > 0 {
		out.PeriodStart = time.Unix(inv.PeriodStart, 0).UTC()
	}
	if inv.PeriodEnd > 0 {
		out.PeriodEnd = time.Unix(inv.PeriodEnd, 0).UTC()
	}
	if inv.Created > 0 {
		out.Created = time.Unix(inv.Created, 0).UTC()
	}
	return out
}
