package provider

import (
	"context"
	"time"
)

// PaymentIntentStatus is the gateway-side state of a payment authorization.
type PaymentIntentStatus string

const (
	PaymentIntentSucceeded             PaymentIntentStatus = "succeeded"
	PaymentIntentRequiresAction        PaymentIntentStatus = "requires_action"
	PaymentIntentProcessing            PaymentIntentStatus = "processing"
	PaymentIntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	PaymentIntentRequiresConfirmation  PaymentIntentStatus = "requires_confirmation"
	PaymentIntentRequiresCapture       PaymentIntentStatus = "requires_capture"
	PaymentIntentCanceled              PaymentIntentStatus = "canceled"
)

// PaymentIntent represents a payment intent from the provider.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       PaymentIntentStatus
	ChargeID     string
	Metadata     map[string]string

	// LastError is the most recent payment failure reported by the gateway.
	LastError *Error
}

// Customer represents a customer from the provider.
type Customer struct {
	ID    string
	Email string
}

// IntervalUnit is the billing period unit of a recurring price.
type IntervalUnit string

const (
	IntervalWeek  IntervalUnit = "week"
	IntervalMonth IntervalUnit = "month"
)

// Interval is a billing period: Count units of Unit.
type Interval struct {
	Unit  IntervalUnit
	Count int64
}

// AddTo returns t advanced by n whole intervals.
func (i Interval) AddTo(t time.Time, n int) time.Time {
	count := int(i.Count) * n
	switch i.Unit {
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return t.AddDate(0, count, 0)
	}
	return t
}

// PriceInput describes a recurring price to create.
type PriceInput struct {
	Amount          int64
	Currency        string
	Interval        Interval
	ProductName     string
	ProductMetadata map[string]string
}

// Price represents a recurring price from the provider.
type Price struct {
	ID       string
	Amount   int64
	Currency string
	Interval Interval
}

// SubscriptionState is the gateway-side subscription status.
type SubscriptionState string

const (
	SubscriptionStateActive            SubscriptionState = "active"
	SubscriptionStateTrialing          SubscriptionState = "trialing"
	SubscriptionStateIncomplete        SubscriptionState = "incomplete"
	SubscriptionStateIncompleteExpired SubscriptionState = "incomplete_expired"
	SubscriptionStatePastDue           SubscriptionState = "past_due"
	SubscriptionStateUnpaid            SubscriptionState = "unpaid"
	SubscriptionStateCanceled          SubscriptionState = "canceled"
	SubscriptionStatePaused            SubscriptionState = "paused"
)

// IsLive reports whether the subscription is billing normally.
func (s SubscriptionState) IsLive() bool {
	return s == SubscriptionStateActive || s == SubscriptionStateTrialing
}

// SubscriptionInput describes a subscription to create.
type SubscriptionInput struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	Metadata        map[string]string
	// CancelAt bounds the subscription; nil means it renews until cancelled.
	CancelAt *time.Time
}

// SubscriptionPatch holds the mutable subscription fields. Nil fields are
// left untouched.
type SubscriptionPatch struct {
	PauseCollection *bool
	ResumesAt       *time.Time
	Metadata        map[string]string
}

// Subscription represents a subscription from the provider.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           SubscriptionState
	CurrentPeriodEnd time.Time
	CancelAt         *time.Time
	Paused           bool
	Metadata         map[string]string

	// LatestInvoice is populated on create so callers can inspect the
	// first charge.
	LatestInvoice *Invoice
}

// Invoice billing reasons.
const (
	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionCycle  = "subscription_cycle"
	BillingReasonSubscriptionUpdate = "subscription_update"
)

// Invoice represents a subscription invoice from the provider.
type Invoice struct {
	ID                  string
	SubscriptionID      string
	CustomerID          string
	Status              string
	BillingReason       string
	Paid                bool
	AmountPaid          int64
	AmountDue           int64
	Currency            string
	PaymentIntentID     string
	PaymentIntentStatus PaymentIntentStatus
	ClientSecret        string
	ChargeID            string
	PeriodStart         time.Time
	PeriodEnd           time.Time
	Created             time.Time
	Metadata            map[string]string
}

// IsInitial reports whether the invoice is the first one of a subscription.
func (i *Invoice) IsInitial() bool {
	return i.BillingReason == BillingReasonSubscriptionCreate
}

// EventType identifies the kind of webhook event.
type EventType string

const (
	EventPaymentIntentSucceeded     EventType = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed EventType = "payment_intent.payment_failed"
	EventPaymentIntentCanceled      EventType = "payment_intent.canceled"
	EventInvoicePaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventInvoicePaid                EventType = "invoice.paid"
	EventInvoicePaymentFailed       EventType = "invoice.payment_failed"
	EventSubscriptionDeleted        EventType = "customer.subscription.deleted"
	EventSubscriptionUpdated        EventType = "customer.subscription.updated"
)

// Event is a verified webhook notification. Exactly one of the object
// fields is set for the supported event types.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time

	PaymentIntent *PaymentIntent
	Invoice       *Invoice
	Subscription  *Subscription
}

// Gateway defines the payment processor operations the order core needs.
type Gateway interface {
	// Name returns the provider name.
	Name() string

	// Payment intents
	CreateAndConfirmPaymentIntent(ctx context.Context, amount int64, currency, paymentMethodID string, metadata map[string]string) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) error

	// Customers and payment methods
	CreateOrGetCustomer(ctx context.Context, email string) (*Customer, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// Recurring billing
	CreateRecurringPrice(ctx context.Context, in PriceInput) (*Price, error)
	CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	ListInvoices(ctx context.Context, subscriptionID string) ([]*Invoice, error)

	// Webhooks
	VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*Event, error)
}
