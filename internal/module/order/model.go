package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/storefront/server/internal/module/payment/provider"
)

// Order represents a one-time purchase or a subscription.
//
// A subscription's first order is its anchor: it holds the gateway
// subscription and the payment history. Each later billing cycle spawns a
// sibling order that points back at the anchor.
type Order struct {
	ID            uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	OrderNo       string        `json:"order_no" gorm:"uniqueIndex;not null"`
	UserID        uuid.UUID     `json:"user_id" gorm:"type:uuid;not null;index"`
	CustomerEmail string        `json:"customer_email"`
	Items         []OrderItem   `json:"items" gorm:"serializer:json;type:jsonb;not null"`
	Shipping      Address       `json:"shipping_address" gorm:"serializer:json;type:jsonb;not null"`
	PaymentMethod PaymentMethod `json:"payment_method" gorm:"not null"`

	ItemsPrice    int64  `json:"items_price"` // In cents
	TaxPrice      int64  `json:"tax_price"`
	ShippingPrice int64  `json:"shipping_price"`
	TotalPrice    int64  `json:"total_price" gorm:"not null"`
	Currency      string `json:"currency" gorm:"not null;default:usd"`

	Status      OrderStatus `json:"status" gorm:"not null;index"`
	IsPaid      bool        `json:"is_paid" gorm:"not null;default:false"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
	IsDelivered bool        `json:"is_delivered" gorm:"not null;default:false"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`

	// Gateway linkage
	PaymentIntentID           string          `json:"payment_intent_id,omitempty" gorm:"index"`
	PaymentIntentStatus       string          `json:"payment_intent_status,omitempty"`
	PaymentIntentClientSecret string          `json:"-"`
	PaymentResult             *PaymentResult  `json:"payment_result,omitempty" gorm:"serializer:json;type:jsonb"`
	GatewayError              *provider.Error `json:"-" gorm:"serializer:json;type:jsonb"`

	Tracking *Tracking `json:"tracking,omitempty" gorm:"serializer:json;type:jsonb"`

	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`

	// Subscription fields
	IsSubscription        bool               `json:"is_subscription" gorm:"not null;default:false;index"`
	SubscriptionType      string             `json:"subscription_type,omitempty"`
	SubscriptionName      string             `json:"subscription_name,omitempty"`
	SubscriptionPrice     int64              `json:"subscription_price,omitempty"`
	Recurrence            Recurrence         `json:"recurrence,omitempty"`
	BillingCycle          int                `json:"billing_cycle,omitempty"`
	TotalBillingCycles    *int               `json:"total_billing_cycles,omitempty"`
	CurrentBillingCycle   int                `json:"current_billing_cycle,omitempty"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status,omitempty" gorm:"index"`
	NextBillingDate       *time.Time         `json:"next_billing_date,omitempty" gorm:"index"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id,omitempty" gorm:"index"`
	GatewayCustomerID     string             `json:"-"`
	GatewayPriceID        string             `json:"-"`

	// Renewal linkage: set on orders spawned for a later billing cycle.
	AnchorOrderID *uuid.UUID `json:"anchor_order_id,omitempty" gorm:"type:uuid;index"`
	CycleKey      *string    `json:"-" gorm:"uniqueIndex"`

	Version   int64     `json:"-" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	StatusHistory  []StatusHistoryEntry  `json:"status_history" gorm:"foreignKey:OrderID"`
	PaymentHistory []PaymentHistoryEntry `json:"payment_history,omitempty" gorm:"foreignKey:OrderID"`
}

// TableName returns the database table name.
func (Order) TableName() string {
	return "orders"
}

// IsAnchor returns true for the order that owns a gateway subscription.
func (o *Order) IsAnchor() bool {
	return o.IsSubscription && o.AnchorOrderID == nil
}

// IsCashOnDelivery returns true if payment is collected by the courier.
func (o *Order) IsCashOnDelivery() bool {
	return o.PaymentMethod == PaymentMethodCashOnDelivery
}

// IsCancellable returns true if the order may still be cancelled.
func (o *Order) IsCancellable() bool {
	return !o.Status.IsCourier() && !o.Status.IsTerminal()
}

// IsDeletable returns true if the order may be removed.
func (o *Order) IsDeletable() bool {
	return o.Status.IsDeletable()
}

// AllCyclesBilled returns true when a bounded subscription has been
// charged for every cycle.
func (o *Order) AllCyclesBilled() bool {
	return o.TotalBillingCycles != nil && o.CurrentBillingCycle >= *o.TotalBillingCycles
}

// InvoicePayment returns the history entry recording invoiceID with the
// given status, or nil. The gateway retries a failed invoice under the same
// id, so one invoice may have a failed and a succeeded entry.
func (o *Order) InvoicePayment(invoiceID string, status PaymentStatus) *PaymentHistoryEntry {
	if invoiceID == "" {
		return nil
	}
	for i := range o.PaymentHistory {
		p := &o.PaymentHistory[i]
		if p.GatewayInvoiceID == invoiceID && p.Status == status {
			return p
		}
	}
	return nil
}

// HasPaidInvoice returns true if invoiceID is already recorded as paid.
func (o *Order) HasPaidInvoice(invoiceID string) bool {
	return o.InvoicePayment(invoiceID, PaymentStatusSucceeded) != nil
}

// PaymentForCycle returns the successful payment for cycle, or nil.
func (o *Order) PaymentForCycle(cycle int) *PaymentHistoryEntry {
	for i := range o.PaymentHistory {
		if o.PaymentHistory[i].BillingCycle == cycle && o.PaymentHistory[i].Status == PaymentStatusSucceeded {
			return &o.PaymentHistory[i]
		}
	}
	return nil
}

// SucceededPayments counts successful recurring payments.
func (o *Order) SucceededPayments() int {
	n := 0
	for _, p := range o.PaymentHistory {
		if p.Status == PaymentStatusSucceeded {
			n++
		}
	}
	return n
}

// OrderItem is an immutable line item snapshot.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"` // Unit price in cents
	Quantity  int    `json:"quantity"`
	Image     string `json:"image,omitempty"`
}

// Subtotal returns price times quantity.
func (i OrderItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// Address is a shipping address.
type Address struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country,omitempty"`
}

// PaymentResult is a snapshot of the last successful payment.
type PaymentResult struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	ChargeID    string    `json:"charge_id,omitempty"`
	InvoiceID   string    `json:"invoice_id,omitempty"`
	UpdatedTime time.Time `json:"update_time"`
}

// Tracking holds courier details.
type Tracking struct {
	Courier           string     `json:"courier"`
	TrackingNumber    string     `json:"tracking_number"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	URL               string     `json:"url,omitempty"`
}

// StatusHistoryEntry records one status transition.
type StatusHistoryEntry struct {
	ID        uuid.UUID   `json:"-" gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID   `json:"-" gorm:"type:uuid;not null;index"`
	Seq       int         `json:"seq" gorm:"not null"`
	Status    OrderStatus `json:"status" gorm:"not null"`
	Note      string      `json:"note,omitempty"`
	Actor     string      `json:"actor"`
	CreatedAt time.Time   `json:"timestamp"`
}

// TableName returns the database table name.
func (StatusHistoryEntry) TableName() string {
	return "order_status_history"
}

// PaymentStatus is the outcome of a recurring payment attempt.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

// PaymentHistoryEntry records one billing cycle payment attempt.
type PaymentHistoryEntry struct {
	ID                     uuid.UUID         `json:"payment_id" gorm:"type:uuid;primaryKey"`
	OrderID                uuid.UUID         `json:"-" gorm:"type:uuid;not null;index"`
	Amount                 int64             `json:"amount"`
	Currency               string            `json:"currency"`
	Status                 PaymentStatus     `json:"status" gorm:"not null"`
	BillingCycle           int               `json:"billing_cycle" gorm:"not null"`
	PaidAt                 *time.Time        `json:"paid_at,omitempty"`
	GatewayInvoiceID       string            `json:"gateway_invoice_id,omitempty" gorm:"index"`
	GatewayPaymentIntentID string            `json:"gateway_payment_intent_id,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt              time.Time         `json:"created_at"`
}

// TableName returns the database table name.
func (PaymentHistoryEntry) TableName() string {
	return "order_payment_history"
}

// Filter filters order listings.
type Filter struct {
	UserID         *uuid.UUID
	Status         *OrderStatus
	IsSubscription *bool
	AnchorOrderID  *uuid.UUID
}
