package events

import "github.com/google/uuid"

// Order event types.
const (
	OrderCreatedType          = "order.created"
	OrderPaymentConfirmedType = "order.payment_confirmed"
	OrderPaymentFailedType    = "order.payment_failed"
	OrderStatusChangedType    = "order.status_changed"
	OrderCancelledType        = "order.cancelled"
	OrderRenewedType          = "order.renewed"
	SubscriptionChangedType   = "subscription.status_changed"
)

// OrderEventTypes lists every order event type.
var OrderEventTypes = []string{
	OrderCreatedType,
	OrderPaymentConfirmedType,
	OrderPaymentFailedType,
	OrderStatusChangedType,
	OrderCancelledType,
	OrderRenewedType,
	SubscriptionChangedType,
}

// OrderEvent is emitted when an order changes in a way customers or
// downstream systems care about.
// It lives here rather than in the order module to avoid cyclic imports.
type OrderEvent struct {
	BaseEvent

	OrderID       uuid.UUID `json:"order_id"`
	OrderNo       string    `json:"order_no"`
	UserID        uuid.UUID `json:"user_id"`
	CustomerEmail string    `json:"customer_email,omitempty"`

	Status             string `json:"status"`
	PreviousStatus     string `json:"previous_status,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`

	// Amount is in the smallest currency unit.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`

	BillingCycle  int        `json:"billing_cycle,omitempty"`
	AnchorOrderID *uuid.UUID `json:"anchor_order_id,omitempty"`

	// Reason carries a decline message, cancellation reason or admin note.
	Reason string `json:"reason,omitempty"`
}

// NewOrderEvent creates an OrderEvent of the given type.
func NewOrderEvent(eventType string, orderID uuid.UUID) *OrderEvent {
	return &OrderEvent{
		BaseEvent: NewBaseEvent(eventType, orderID, "Order"),
		OrderID:   orderID,
	}
}
