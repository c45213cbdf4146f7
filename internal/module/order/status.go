package order

import "fmt"

// OrderStatus represents the fulfilment status of an order.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "Pending"
	OrderStatusPaymentConfirmed OrderStatus = "Payment_Confirmed"
	OrderStatusProcessing       OrderStatus = "Processing"
	OrderStatusReadyToShip      OrderStatus = "Ready_to_Ship"
	OrderStatusShipped          OrderStatus = "Shipped"
	OrderStatusOutForDelivery   OrderStatus = "Out_for_Delivery"
	OrderStatusDelivered        OrderStatus = "Delivered"
	OrderStatusPaymentFailed    OrderStatus = "Payment_Failed"
	OrderStatusCancelled        OrderStatus = "Cancelled"
	OrderStatusReturned         OrderStatus = "Returned"
	OrderStatusRefunded         OrderStatus = "Refunded"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaymentConfirmed,
	OrderStatusProcessing,
	OrderStatusReadyToShip,
	OrderStatusShipped,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusPaymentFailed,
	OrderStatusCancelled,
	OrderStatusReturned,
	OrderStatusRefunded,
}

// ParseOrderStatus validates s against the known status values.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range orderStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	_, err := ParseOrderStatus(string(s))
	return err == nil
}

// IsCourier reports whether the parcel is already in the courier's hands.
// Orders in these statuses can never be cancelled or deleted.
func (s OrderStatus) IsCourier() bool {
	switch s {
	case OrderStatusShipped, OrderStatusOutForDelivery, OrderStatusDelivered:
		return true
	}
	return false
}

// IsDeletable reports whether an order in this status may be removed.
func (s OrderStatus) IsDeletable() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusPaymentFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether no further lifecycle movement is expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// SubscriptionStatus is the billing state of a subscription anchor order.
// It is tracked independently from OrderStatus.
type SubscriptionStatus string

const (
	SubscriptionStatusNone          SubscriptionStatus = ""
	SubscriptionStatusIncomplete    SubscriptionStatus = "incomplete"
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusPaused        SubscriptionStatus = "paused"
	SubscriptionStatusCancelled     SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired       SubscriptionStatus = "expired"
	SubscriptionStatusPaymentFailed SubscriptionStatus = "payment_failed"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusNone:          {SubscriptionStatusIncomplete, SubscriptionStatusActive, SubscriptionStatusPaymentFailed},
	SubscriptionStatusIncomplete:    {SubscriptionStatusActive, SubscriptionStatusPaymentFailed, SubscriptionStatusCancelled},
	SubscriptionStatusActive:        {SubscriptionStatusPaused, SubscriptionStatusCancelled, SubscriptionStatusExpired, SubscriptionStatusPaymentFailed},
	SubscriptionStatusPaused:        {SubscriptionStatusActive, SubscriptionStatusCancelled},
	SubscriptionStatusPaymentFailed: {SubscriptionStatusActive, SubscriptionStatusCancelled},
	SubscriptionStatusCancelled:     {},
	SubscriptionStatusExpired:       {},
}

// CanTransitionTo reports whether the subscription may move to next.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsFinal reports whether the subscription can no longer bill.
func (s SubscriptionStatus) IsFinal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// PaymentMethod is the canonical payment category of an order.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// IsValid reports whether m is a supported payment method.
func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodCard || m == PaymentMethodCashOnDelivery
}

// Recurrence is the billing frequency of a subscription.
type Recurrence string

const (
	RecurrenceWeekly    Recurrence = "weekly"
	RecurrenceBiweekly  Recurrence = "biweekly"
	RecurrenceMonthly   Recurrence = "monthly"
	RecurrenceQuarterly Recurrence = "quarterly"
)

// IsValid reports whether r is a supported recurrence.
func (r Recurrence) IsValid() bool {
	switch r {
	case RecurrenceWeekly, RecurrenceBiweekly, RecurrenceMonthly, RecurrenceQuarterly:
		return true
	}
	return false
}
