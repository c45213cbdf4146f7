package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var now = func() time.Time { return time.Now().UTC() }

// ActorKind identifies who triggered a change.
type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorAdmin    ActorKind = "admin"
	ActorSystem   ActorKind = "system"
	ActorGateway  ActorKind = "gateway"
)

// Actor is the principal performing an operation.
type Actor struct {
	Kind   ActorKind
	UserID uuid.UUID
	Email  string
}

// SystemActor is used for background jobs.
var SystemActor = Actor{Kind: ActorSystem}

// GatewayActor is used for changes driven by gateway notifications.
var GatewayActor = Actor{Kind: ActorGateway}

// CustomerActor returns an actor for an authenticated customer.
func CustomerActor(userID uuid.UUID, email string) Actor {
	return Actor{Kind: ActorCustomer, UserID: userID, Email: email}
}

// AdminActor returns an actor for an operator.
func AdminActor(userID uuid.UUID) Actor {
	return Actor{Kind: ActorAdmin, UserID: userID}
}

// IsAdmin returns true for operators.
func (a Actor) IsAdmin() bool {
	return a.Kind == ActorAdmin
}

// CanAccess reports whether the actor may read or act on o.
func (a Actor) CanAccess(o *Order) bool {
	switch a.Kind {
	case ActorAdmin, ActorSystem, ActorGateway:
		return true
	case ActorCustomer:
		return a.UserID != uuid.Nil && a.UserID == o.UserID
	}
	return false
}

func (a Actor) String() string {
	if a.UserID == uuid.Nil {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.UserID)
}

// Transition appends a history entry and moves the order to status.
//
// It does not check that status is a legal successor; callers pre-check
// with CanTransition or their own rules. Entering Delivered or Cancelled
// applies the matching side effects.
func Transition(o *Order, status OrderStatus, note string, actor Actor) {
	at := now()

	o.StatusHistory = append(o.StatusHistory, StatusHistoryEntry{
		ID:        uuid.New(),
		OrderID:   o.ID,
		Seq:       len(o.StatusHistory) + 1,
		Status:    status,
		Note:      note,
		Actor:     actor.String(),
		CreatedAt: at,
	})
	o.Status = status

	switch status {
	case OrderStatusDelivered:
		o.IsDelivered = true
		o.DeliveredAt = &at
		if o.IsCashOnDelivery() && !o.IsPaid {
			markPaid(o, &PaymentResult{
				ID:          "cod-" + o.OrderNo,
				Status:      "collected",
				Amount:      o.TotalPrice,
				Currency:    o.Currency,
				Method:      string(PaymentMethodCashOnDelivery),
				UpdatedTime: at,
			}, at)
		}
	case OrderStatusCancelled:
		o.CancelledBy = actor.String()
		o.CancelledAt = &at
		o.CancellationReason = note
	}
}

// MarkPaid flips the order to paid and records result. It returns false,
// leaving the order untouched, when the order was already paid.
func MarkPaid(o *Order, result *PaymentResult) bool {
	if o.IsPaid {
		return false
	}
	markPaid(o, result, now())
	return true
}

func markPaid(o *Order, result *PaymentResult, at time.Time) {
	o.IsPaid = true
	o.PaidAt = &at
	o.PaymentResult = result
}

// StatusConsistent reports whether the current status matches the most
// recent history entry.
func (o *Order) StatusConsistent() bool {
	if len(o.StatusHistory) == 0 {
		return false
	}
	return o.StatusHistory[len(o.StatusHistory)-1].Status == o.Status
}

// transitions lists the moves an operator may make by hand.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:          {OrderStatusPaymentConfirmed, OrderStatusProcessing, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaymentConfirmed: {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing:       {OrderStatusReadyToShip, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusReadyToShip:      {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:          {OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusReturned},
	OrderStatusOutForDelivery:   {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:        {OrderStatusReturned, OrderStatusRefunded},
	OrderStatusPaymentFailed:    {OrderStatusPending, OrderStatusCancelled},
	OrderStatusReturned:         {OrderStatusRefunded},
	OrderStatusCancelled:        {OrderStatusRefunded},
	OrderStatusRefunded:         {}, // Terminal state
}

// CanTransition checks if a manual transition from `from` to `to` is valid.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the manual moves available from a status.
func AllowedTransitions(from OrderStatus) []OrderStatus {
	allowed := transitions[from]
	result := make([]OrderStatus, len(allowed))
	copy(result, allowed)
	return result
}
