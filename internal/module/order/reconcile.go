package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/events"
)

// Outcome reports what a reconciliation call did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
)

// Renewal sources.
const (
	SourceWebhook = "webhook"
	SourceSync    = "sync"
)

// ConfirmIntentPayment applies a succeeded one-time payment. Orders that
// are already paid are left untouched.
func (s *Service) ConfirmIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (Outcome, error) {
	o, err := s.findForIntent(ctx, pi)
	if err != nil {
		return "", err
	}
	// Subscription payments are settled through their invoices.
	if o.IsSubscription {
		return OutcomeNoop, nil
	}

	var (
		paid      bool
		confirmed bool
		previous  OrderStatus
	)
	o, err = s.apply(ctx, o, func(o *Order) error {
		paid, confirmed = false, false
		if o.IsPaid {
			return errNoChange
		}
		previous = o.Status
		if o.PaymentIntentID == "" {
			o.PaymentIntentID = pi.ID
		}
		paid = true
		confirmed = confirmIntent(o, pi, GatewayActor)
		return nil
	})
	if err != nil {
		return "", err
	}
	if !paid {
		return OutcomeNoop, nil
	}

	if confirmed {
		s.metrics.RecordTransition(string(OrderStatusPaymentConfirmed), string(ActorGateway))
		s.publish(events.OrderPaymentConfirmedType, o, previous, "")
	} else {
		s.logger.Warn("payment succeeded for order in non-payable status",
			zap.String("order_id", o.ID.String()),
			zap.String("status", string(o.Status)),
			zap.String("payment_intent_id", pi.ID),
		)
	}
	return OutcomeApplied, nil
}

// FailIntentPayment moves a pending one-time order to Payment_Failed.
func (s *Service) FailIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (Outcome, error) {
	o, err := s.findForIntent(ctx, pi)
	if err != nil {
		return "", err
	}
	if o.IsSubscription {
		return OutcomeNoop, nil
	}

	var failed bool
	o, err = s.apply(ctx, o, func(o *Order) error {
		failed = false
		if o.IsPaid || o.Status != OrderStatusPending {
			return errNoChange
		}
		o.PaymentIntentStatus = string(pi.Status)
		o.GatewayError = pi.LastError
		Transition(o, OrderStatusPaymentFailed, failureNote(pi.LastError), GatewayActor)
		failed = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !failed {
		return OutcomeNoop, nil
	}

	s.metrics.RecordTransition(string(OrderStatusPaymentFailed), string(ActorGateway))
	s.publish(events.OrderPaymentFailedType, o, OrderStatusPending, failureNote(pi.LastError))
	return OutcomeApplied, nil
}

// CancelIntent cancels an unpaid order whose authorization was voided.
func (s *Service) CancelIntent(ctx context.Context, pi *provider.PaymentIntent) (Outcome, error) {
	o, err := s.findForIntent(ctx, pi)
	if err != nil {
		return "", err
	}
	if o.IsSubscription {
		return OutcomeNoop, nil
	}

	const note = "payment authorization canceled"
	var previous OrderStatus
	o, err = s.apply(ctx, o, func(o *Order) error {
		previous = ""
		if o.IsPaid || o.Status == OrderStatusCancelled || !o.IsCancellable() {
			return errNoChange
		}
		previous = o.Status
		o.PaymentIntentStatus = string(pi.Status)
		Transition(o, OrderStatusCancelled, note, GatewayActor)
		return nil
	})
	if err != nil {
		return "", err
	}
	if previous == "" {
		return OutcomeNoop, nil
	}

	s.metrics.RecordTransition(string(OrderStatusCancelled), string(ActorGateway))
	s.publish(events.OrderCancelledType, o, previous, note)
	return OutcomeApplied, nil
}

// RecordInvoicePaid applies a paid subscription invoice. The first invoice
// activates the anchor; every later one goes through RecordCycleRenewal.
// A later invoice seen before the first one returns ErrInitialInvoicePending
// so the caller retries once cycle 1 is recorded.
func (s *Service) RecordInvoicePaid(ctx context.Context, inv *provider.Invoice, source string) (Outcome, error) {
	anchor, err := s.findAnchor(ctx, inv.SubscriptionID)
	if err != nil {
		return "", err
	}
	if anchor.HasPaidInvoice(inv.ID) {
		s.metrics.RecordRenewal(source, string(OutcomeNoop))
		return OutcomeNoop, nil
	}

	if inv.IsInitial() {
		return s.activateFromInvoice(ctx, anchor, inv)
	}
	if anchor.PaymentForCycle(1) == nil {
		s.metrics.RecordRenewal(source, "deferred")
		s.logger.Warn("renewal invoice arrived before the first invoice",
			zap.String("order_id", anchor.ID.String()),
			zap.String("invoice_id", inv.ID),
			zap.String("billing_reason", inv.BillingReason),
		)
		return "", ErrInitialInvoicePending
	}

	if _, err := s.RecordCycleRenewal(ctx, anchor, inv, source); err != nil {
		if errors.Is(err, ErrRenewalExists) {
			return OutcomeNoop, nil
		}
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Service) activateFromInvoice(ctx context.Context, anchor *Order, inv *provider.Invoice) (Outcome, error) {
	start := inv.PeriodStart
	if start.IsZero() {
		start = now()
	}

	var (
		applied   bool
		confirmed bool
		previous  OrderStatus
	)
	o, err := s.apply(ctx, anchor, func(o *Order) error {
		applied, confirmed = false, false
		if o.HasPaidInvoice(inv.ID) || o.SubscriptionStatus.IsFinal() {
			return errNoChange
		}
		previous = o.Status
		if o.PaymentIntentID == "" {
			o.PaymentIntentID = inv.PaymentIntentID
		}
		o.PaymentIntentStatus = string(provider.PaymentIntentSucceeded)
		confirmed = activateSubscription(o, inv, nil, start)
		applied = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}

	if confirmed {
		s.metrics.RecordTransition(string(OrderStatusPaymentConfirmed), string(ActorGateway))
		s.publish(events.OrderPaymentConfirmedType, o, previous, "")
	}
	s.publish(events.SubscriptionChangedType, o, previous, "")
	return OutcomeApplied, nil
}

// RecordInvoiceFailed records a failed subscription charge on the anchor.
func (s *Service) RecordInvoiceFailed(ctx context.Context, inv *provider.Invoice) (Outcome, error) {
	anchor, err := s.findAnchor(ctx, inv.SubscriptionID)
	if err != nil {
		return "", err
	}

	var (
		applied  bool
		previous OrderStatus
	)
	o, err := s.apply(ctx, anchor, func(o *Order) error {
		applied = false
		if o.HasPaidInvoice(inv.ID) || o.InvoicePayment(inv.ID, PaymentStatusFailed) != nil {
			return errNoChange
		}
		if o.SubscriptionStatus.IsFinal() {
			return errNoChange
		}
		previous = o.Status

		cycle := o.CurrentBillingCycle + 1
		if inv.IsInitial() {
			cycle = 1
		}
		o.PaymentHistory = append(o.PaymentHistory, newPaymentEntry(o, inv, cycle, PaymentStatusFailed, now()))
		if o.SubscriptionStatus.CanTransitionTo(SubscriptionStatusPaymentFailed) {
			o.SubscriptionStatus = SubscriptionStatusPaymentFailed
		}
		// Goods already with the courier keep their fulfilment status.
		if o.Status != OrderStatusPaymentFailed && !o.Status.IsCourier() && !o.Status.IsTerminal() {
			Transition(o, OrderStatusPaymentFailed, fmt.Sprintf("invoice %s payment failed", inv.ID), GatewayActor)
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}

	s.metrics.RecordTransition(string(o.Status), string(ActorGateway))
	s.publish(events.OrderPaymentFailedType, o, previous, fmt.Sprintf("invoice %s payment failed", inv.ID))
	return OutcomeApplied, nil
}

// EndSubscription applies a subscription deleted at the gateway. A bounded
// subscription that billed every cycle expires; anything else is cancelled.
func (s *Service) EndSubscription(ctx context.Context, sub *provider.Subscription) (Outcome, error) {
	anchor, err := s.findAnchor(ctx, sub.ID)
	if err != nil {
		return "", err
	}

	const note = "subscription ended by payment gateway"
	var (
		applied  bool
		previous OrderStatus
	)
	o, err := s.apply(ctx, anchor, func(o *Order) error {
		applied = false
		if o.SubscriptionStatus.IsFinal() {
			return errNoChange
		}
		previous = o.Status
		applied = true
		if o.AllCyclesBilled() {
			o.SubscriptionStatus = SubscriptionStatusExpired
			return nil
		}
		o.SubscriptionStatus = SubscriptionStatusCancelled
		if o.IsCancellable() {
			Transition(o, OrderStatusCancelled, note, GatewayActor)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}

	s.publish(events.SubscriptionChangedType, o, previous, note)
	if o.Status == OrderStatusCancelled && previous != OrderStatusCancelled {
		s.metrics.RecordTransition(string(OrderStatusCancelled), string(ActorGateway))
		s.publish(events.OrderCancelledType, o, previous, note)
	}
	return OutcomeApplied, nil
}

// SyncSubscription mirrors pause and resume changes made at the gateway.
func (s *Service) SyncSubscription(ctx context.Context, sub *provider.Subscription) (Outcome, error) {
	if sub.Status == provider.SubscriptionStateCanceled {
		return s.EndSubscription(ctx, sub)
	}

	anchor, err := s.findAnchor(ctx, sub.ID)
	if err != nil {
		return "", err
	}

	var applied bool
	o, err := s.apply(ctx, anchor, func(o *Order) error {
		applied = false
		switch {
		case sub.Paused && o.SubscriptionStatus == SubscriptionStatusActive:
			o.SubscriptionStatus = SubscriptionStatusPaused
		case !sub.Paused && sub.Status.IsLive() && o.SubscriptionStatus == SubscriptionStatusPaused:
			o.SubscriptionStatus = SubscriptionStatusActive
			if !sub.CurrentPeriodEnd.IsZero() {
				next := sub.CurrentPeriodEnd.UTC()
				o.NextBillingDate = &next
			}
		default:
			return errNoChange
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}

	s.publish(events.SubscriptionChangedType, o, "", "")
	return OutcomeApplied, nil
}

// DueSubscriptions returns active anchors whose next billing date is at or
// before t, and anchors still waiting for their first invoice.
func (s *Service) DueSubscriptions(ctx context.Context, t time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListDueSubscriptions(ctx, t, limit)
}

func (s *Service) findForIntent(ctx context.Context, pi *provider.PaymentIntent) (*Order, error) {
	if id, err := uuid.Parse(pi.Metadata["order_id"]); err == nil {
		o, err := s.repo.FindByID(ctx, id)
		if !errors.Is(err, ErrOrderNotFound) {
			return o, err
		}
	}
	if pi.ID == "" {
		return nil, ErrOrderNotFound
	}
	return s.repo.FindByPaymentIntentID(ctx, pi.ID)
}

func (s *Service) findAnchor(ctx context.Context, subscriptionID string) (*Order, error) {
	if subscriptionID == "" {
		return nil, ErrOrderNotFound
	}
	return s.repo.FindByGatewaySubscriptionID(ctx, subscriptionID)
}

func failureNote(gwErr *provider.Error) string {
	if gwErr == nil || gwErr.Message == "" {
		return "payment failed"
	}
	return "payment failed: " + gwErr.Message
}
