package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/events"
)

// RecordCycleRenewal advances a subscription by one billing cycle for a
// paid renewal invoice.
//
// In one transaction it spawns the order for the new cycle, appends the
// anchor's payment history entry and moves the anchor's cycle counter and
// next billing date forward. The spawned order's cycle key
// ("<subscription>:<cycle>") is unique, so concurrent callers for the same
// cycle produce at most one order. When the invoice is already recorded it
// returns ErrRenewalExists.
//
// The anchor is modified in place and must not be reused after an error.
func (s *Service) RecordCycleRenewal(ctx context.Context, anchor *Order, inv *provider.Invoice, source string) (*Order, error) {
	if !anchor.IsAnchor() {
		return nil, ErrNotSubscription
	}

	for attempt := 0; ; attempt++ {
		if anchor.HasPaidInvoice(inv.ID) {
			s.metrics.RecordRenewal(source, "duplicate")
			return nil, ErrRenewalExists
		}

		previous := anchor.Status
		spawned := prepareRenewal(anchor, inv)

		err := s.repo.CreateRenewal(ctx, anchor, spawned)
		if err == nil {
			s.metrics.RecordRenewal(source, string(OutcomeApplied))
			s.publish(events.OrderRenewedType, spawned, "", "")
			if anchor.Status != previous {
				s.publish(events.OrderStatusChangedType, anchor, previous, "subscription payment recovered")
			}
			s.logger.Info("subscription renewed",
				zap.String("anchor_order_id", anchor.ID.String()),
				zap.String("order_id", spawned.ID.String()),
				zap.String("invoice_id", inv.ID),
				zap.Int("billing_cycle", spawned.CurrentBillingCycle),
				zap.String("source", source),
			)
			return spawned, nil
		}

		// Either another path recorded this cycle or the anchor moved on.
		// Re-read and decide again.
		if !errors.Is(err, ErrConcurrentUpdate) && !errors.Is(err, ErrRenewalExists) {
			s.metrics.RecordRenewal(source, "error")
			return nil, fmt.Errorf("record renewal: %w", err)
		}
		s.metrics.RecordConflict()
		if attempt > 0 {
			s.metrics.RecordRenewal(source, "conflict")
			return nil, ErrConcurrentUpdate
		}
		if anchor, err = s.repo.FindByID(ctx, anchor.ID); err != nil {
			return nil, err
		}
	}
}

// prepareRenewal builds the order for the anchor's next cycle and applies
// the cycle advance to the anchor in memory.
func prepareRenewal(anchor *Order, inv *provider.Invoice) *Order {
	at := now()
	cycle := anchor.CurrentBillingCycle + 1
	spawned := newCycleOrder(anchor, cycle, inv)

	anchor.PaymentHistory = append(anchor.PaymentHistory, newPaymentEntry(anchor, inv, cycle, PaymentStatusSucceeded, at))
	anchor.CurrentBillingCycle = cycle

	base := at
	if anchor.NextBillingDate != nil {
		base = *anchor.NextBillingDate
	}
	next := anchor.Recurrence.Interval(anchor.BillingCycle).AddTo(base, 1)
	anchor.NextBillingDate = &next

	if anchor.SubscriptionStatus == SubscriptionStatusPaymentFailed {
		anchor.SubscriptionStatus = SubscriptionStatusActive
		if anchor.Status == OrderStatusPaymentFailed && anchor.IsPaid {
			Transition(anchor, OrderStatusPaymentConfirmed, "subscription payment recovered", GatewayActor)
		}
	}
	return spawned
}

// newCycleOrder clones the anchor's items, shipping and subscription
// fields into a paid order for cycle.
func newCycleOrder(anchor *Order, cycle int, inv *provider.Invoice) *Order {
	anchorID := anchor.ID
	cycleKey := fmt.Sprintf("%s:%d", anchor.GatewaySubscriptionID, cycle)

	items := make([]OrderItem, len(anchor.Items))
	copy(items, anchor.Items)

	var totalCycles *int
	if anchor.TotalBillingCycles != nil {
		n := *anchor.TotalBillingCycles
		totalCycles = &n
	}

	o := &Order{
		ID:            uuid.New(),
		OrderNo:       generateOrderNo(),
		UserID:        anchor.UserID,
		CustomerEmail: anchor.CustomerEmail,
		Items:         items,
		Shipping:      anchor.Shipping,
		PaymentMethod: anchor.PaymentMethod,
		ItemsPrice:    anchor.ItemsPrice,
		TaxPrice:      anchor.TaxPrice,
		ShippingPrice: anchor.ShippingPrice,
		TotalPrice:    anchor.TotalPrice,
		Currency:      anchor.Currency,

		PaymentIntentID:     inv.PaymentIntentID,
		PaymentIntentStatus: string(provider.PaymentIntentSucceeded),

		IsSubscription:        true,
		SubscriptionType:      anchor.SubscriptionType,
		SubscriptionName:      anchor.SubscriptionName,
		SubscriptionPrice:     anchor.SubscriptionPrice,
		Recurrence:            anchor.Recurrence,
		BillingCycle:          anchor.BillingCycle,
		TotalBillingCycles:    totalCycles,
		CurrentBillingCycle:   cycle,
		GatewaySubscriptionID: anchor.GatewaySubscriptionID,
		GatewayCustomerID:     anchor.GatewayCustomerID,
		GatewayPriceID:        anchor.GatewayPriceID,

		AnchorOrderID: &anchorID,
		CycleKey:      &cycleKey,
		Version:       1,
	}

	Transition(o, OrderStatusPending, fmt.Sprintf("renewal for billing cycle %d", cycle), GatewayActor)
	MarkPaid(o, &PaymentResult{
		ID:          firstNonEmpty(inv.PaymentIntentID, inv.ID),
		Status:      string(provider.PaymentIntentSucceeded),
		Amount:      amountPaid(anchor, inv),
		Currency:    anchor.Currency,
		Method:      string(anchor.PaymentMethod),
		ChargeID:    inv.ChargeID,
		InvoiceID:   inv.ID,
		UpdatedTime: now(),
	})
	Transition(o, OrderStatusPaymentConfirmed, fmt.Sprintf("invoice %s paid", inv.ID), GatewayActor)
	return o
}
