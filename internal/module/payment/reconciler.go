package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/order"
	"github.com/storefront/server/internal/module/payment/provider"
)

// Result describes how an event was settled. Every Result is acknowledged
// to the gateway.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultNoop      Result = "noop"
	ResultIgnored   Result = "ignored"
	ResultNotFound  Result = "not_found"
	ResultMalformed Result = "malformed"
)

// OrderReconciler applies gateway facts to orders.
type OrderReconciler interface {
	ConfirmIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error)
	FailIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error)
	CancelIntent(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error)
	RecordInvoicePaid(ctx context.Context, inv *provider.Invoice, source string) (order.Outcome, error)
	RecordInvoiceFailed(ctx context.Context, inv *provider.Invoice) (order.Outcome, error)
	EndSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error)
	SyncSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error)
}

// Reconciler routes verified webhook events to the order core.
type Reconciler struct {
	orders OrderReconciler
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(orders OrderReconciler, logger *zap.Logger) *Reconciler {
	return &Reconciler{orders: orders, logger: logger}
}

// Handle applies evt. A returned error means the event could not be settled
// now and the gateway should redeliver it.
func (r *Reconciler) Handle(ctx context.Context, evt *provider.Event) (Result, error) {
	outcome, err := r.dispatch(ctx, evt)
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, order.ErrOrderNotFound):
		r.logger.Warn("no order for webhook event",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
		)
		return ResultNotFound, nil
	case errors.Is(err, provider.ErrMalformedEvent),
		errors.Is(err, order.ErrNotSubscription):
		r.logger.Warn("webhook event cannot be applied",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
		return ResultMalformed, nil
	}
	return "", err
}

func (r *Reconciler) dispatch(ctx context.Context, evt *provider.Event) (Result, error) {
	var (
		outcome order.Outcome
		err     error
	)

	switch evt.Type {
	case provider.EventPaymentIntentSucceeded:
		if evt.PaymentIntent == nil {
			return "", missingObject(evt)
		}
		outcome, err = r.orders.ConfirmIntentPayment(ctx, evt.PaymentIntent)
	case provider.EventPaymentIntentPaymentFailed:
		if evt.PaymentIntent == nil {
			return "", missingObject(evt)
		}
		outcome, err = r.orders.FailIntentPayment(ctx, evt.PaymentIntent)
	case provider.EventPaymentIntentCanceled:
		if evt.PaymentIntent == nil {
			return "", missingObject(evt)
		}
		outcome, err = r.orders.CancelIntent(ctx, evt.PaymentIntent)

	case provider.EventInvoicePaymentSucceeded, provider.EventInvoicePaid:
		if evt.Invoice == nil {
			return "", missingObject(evt)
		}
		if evt.Invoice.SubscriptionID == "" {
			return ResultIgnored, nil
		}
		outcome, err = r.orders.RecordInvoicePaid(ctx, evt.Invoice, order.SourceWebhook)
	case provider.EventInvoicePaymentFailed:
		if evt.Invoice == nil {
			return "", missingObject(evt)
		}
		if evt.Invoice.SubscriptionID == "" {
			return ResultIgnored, nil
		}
		outcome, err = r.orders.RecordInvoiceFailed(ctx, evt.Invoice)

	case provider.EventSubscriptionDeleted:
		if evt.Subscription == nil {
			return "", missingObject(evt)
		}
		outcome, err = r.orders.EndSubscription(ctx, evt.Subscription)
	case provider.EventSubscriptionUpdated:
		if evt.Subscription == nil {
			return "", missingObject(evt)
		}
		outcome, err = r.orders.SyncSubscription(ctx, evt.Subscription)

	default:
		r.logger.Debug("unhandled webhook event type", zap.String("type", string(evt.Type)))
		return ResultIgnored, nil
	}

	if err != nil {
		return "", err
	}
	if outcome == order.OutcomeApplied {
		return ResultApplied, nil
	}
	return ResultNoop, nil
}

func missingObject(evt *provider.Event) error {
	return fmt.Errorf("%w: %s carries no object", provider.ErrMalformedEvent, evt.Type)
}
