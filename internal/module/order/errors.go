package order

import (
	"errors"
	"fmt"

	"github.com/storefront/server/internal/module/payment/provider"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidStatus         = errors.New("invalid order status")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrForbidden             = errors.New("not allowed to access this order")
	ErrValidation            = errors.New("validation failed")
	ErrNotCancellable        = errors.New("order cannot be cancelled")
	ErrNotDeletable          = errors.New("order cannot be deleted")
	ErrConcurrentUpdate      = errors.New("order was modified concurrently")
	ErrRenewalExists         = errors.New("renewal order already exists for this cycle")
	ErrInitialInvoicePending = errors.New("first subscription invoice not recorded yet")
	ErrNotSubscription       = errors.New("order is not a subscription")
	ErrSubscriptionState     = errors.New("subscription cannot change to the requested state")
	ErrGatewayUnavailable    = errors.New("payment gateway not configured")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PaymentError reports a gateway failure during checkout. The order has
// already been persisted with the failure recorded.
type PaymentError struct {
	Kind        provider.ErrorKind
	Code        string
	DeclineCode string
	// UserMessage is safe to show to the customer.
	UserMessage string
	Err         error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.Kind, e.UserMessage)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a new checkout attempt may succeed.
func (e *PaymentError) Retryable() bool {
	return e.Kind == provider.ErrorKindTransient
}

// newPaymentError maps a classified gateway error to a customer-safe
// checkout error. Configuration details never reach the message.
func newPaymentError(err error) *PaymentError {
	gwErr, ok := provider.AsError(err)
	if !ok {
		gwErr = &provider.Error{Kind: provider.ErrorKindOther, Message: err.Error(), Err: err}
	}

	out := &PaymentError{Kind: gwErr.Kind, Err: err}
	switch gwErr.Kind {
	case provider.ErrorKindDecline:
		out.Code = gwErr.Code
		out.DeclineCode = gwErr.DeclineCode
		out.UserMessage = gwErr.Message
		if out.UserMessage == "" {
			out.UserMessage = "Your card was declined."
		}
		if out.DeclineCode == "" {
			out.DeclineCode = gwErr.Code
		}
	case provider.ErrorKindInvalidRequest:
		out.Code = "payment_request_invalid"
		out.UserMessage = "We could not process your payment. Please try again."
	case provider.ErrorKindTransient:
		out.Code = "payment_unavailable"
		out.UserMessage = "The payment service is temporarily unavailable. Please try again shortly."
	default:
		out.Code = "payment_failed"
		out.UserMessage = "Payment failed. Please try again or use a different payment method."
	}
	return out
}
