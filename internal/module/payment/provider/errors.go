package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
)

// ErrorKind classifies gateway failures for the caller.
type ErrorKind string

const (
	// ErrorKindDecline is a card-attributable refusal (declined, insufficient funds).
	ErrorKindDecline ErrorKind = "decline"
	// ErrorKindInvalidRequest covers configuration and request-shape errors.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	// ErrorKindTransient is a timeout, network or availability failure. Retryable.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindOther is anything else.
	ErrorKindOther ErrorKind = "other"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Error is a classified gateway error.
type Error struct {
	Kind        ErrorKind `json:"kind"`
	Code        string    `json:"code,omitempty"`
	DeclineCode string    `json:"decline_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	Err         error     `json:"-"`
}

func (e *Error) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("gateway %s (%s/%s): %s", e.Kind, e.Code, e.DeclineCode, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed if repeated.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindTransient
}

// AsError extracts a classified gateway error from err.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	gwErr, ok := AsError(err)
	return ok && gwErr.Retryable()
}

// IsResourceMissing reports whether the gateway object no longer exists.
func IsResourceMissing(err error) bool {
	gwErr, ok := AsError(err)
	return ok && gwErr.Code == string(stripe.ErrorCodeResourceMissing)
}

// classify converts an SDK or transport error into *Error.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if gwErr, ok := AsError(err); ok {
		return gwErr
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out := &Error{
			Code:        string(stripeErr.Code),
			DeclineCode: string(stripeErr.DeclineCode),
			Message:     stripeErr.Msg,
			HTTPStatus:  stripeErr.HTTPStatusCode,
			Err:         err,
		}
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			out.Kind = ErrorKindDecline
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			out.Kind = ErrorKindTransient
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest,
			stripeErr.Type == stripe.ErrorTypeIdempotency:
			out.Kind = ErrorKindInvalidRequest
		default:
			out.Kind = ErrorKindOther
		}
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: ErrorKindTransient, Message: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: ErrorKindTransient, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: ErrorKindTransient, Message: err.Error(), Err: err}
	}

	return &Error{Kind: ErrorKindOther, Message: err.Error(), Err: err}
}
