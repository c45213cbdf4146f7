package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

func newTestGateway(t *testing.T, handler http.HandlerFunc, opts ...func(*StripeConfig)) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &StripeConfig{
		SecretKey:  "sk_test_123",
		Timeout:    2 * time.Second,
		BackendURL: srv.URL,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return NewStripeGateway(cfg, nil, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestStripeGateway_CreateAndConfirmPaymentIntent(t *testing.T) {
	t.Run("succeeded", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/payment_intents", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "2000", r.PostForm.Get("amount"))
			assert.Equal(t, "usd", r.PostForm.Get("currency"))
			assert.Equal(t, "true", r.PostForm.Get("confirm"))
			assert.Equal(t, "pm_card_visa", r.PostForm.Get("payment_method"))
			assert.Equal(t, "ord-1", r.PostForm.Get("metadata[order_id]"))

			writeJSON(w, http.StatusOK, `{
				"id": "pi_123", "object": "payment_intent", "status": "succeeded",
				"amount": 2000, "currency": "usd", "client_secret": "pi_123_secret_abc",
				"latest_charge": "ch_123", "metadata": {"order_id": "ord-1"}
			}`)
		})

		pi, err := gw.CreateAndConfirmPaymentIntent(context.Background(), 2000, "usd", "pm_card_visa", map[string]string{"order_id": "ord-1"})
		require.NoError(t, err)
		assert.Equal(t, "pi_123", pi.ID)
		assert.Equal(t, PaymentIntentSucceeded, pi.Status)
		assert.Equal(t, "pi_123_secret_abc", pi.ClientSecret)
		assert.Equal(t, "ch_123", pi.ChargeID)
		assert.Equal(t, "ord-1", pi.Metadata["order_id"])
	})

	t.Run("card declined", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusPaymentRequired, `{"error": {
				"type": "card_error", "code": "card_declined",
				"decline_code": "generic_decline", "message": "Your card was declined."
			}}`)
		})

		_, err := gw.CreateAndConfirmPaymentIntent(context.Background(), 2000, "usd", "pm_card_chargeDeclined", nil)
		require.Error(t, err)

		gwErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, ErrorKindDecline, gwErr.Kind)
		assert.Equal(t, "card_declined", gwErr.Code)
		assert.Equal(t, "generic_decline", gwErr.DeclineCode)
		assert.False(t, gwErr.Retryable())
	})

	t.Run("invalid request", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"error": {
				"type": "invalid_request_error", "message": "No such PaymentMethod: 'pm_nope'"
			}}`)
		})

		_, err := gw.CreateAndConfirmPaymentIntent(context.Background(), 2000, "usd", "pm_nope", nil)
		gwErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, ErrorKindInvalidRequest, gwErr.Kind)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			writeJSON(w, http.StatusOK, `{"id": "pi_late", "status": "succeeded"}`)
		}, func(cfg *StripeConfig) {
			cfg.Timeout = 50 * time.Millisecond
		})

		_, err := gw.CreateAndConfirmPaymentIntent(context.Background(), 2000, "usd", "pm_card_visa", nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestStripeGateway_CancelPaymentIntent(t *testing.T) {
	t.Run("missing intent is not an error", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/payment_intents/pi_gone/cancel", r.URL.Path)
			writeJSON(w, http.StatusNotFound, `{"error": {
				"type": "invalid_request_error", "code": "resource_missing",
				"message": "No such payment_intent: 'pi_gone'"
			}}`)
		})

		assert.NoError(t, gw.CancelPaymentIntent(context.Background(), "pi_gone"))
	})

	t.Run("server failure surfaces", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"error": {"type": "api_error", "message": "boom"}}`)
		})

		err := gw.CancelPaymentIntent(context.Background(), "pi_1")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestStripeGateway_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, `{"error": {"type": "api_error", "message": "unavailable"}}`)
	}, func(cfg *StripeConfig) {
		cfg.Breaker = BreakerConfig{FailureThreshold: 2, MaxHalfOpenRequests: 1, Timeout: time.Minute}
	})

	for i := 0; i < 2; i++ {
		_, err := gw.RetrievePaymentIntent(context.Background(), "pi_1")
		require.Error(t, err)
	}
	_, err := gw.RetrievePaymentIntent(context.Background(), "pi_1")
	require.Error(t, err)

	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestStripeGateway_DeclinesDoNotOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusPaymentRequired, `{"error": {"type": "card_error", "code": "card_declined"}}`)
	}, func(cfg *StripeConfig) {
		cfg.Breaker = BreakerConfig{FailureThreshold: 1, MaxHalfOpenRequests: 1, Timeout: time.Minute}
	})

	for i := 0; i < 3; i++ {
		_, err := gw.CreateAndConfirmPaymentIntent(context.Background(), 100, "usd", "pm_card_chargeDeclined", nil)
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestStripeGateway_CreateOrGetCustomer(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "buyer@example.com", r.URL.Query().Get("email"))
			writeJSON(w, http.StatusOK, `{"object": "list", "url": "/v1/customers", "has_more": false,
				"data": [{"id": "cus_existing", "object": "customer", "email": "buyer@example.com"}]}`)
		})

		c, err := gw.CreateOrGetCustomer(context.Background(), "buyer@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_existing", c.ID)
	})

	t.Run("created", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				writeJSON(w, http.StatusOK, `{"object": "list", "url": "/v1/customers", "has_more": false, "data": []}`)
				return
			}
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "new@example.com", r.PostForm.Get("email"))
			writeJSON(w, http.StatusOK, `{"id": "cus_new", "object": "customer", "email": "new@example.com"}`)
		})

		c, err := gw.CreateOrGetCustomer(context.Background(), "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_new", c.ID)
	})
}

func TestStripeGateway_CreateRecurringPrice(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/prices", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "week", r.PostForm.Get("recurring[interval]"))
		assert.Equal(t, "2", r.PostForm.Get("recurring[interval_count]"))
		assert.Equal(t, "1500", r.PostForm.Get("unit_amount"))
		assert.Equal(t, "Coffee Box", r.PostForm.Get("product_data[name]"))
		writeJSON(w, http.StatusOK, `{"id": "price_1", "object": "price", "unit_amount": 1500, "currency": "usd",
			"recurring": {"interval": "week", "interval_count": 2}}`)
	})

	price, err := gw.CreateRecurringPrice(context.Background(), PriceInput{
		Amount:      1500,
		Currency:    "usd",
		Interval:    Interval{Unit: IntervalWeek, Count: 2},
		ProductName: "Coffee Box",
	})
	require.NoError(t, err)
	assert.Equal(t, "price_1", price.ID)
	assert.Equal(t, Interval{Unit: IntervalWeek, Count: 2}, price.Interval)
}

func TestStripeGateway_CreateSubscription(t *testing.T) {
	cancelAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "price_1", r.PostForm.Get("items[0][price]"))
		assert.Equal(t, "1775001600", r.PostForm.Get("cancel_at"))
		assert.Equal(t, "ord-1", r.PostForm.Get("metadata[order_id]"))
		writeJSON(w, http.StatusOK, `{
			"id": "sub_1", "object": "subscription", "status": "active", "customer": "cus_1",
			"current_period_end": 1767225600, "cancel_at": 1775001600,
			"latest_invoice": {"id": "in_1", "object": "invoice", "billing_reason": "subscription_create",
				"paid": true, "amount_paid": 1500, "currency": "usd", "subscription": "sub_1",
				"payment_intent": {"id": "pi_1", "object": "payment_intent", "status": "succeeded"}}
		}`)
	})

	sub, err := gw.CreateSubscription(context.Background(), SubscriptionInput{
		CustomerID: "cus_1",
		PriceID:    "price_1",
		Metadata:   map[string]string{"order_id": "ord-1"},
		CancelAt:   &cancelAt,
	})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStateActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerID)
	require.NotNil(t, sub.CancelAt)
	assert.True(t, cancelAt.Equal(*sub.CancelAt))
	require.NotNil(t, sub.LatestInvoice)
	assert.True(t, sub.LatestInvoice.IsInitial())
	assert.Equal(t, "pi_1", sub.LatestInvoice.PaymentIntentID)
	assert.Equal(t, "sub_1", sub.LatestInvoice.SubscriptionID)
}

func TestStripeGateway_ListInvoices(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sub_1", r.URL.Query().Get("subscription"))
		writeJSON(w, http.StatusOK, `{"object": "list", "url": "/v1/invoices", "has_more": false, "data": [
			{"id": "in_2", "object": "invoice", "billing_reason": "subscription_cycle", "paid": true, "subscription": "sub_1"},
			{"id": "in_1", "object": "invoice", "billing_reason": "subscription_create", "paid": true, "subscription": "sub_1"}
		]}`)
	})

	invoices, err := gw.ListInvoices(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "in_2", invoices[0].ID)
	assert.False(t, invoices[0].IsInitial())
	assert.True(t, invoices[1].IsInitial())
}

func TestStripeGateway_VerifyWebhookSignature(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("webhook verification must not call the API")
	})

	payload := []byte(`{
		"id": "evt_1", "object": "event", "type": "invoice.payment_succeeded", "created": 1767225600,
		"data": {"object": {"id": "in_2", "object": "invoice", "billing_reason": "subscription_cycle",
			"subscription": "sub_1", "amount_paid": 1500, "currency": "usd", "paid": true,
			"payment_intent": "pi_2"}}
	}`)

	t.Run("valid", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

		evt, err := gw.VerifyWebhookSignature(payload, signed.Header, testWebhookSecret)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", evt.ID)
		assert.Equal(t, EventInvoicePaymentSucceeded, evt.Type)
		require.NotNil(t, evt.Invoice)
		assert.Equal(t, "sub_1", evt.Invoice.SubscriptionID)
		assert.Equal(t, "pi_2", evt.Invoice.PaymentIntentID)
		assert.Equal(t, int64(1500), evt.Invoice.AmountPaid)
		assert.False(t, evt.Invoice.IsInitial())
	})

	t.Run("wrong secret", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})

		_, err := gw.VerifyWebhookSignature(payload, signed.Header, testWebhookSecret)
		assert.True(t, errors.Is(err, ErrInvalidSignature))
	})

	t.Run("tampered body", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
		tampered := append([]byte{}, payload...)
		tampered[len(tampered)-3] = ' '

		_, err := gw.VerifyWebhookSignature(tampered, signed.Header, testWebhookSecret)
		assert.True(t, errors.Is(err, ErrInvalidSignature))
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := gw.VerifyWebhookSignature(payload, "", testWebhookSecret)
		assert.True(t, errors.Is(err, ErrInvalidSignature))
	})
}

func TestInterval_AddTo(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval Interval
		n        int
		expected time.Time
	}{
		{"weekly", Interval{IntervalWeek, 1}, 1, time.Date(2026, 1, 22, 10, 0, 0, 0, time.UTC)},
		{"biweekly twice", Interval{IntervalWeek, 2}, 2, time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)},
		{"monthly", Interval{IntervalMonth, 1}, 1, time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)},
		{"quarterly x3", Interval{IntervalMonth, 3}, 3, time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.interval.AddTo(base, tt.n))
		})
	}
}
