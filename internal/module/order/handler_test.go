package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/storefront/server/internal/module/payment/provider"
	apperrors "github.com/storefront/server/internal/utils/errors"
	"github.com/storefront/server/internal/utils/middleware"
)

type identity struct {
	userID uuid.UUID
	email  string
	admin  bool
}

func newTestRouter(env *testEnv, who *identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		if who != nil {
			c.Set(middleware.UserIDKey, who.userID)
			c.Set(middleware.EmailKey, who.email)
			c.Set(middleware.AdminKey, who.admin)
		}
		c.Next()
	})
	h := NewHandler(env.svc)
	h.RegisterProtectedRoutes(api)
	h.RegisterAdminRoutes(api.Group("/admin"))
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorDetail {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func checkoutBody(paymentMethodID string) CreateOrderRequest {
	return CreateOrderRequest{
		Items: []OrderItemRequest{{ProductID: "prod-1", Name: "Coffee beans", Price: 10, Quantity: 2}},
		ShippingAddress: AddressRequest{
			Address:    "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
		},
		PaymentMethod:   string(PaymentMethodCard),
		PaymentMethodID: paymentMethodID,
		ItemsPrice:      20,
		TotalPrice:      20,
	}
}

var buyer = &identity{userID: customerID, email: "buyer@example.com"}

// A declined card answers 400 with the decline code and still reports the
// stored order.
func TestHandler_CreateOrder_Declined(t *testing.T) {
	env := newTestEnv(t)
	env.gw.On("CreateAndConfirmPaymentIntent", mock.Anything, int64(20), "usd", "pm_card_chargeDeclined", mock.Anything).
		Return(nil, &provider.Error{
			Kind:        provider.ErrorKindDecline,
			Code:        "card_declined",
			DeclineCode: "generic_decline",
			Message:     "Your card was declined.",
		})

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders", checkoutBody("pm_card_chargeDeclined"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	e := decodeError(t, w)
	assert.Equal(t, "PAYMENT_DECLINED", e.Code)
	assert.Equal(t, "generic_decline", e.Details["decline_code"])
	assert.Equal(t, string(OrderStatusPaymentFailed), e.Details["status"])
	assert.False(t, e.Retryable)

	id, err := uuid.Parse(e.Details["order_id"].(string))
	require.NoError(t, err)
	o := reload(t, env, id)
	assert.Equal(t, OrderStatusPaymentFailed, o.Status)
	assert.False(t, o.IsPaid)
}

func TestHandler_CreateOrder_Transient(t *testing.T) {
	env := newTestEnv(t)
	env.gw.On("CreateAndConfirmPaymentIntent", mock.Anything, int64(20), "usd", "pm_card_visa", mock.Anything).
		Return(nil, &provider.Error{Kind: provider.ErrorKindTransient, Message: "timeout"})

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders", checkoutBody("pm_card_visa"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, decodeError(t, w).Retryable)
}

func TestHandler_CreateOrder_Created(t *testing.T) {
	env := newTestEnv(t)
	env.gw.On("CreateAndConfirmPaymentIntent", mock.Anything, int64(20), "usd", "pm_card_visa", mock.Anything).
		Return(&provider.PaymentIntent{ID: "pi_ok", Status: provider.PaymentIntentSucceeded, Amount: 20}, nil)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders", checkoutBody("pm_card_visa"))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OrderStatusPaymentConfirmed, resp.Order.Status)
	assert.True(t, resp.Order.IsPaid)
	assert.False(t, resp.RequiresAction)
	assert.Nil(t, resp.Order.Subscription)
}

func TestHandler_CreateOrder_RequiresAction(t *testing.T) {
	env := newTestEnv(t)
	env.gw.On("CreateAndConfirmPaymentIntent", mock.Anything, int64(20), "usd", "pm_card_visa", mock.Anything).
		Return(&provider.PaymentIntent{ID: "pi_3ds", Status: provider.PaymentIntentRequiresAction, ClientSecret: "sec"}, nil)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders", checkoutBody("pm_card_visa"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.RequiresAction)
	assert.Equal(t, "sec", resp.ClientSecret)
}

func TestHandler_CreateOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	body := checkoutBody("pm_card_visa")
	body.TotalPrice = 0

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "VALIDATION_ERROR", e.Code)
	assert.Equal(t, "total_price", e.Details["field"])
}

func TestHandler_CreateOrder_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, newTestRouter(env, nil), http.MethodPost, "/api/v1/orders", checkoutBody("pm_card_visa"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_GetOrder(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, OrderStatusProcessing)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders/"+o.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, o.OrderNo, resp.OrderNo)
	assert.Len(t, resp.StatusHistory, 2)

	other := &identity{userID: otherCustomer, email: "other@example.com"}
	w = doJSON(t, newTestRouter(env, other), http.MethodGet, "/api/v1/orders/"+o.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decodeError(t, w).Code)

	w = doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListOrders(t *testing.T) {
	env := newTestEnv(t)
	seedOrder(t, env, OrderStatusPending)
	seedOrder(t, env, OrderStatusProcessing)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders?status=Processing&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp OrderListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Total)
	assert.Equal(t, 10, resp.PageSize)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, OrderStatusProcessing, resp.Orders[0].Status)

	w = doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders?status=Lost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CancelOrder_Shipped(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, OrderStatusShipped)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodPost, "/api/v1/orders/"+o.ID.String()+"/cancel", CancelRequest{Reason: "too slow"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ORDER_NOT_CANCELLABLE", decodeError(t, w).Code)
}

func TestHandler_OptionalBody(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env, buyer)

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("malformed body is rejected", func(t *testing.T) {
		o := seedOrder(t, env, OrderStatusPending)
		id := o.ID.String()

		for _, path := range []string{
			"/api/v1/orders/" + id + "/cancel",
			"/api/v1/orders/" + id + "/subscription/pause",
			"/api/v1/orders/" + id + "/subscription/cancel",
		} {
			w := post(path, `{"reason":`)
			assert.Equal(t, http.StatusBadRequest, w.Code, path)
		}
		assert.Equal(t, OrderStatusPending, reload(t, env, o.ID).Status)
	})

	t.Run("empty body uses defaults", func(t *testing.T) {
		o := seedOrder(t, env, OrderStatusPending)

		w := post("/api/v1/orders/"+o.ID.String()+"/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)

		stored := reload(t, env, o.ID)
		assert.Equal(t, OrderStatusCancelled, stored.Status)
		last := stored.StatusHistory[len(stored.StatusHistory)-1]
		assert.Equal(t, "cancelled by customer", last.Note)
	})
}

func TestHandler_DeleteOrder(t *testing.T) {
	env := newTestEnv(t)
	processing := seedOrder(t, env, OrderStatusProcessing)
	failed := seedOrder(t, env, OrderStatusPaymentFailed)
	r := newTestRouter(env, buyer)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+processing.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ORDER_NOT_DELETABLE", decodeError(t, w).Code)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+failed.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandler_AdminUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, OrderStatusProcessing)
	path := "/api/v1/admin/orders/" + o.ID.String() + "/status"

	// Without the admin flag the service refuses the change.
	w := doJSON(t, newTestRouter(env, buyer), http.MethodPut, path, UpdateStatusRequest{Status: string(OrderStatusReadyToShip)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	op := &identity{userID: adminID, email: "ops@example.com", admin: true}
	w = doJSON(t, newTestRouter(env, op), http.MethodPut, path, UpdateStatusRequest{Status: string(OrderStatusShipped)})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeError(t, w).Code)

	w = doJSON(t, newTestRouter(env, op), http.MethodPut, path, UpdateStatusRequest{Status: string(OrderStatusReadyToShip), Note: "packed"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OrderStatusReadyToShip, resp.Status)
}

func TestHandler_GetTracking(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, OrderStatusOutForDelivery)

	w := doJSON(t, newTestRouter(env, buyer), http.MethodGet, "/api/v1/orders/"+o.ID.String()+"/tracking", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TrackingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.View.CurrentIndex)
}
