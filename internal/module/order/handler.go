package order

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/response"
	apperrors "github.com/storefront/server/internal/utils/errors"
	"github.com/storefront/server/internal/utils/middleware"
	"github.com/storefront/server/internal/utils/pagination"
)

// Handler handles HTTP requests for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes registers order routes that require authentication.
// checkout wraps order creation (rate limiting, idempotency).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, checkout ...gin.HandlerFunc) {
	orders := r.Group("/orders")
	{
		orders.POST("", append(checkout, h.CreateOrder)...)
		orders.GET("", h.ListOrders)
		orders.GET("/:id", h.GetOrder)
		orders.GET("/:id/tracking", h.GetTracking)
		orders.POST("/:id/cancel", h.CancelOrder)
		orders.DELETE("/:id", h.DeleteOrder)

		orders.POST("/:id/subscription/pause", h.PauseSubscription)
		orders.POST("/:id/subscription/resume", h.ResumeSubscription)
		orders.POST("/:id/subscription/cancel", h.CancelSubscription)
	}
}

// RegisterAdminRoutes registers operator routes. r must already enforce
// admin access.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders")
	{
		orders.PUT("/:id/status", h.UpdateStatus)
		orders.PUT("/:id/tracking", h.UpdateTracking)
	}
}

// CreateOrder places an order and authorizes its payment.
//
//	@Summary		Create order
//	@Description	Validate a checkout, persist the order and authorize payment. Subscriptions start a recurring gateway subscription.
//	@Tags			Order
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			Idempotency-Key	header		string				false	"Idempotency key"
//	@Param			request			body		CreateOrderRequest	true	"Checkout request"
//	@Success		201				{object}	CheckoutResponse
//	@Failure		400				{object}	response.ErrorResponse
//	@Failure		401				{object}	response.ErrorResponse
//	@Failure		503				{object}	response.ErrorResponse
//	@Router			/orders [post]
func (h *Handler) CreateOrder(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.Unauthorized(c, "")
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ValidationError("", err.Error()))
		return
	}

	actor := CustomerActor(userID, middleware.GetEmail(c))
	result, err := h.service.CreateOrder(c.Request.Context(), actor, req.ToInput())
	if err != nil {
		var o *Order
		if result != nil {
			o = result.Order
		}
		handleOrderError(c, err, o)
		return
	}

	status := http.StatusCreated
	if result.RequiresAction {
		status = http.StatusAccepted
	}
	c.JSON(status, CheckoutResponse{
		Order:          result.Order.ToResponse(),
		ClientSecret:   result.ClientSecret,
		RequiresAction: result.RequiresAction,
	})
}

// ListOrders returns orders visible to the caller.
//
//	@Summary		List orders
//	@Description	Customers see their own orders; admins see all and may filter by user
//	@Tags			Order
//	@Produce		json
//	@Security		BearerAuth
//	@Param			status			query		string	false	"Filter by status"
//	@Param			is_subscription	query		bool	false	"Only subscription orders"
//	@Param			anchor_order_id	query		string	false	"Orders spawned by a subscription anchor"
//	@Param			user_id			query		string	false	"Filter by user (admin only)"
//	@Param			page			query		int		false	"Page number"	default(1)
//	@Param			page_size		query		int		false	"Page size"		default(20)
//	@Success		200				{object}	OrderListResponse
//	@Failure		400				{object}	response.ErrorResponse
//	@Failure		401				{object}	response.ErrorResponse
//	@Router			/orders [get]
func (h *Handler) ListOrders(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var q ListOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperrors.ValidationError("", err.Error()))
		return
	}
	filter, err := q.toFilter()
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}

	page := pagination.New()
	if err := c.ShouldBindQuery(page); err != nil {
		response.Error(c, apperrors.ValidationError("", err.Error()))
		return
	}

	orders, total, err := h.service.ListOrders(c.Request.Context(), actor, filter, page)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}

	out := make([]*OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = o.ToResponse()
	}
	c.JSON(http.StatusOK, OrderListResponse{Orders: out, PageInfo: page.Info(total)})
}

// GetOrder returns a single order.
//
//	@Summary		Get order
//	@Tags			Order
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Order ID"
//	@Success		200	{object}	OrderResponse
//	@Failure		400	{object}	response.ErrorResponse
//	@Failure		403	{object}	response.ErrorResponse
//	@Failure		404	{object}	response.ErrorResponse
//	@Router			/orders/{id} [get]
func (h *Handler) GetOrder(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	o, err := h.service.GetOrder(c.Request.Context(), actor, id)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// GetTracking returns the delivery progress of an order.
//
//	@Summary		Get order tracking
//	@Tags			Order
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Order ID"
//	@Success		200	{object}	TrackingResponse
//	@Failure		404	{object}	response.ErrorResponse
//	@Router			/orders/{id}/tracking [get]
func (h *Handler) GetTracking(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	info, err := h.service.GetTracking(c.Request.Context(), actor, id)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, TrackingResponse{
		OrderID:  info.OrderID,
		OrderNo:  info.OrderNo,
		View:     info.View,
		Tracking: info.Tracking,
	})
}

// CancelOrder cancels an order that has not shipped.
//
//	@Summary		Cancel order
//	@Tags			Order
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string			true	"Order ID"
//	@Param			request	body		CancelRequest	false	"Cancellation reason"
//	@Success		200		{object}	OrderResponse
//	@Failure		409		{object}	response.ErrorResponse
//	@Router			/orders/{id}/cancel [post]
func (h *Handler) CancelOrder(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + string(actor.Kind)
	}

	o, err := h.service.CancelOrder(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// DeleteOrder removes a cancelled, failed or refunded order.
//
//	@Summary		Delete order
//	@Tags			Order
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Order ID"
//	@Success		204
//	@Failure		409	{object}	response.ErrorResponse
//	@Router			/orders/{id} [delete]
func (h *Handler) DeleteOrder(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteOrder(c.Request.Context(), actor, id); err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateStatus moves an order along the fulfilment flow.
//
//	@Summary		Update order status
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string				true	"Order ID"
//	@Param			request	body		UpdateStatusRequest	true	"New status"
//	@Success		200		{object}	OrderResponse
//	@Failure		400		{object}	response.ErrorResponse
//	@Failure		409		{object}	response.ErrorResponse
//	@Router			/admin/orders/{id}/status [put]
func (h *Handler) UpdateStatus(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ValidationError("status", err.Error()))
		return
	}

	o, err := h.service.UpdateStatus(c.Request.Context(), actor, id, req.Status, req.Note)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// UpdateTracking sets courier details.
//
//	@Summary		Update order tracking
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string					true	"Order ID"
//	@Param			request	body		UpdateTrackingRequest	true	"Courier details"
//	@Success		200		{object}	OrderResponse
//	@Failure		400		{object}	response.ErrorResponse
//	@Router			/admin/orders/{id}/tracking [put]
func (h *Handler) UpdateTracking(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	var req UpdateTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ValidationError("", err.Error()))
		return
	}

	o, err := h.service.UpdateTracking(c.Request.Context(), actor, id, Tracking{
		Courier:           req.Courier,
		TrackingNumber:    req.TrackingNumber,
		EstimatedDelivery: req.EstimatedDelivery,
		URL:               req.URL,
	})
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// PauseSubscription pauses billing of a subscription.
//
//	@Summary		Pause subscription
//	@Tags			Subscription
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string			true	"Anchor order ID"
//	@Param			request	body		PauseRequest	false	"Resume date"
//	@Success		200		{object}	OrderResponse
//	@Failure		409		{object}	response.ErrorResponse
//	@Router			/orders/{id}/subscription/pause [post]
func (h *Handler) PauseSubscription(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	var req PauseRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	o, err := h.service.PauseSubscription(c.Request.Context(), actor, id, req.ResumesAt)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// ResumeSubscription resumes a paused subscription.
//
//	@Summary		Resume subscription
//	@Tags			Subscription
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Anchor order ID"
//	@Success		200	{object}	OrderResponse
//	@Failure		409	{object}	response.ErrorResponse
//	@Router			/orders/{id}/subscription/resume [post]
func (h *Handler) ResumeSubscription(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	o, err := h.service.ResumeSubscription(c.Request.Context(), actor, id)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// CancelSubscription stops a subscription.
//
//	@Summary		Cancel subscription
//	@Tags			Subscription
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string			true	"Anchor order ID"
//	@Param			request	body		CancelRequest	false	"Cancellation reason"
//	@Success		200		{object}	OrderResponse
//	@Failure		409		{object}	response.ErrorResponse
//	@Router			/orders/{id}/subscription/cancel [post]
func (h *Handler) CancelSubscription(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "subscription cancelled by " + string(actor.Kind)
	}

	o, err := h.service.CancelSubscription(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		handleOrderError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, o.ToResponse())
}

// --- Helpers ---

// actorFrom builds the acting principal. It writes a 401 when the request
// carries no identity.
func actorFrom(c *gin.Context) (Actor, bool) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.Unauthorized(c, "")
		return Actor{}, false
	}
	if middleware.IsAdmin(c) {
		a := AdminActor(userID)
		a.Email = middleware.GetEmail(c)
		return a, true
	}
	return CustomerActor(userID, middleware.GetEmail(c)), true
}

// bindOptionalJSON binds a body that may be omitted. An empty body leaves
// req untouched; anything unparsable is rejected with 400.
func bindOptionalJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, apperrors.ValidationError("", err.Error()))
		return false
	}
	return true
}

func actorAndID(c *gin.Context) (Actor, uuid.UUID, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperrors.ValidationError("id", "invalid order ID"))
		return Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (q *ListOrdersQuery) toFilter() (*Filter, error) {
	f := &Filter{IsSubscription: q.IsSubscription}
	if q.Status != "" {
		st, err := ParseOrderStatus(q.Status)
		if err != nil {
			return nil, err
		}
		f.Status = &st
	}
	if q.AnchorOrderID != "" {
		id, err := uuid.Parse(q.AnchorOrderID)
		if err != nil {
			return nil, invalid("anchor_order_id", "must be a UUID")
		}
		f.AnchorOrderID = &id
	}
	if q.UserID != "" {
		id, err := uuid.Parse(q.UserID)
		if err != nil {
			return nil, invalid("user_id", "must be a UUID")
		}
		f.UserID = &id
	}
	return f, nil
}

var orderErrors = []response.ErrorMapping{
	{Err: ErrOrderNotFound, Status: http.StatusNotFound, Code: "ORDER_NOT_FOUND"},
	{Err: ErrForbidden, Status: http.StatusForbidden, Code: "FORBIDDEN"},
	{Err: ErrInvalidStatus, Status: http.StatusBadRequest, Code: "INVALID_STATUS"},
	{Err: ErrInvalidTransition, Status: http.StatusConflict, Code: "INVALID_TRANSITION"},
	{Err: ErrNotCancellable, Status: http.StatusConflict, Code: "ORDER_NOT_CANCELLABLE"},
	{Err: ErrNotDeletable, Status: http.StatusConflict, Code: "ORDER_NOT_DELETABLE"},
	{Err: ErrNotSubscription, Status: http.StatusBadRequest, Code: "NOT_A_SUBSCRIPTION"},
	{Err: ErrSubscriptionState, Status: http.StatusConflict, Code: "INVALID_SUBSCRIPTION_STATE"},
	{Err: ErrConcurrentUpdate, Status: http.StatusConflict, Code: "CONCURRENT_UPDATE",
		Message: "the order was modified by another request, please retry", Retryable: true},
	{Err: ErrGatewayUnavailable, Status: http.StatusServiceUnavailable, Code: "PAYMENTS_UNAVAILABLE", Retryable: true},
}

// handleOrderError renders err. o is the persisted order when a checkout
// failed after the order was stored.
func handleOrderError(c *gin.Context, err error, o *Order) {
	var payErr *PaymentError
	if errors.As(err, &payErr) {
		appErr := paymentAppError(payErr)
		if o != nil {
			appErr.WithDetails(map[string]any{
				"order_id": o.ID.String(),
				"order_no": o.OrderNo,
				"status":   string(o.Status),
			})
		}
		response.Error(c, appErr)
		return
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		response.Error(c, apperrors.ValidationError(valErr.Field, valErr.Message))
		return
	}

	if gwErr, ok := provider.AsError(err); ok {
		if gwErr.Retryable() {
			response.Error(c, apperrors.ServiceUnavailable("payment service temporarily unavailable"))
		} else {
			response.Error(c, apperrors.PaymentFailed(gwErr.Code, "the payment service rejected the request"))
		}
		return
	}

	response.HandleErrorWithDefault(c, err, orderErrors)
}

func paymentAppError(e *PaymentError) *apperrors.AppError {
	switch e.Kind {
	case provider.ErrorKindDecline:
		return apperrors.PaymentDeclined(e.UserMessage, e.DeclineCode)
	case provider.ErrorKindTransient:
		return apperrors.ServiceUnavailable(e.UserMessage)
	default:
		return apperrors.PaymentFailed(e.Code, e.UserMessage)
	}
}
