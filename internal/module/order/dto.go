package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/storefront/server/internal/utils/pagination"
)

// OrderItemRequest is a line item in a checkout request.
type OrderItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Price     int64  `json:"price"` // Unit price in cents
	Quantity  int    `json:"quantity"`
	Image     string `json:"image,omitempty"`
}

// AddressRequest is a shipping address in a checkout request.
type AddressRequest struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country,omitempty"`
}

// SubscriptionRequest makes a checkout recurring.
type SubscriptionRequest struct {
	Type               string `json:"type"`
	Name               string `json:"name"`
	Recurrence         string `json:"recurrence"`
	BillingCycle       int    `json:"billing_cycle"`
	TotalBillingCycles *int   `json:"total_billing_cycles,omitempty"`
}

// CreateOrderRequest represents a checkout request.
type CreateOrderRequest struct {
	Items           []OrderItemRequest   `json:"items"`
	ShippingAddress AddressRequest       `json:"shipping_address"`
	PaymentMethod   string               `json:"payment_method"`
	PaymentMethodID string               `json:"payment_method_id,omitempty"`
	ItemsPrice      int64                `json:"items_price"`
	TaxPrice        int64                `json:"tax_price"`
	ShippingPrice   int64                `json:"shipping_price"`
	TotalPrice      int64                `json:"total_price"`
	Currency        string               `json:"currency,omitempty"`
	CustomerEmail   string               `json:"customer_email,omitempty"`
	Subscription    *SubscriptionRequest `json:"subscription,omitempty"`
}

// ToInput converts the request to service input. Field rules are enforced
// by CreateOrderInput.Validate.
func (r *CreateOrderRequest) ToInput() CreateOrderInput {
	items := make([]OrderItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Image:     it.Image,
		}
	}

	in := CreateOrderInput{
		Items: items,
		Shipping: Address{
			Address:    r.ShippingAddress.Address,
			City:       r.ShippingAddress.City,
			PostalCode: r.ShippingAddress.PostalCode,
			Country:    r.ShippingAddress.Country,
		},
		PaymentMethod:   PaymentMethod(r.PaymentMethod),
		PaymentMethodID: r.PaymentMethodID,
		ItemsPrice:      r.ItemsPrice,
		TaxPrice:        r.TaxPrice,
		ShippingPrice:   r.ShippingPrice,
		TotalPrice:      r.TotalPrice,
		Currency:        r.Currency,
		CustomerEmail:   r.CustomerEmail,
	}
	if s := r.Subscription; s != nil {
		in.Subscription = &SubscriptionInput{
			Type:               s.Type,
			Name:               s.Name,
			Recurrence:         Recurrence(s.Recurrence),
			BillingCycle:       s.BillingCycle,
			TotalBillingCycles: s.TotalBillingCycles,
		}
	}
	return in
}

// ListOrdersQuery represents filters for listing orders.
type ListOrdersQuery struct {
	Status         string `form:"status"`
	IsSubscription *bool  `form:"is_subscription"`
	AnchorOrderID  string `form:"anchor_order_id"`
	UserID         string `form:"user_id"`
}

// UpdateStatusRequest moves an order to a new status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// UpdateTrackingRequest sets courier details.
type UpdateTrackingRequest struct {
	Courier           string     `json:"courier" binding:"required"`
	TrackingNumber    string     `json:"tracking_number" binding:"required"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	URL               string     `json:"url,omitempty"`
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PauseRequest optionally schedules automatic resumption.
type PauseRequest struct {
	ResumesAt *time.Time `json:"resumes_at,omitempty"`
}

// OrderResponse represents an order in API responses.
type OrderResponse struct {
	ID                  uuid.UUID            `json:"id"`
	OrderNo             string               `json:"order_no"`
	UserID              uuid.UUID            `json:"user_id"`
	Items               []OrderItem          `json:"items"`
	ShippingAddress     Address              `json:"shipping_address"`
	PaymentMethod       PaymentMethod        `json:"payment_method"`
	ItemsPrice          int64                `json:"items_price"`
	TaxPrice            int64                `json:"tax_price"`
	ShippingPrice       int64                `json:"shipping_price"`
	TotalPrice          int64                `json:"total_price"`
	Currency            string               `json:"currency"`
	Status              OrderStatus          `json:"status"`
	StatusHistory       []StatusHistoryEntry `json:"status_history"`
	IsPaid              bool                 `json:"is_paid"`
	PaidAt              *time.Time           `json:"paid_at,omitempty"`
	IsDelivered         bool                 `json:"is_delivered"`
	DeliveredAt         *time.Time           `json:"delivered_at,omitempty"`
	PaymentResult       *PaymentResult       `json:"payment_result,omitempty"`
	PaymentIntentStatus string               `json:"payment_intent_status,omitempty"`
	Tracking            *Tracking            `json:"tracking,omitempty"`
	CancelledAt         *time.Time           `json:"cancelled_at,omitempty"`
	CancellationReason  string               `json:"cancellation_reason,omitempty"`
	Subscription        *SubscriptionView    `json:"subscription,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// SubscriptionView is the recurring part of an order response.
type SubscriptionView struct {
	Type                string                `json:"type"`
	Name                string                `json:"name"`
	Recurrence          Recurrence            `json:"recurrence"`
	BillingCycle        int                   `json:"billing_cycle"`
	TotalBillingCycles  *int                  `json:"total_billing_cycles,omitempty"`
	CurrentBillingCycle int                   `json:"current_billing_cycle"`
	Status              SubscriptionStatus    `json:"status,omitempty"`
	NextBillingDate     *time.Time            `json:"next_billing_date,omitempty"`
	AnchorOrderID       *uuid.UUID            `json:"anchor_order_id,omitempty"`
	PaymentHistory      []PaymentHistoryEntry `json:"payment_history,omitempty"`
}

// ToResponse converts an Order to OrderResponse.
func (o *Order) ToResponse() *OrderResponse {
	resp := &OrderResponse{
		ID:                  o.ID,
		OrderNo:             o.OrderNo,
		UserID:              o.UserID,
		Items:               o.Items,
		ShippingAddress:     o.Shipping,
		PaymentMethod:       o.PaymentMethod,
		ItemsPrice:          o.ItemsPrice,
		TaxPrice:            o.TaxPrice,
		ShippingPrice:       o.ShippingPrice,
		TotalPrice:          o.TotalPrice,
		Currency:            o.Currency,
		Status:              o.Status,
		StatusHistory:       o.StatusHistory,
		IsPaid:              o.IsPaid,
		PaidAt:              o.PaidAt,
		IsDelivered:         o.IsDelivered,
		DeliveredAt:         o.DeliveredAt,
		PaymentResult:       o.PaymentResult,
		PaymentIntentStatus: o.PaymentIntentStatus,
		Tracking:            o.Tracking,
		CancelledAt:         o.CancelledAt,
		CancellationReason:  o.CancellationReason,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
	if o.IsSubscription {
		resp.Subscription = &SubscriptionView{
			Type:                o.SubscriptionType,
			Name:                o.SubscriptionName,
			Recurrence:          o.Recurrence,
			BillingCycle:        o.BillingCycle,
			TotalBillingCycles:  o.TotalBillingCycles,
			CurrentBillingCycle: o.CurrentBillingCycle,
			Status:              o.SubscriptionStatus,
			NextBillingDate:     o.NextBillingDate,
			AnchorOrderID:       o.AnchorOrderID,
			PaymentHistory:      o.PaymentHistory,
		}
	}
	return resp
}

// CheckoutResponse is returned by order creation.
type CheckoutResponse struct {
	Order          *OrderResponse `json:"order"`
	ClientSecret   string         `json:"client_secret,omitempty"`
	RequiresAction bool           `json:"requires_action"`
}

// OrderListResponse represents a paginated list of orders.
type OrderListResponse struct {
	Orders []*OrderResponse `json:"orders"`
	pagination.PageInfo
}

// TrackingResponse is the customer-facing progress of an order.
type TrackingResponse struct {
	OrderID  uuid.UUID    `json:"order_id"`
	OrderNo  string       `json:"order_no"`
	View     TrackingView `json:"tracking_view"`
	Tracking *Tracking    `json:"tracking,omitempty"`
}
