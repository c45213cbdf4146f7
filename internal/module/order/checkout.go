package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/events"
)

// CreateOrderInput is a validated checkout request.
type CreateOrderInput struct {
	Items         []OrderItem
	Shipping      Address
	PaymentMethod PaymentMethod
	// PaymentMethodID is a gateway payment method id or token. Required for
	// card payments.
	PaymentMethodID string

	ItemsPrice    int64
	TaxPrice      int64
	ShippingPrice int64
	TotalPrice    int64
	Currency      string

	CustomerEmail string

	// Subscription makes the order recurring when set.
	Subscription *SubscriptionInput
}

// SubscriptionInput describes the recurring part of a checkout.
type SubscriptionInput struct {
	Type               string
	Name               string
	Recurrence         Recurrence
	BillingCycle       int
	TotalBillingCycles *int
}

// Validate checks the request before anything is persisted.
func (in *CreateOrderInput) Validate() error {
	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	var itemsTotal int64
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case strings.TrimSpace(item.ProductID) == "":
			return invalid(field+".product_id", "is required")
		case strings.TrimSpace(item.Name) == "":
			return invalid(field+".name", "is required")
		case item.Price <= 0:
			return invalid(field+".price", "must be greater than zero")
		case item.Quantity <= 0:
			return invalid(field+".quantity", "must be greater than zero")
		}
		itemsTotal += item.Subtotal()
	}

	switch {
	case strings.TrimSpace(in.Shipping.Address) == "":
		return invalid("shipping_address.address", "is required")
	case strings.TrimSpace(in.Shipping.City) == "":
		return invalid("shipping_address.city", "is required")
	case strings.TrimSpace(in.Shipping.PostalCode) == "":
		return invalid("shipping_address.postal_code", "is required")
	}

	if !in.PaymentMethod.IsValid() {
		return invalid("payment_method", "must be one of %q, %q", PaymentMethodCard, PaymentMethodCashOnDelivery)
	}

	if in.TotalPrice <= 0 {
		return invalid("total_price", "must be greater than zero")
	}
	if in.TaxPrice < 0 || in.ShippingPrice < 0 {
		return invalid("price", "tax and shipping must not be negative")
	}
	if in.ItemsPrice != itemsTotal {
		return invalid("items_price", "expected %d, got %d", itemsTotal, in.ItemsPrice)
	}
	if in.TotalPrice != in.ItemsPrice+in.TaxPrice+in.ShippingPrice {
		return invalid("total_price", "does not match items, tax and shipping")
	}

	if in.PaymentMethod == PaymentMethodCard && strings.TrimSpace(in.PaymentMethodID) == "" {
		return invalid("payment_method_id", "is required for card payments")
	}

	if sub := in.Subscription; sub != nil {
		switch {
		case in.PaymentMethod != PaymentMethodCard:
			return invalid("payment_method", "subscriptions require card payment")
		case strings.TrimSpace(sub.Type) == "":
			return invalid("subscription.type", "is required")
		case strings.TrimSpace(sub.Name) == "":
			return invalid("subscription.name", "is required")
		case !sub.Recurrence.IsValid():
			return invalid("subscription.recurrence", "must be weekly, biweekly, monthly or quarterly")
		case sub.BillingCycle < 1:
			return invalid("subscription.billing_cycle", "must be at least 1")
		case sub.TotalBillingCycles != nil && *sub.TotalBillingCycles < 1:
			return invalid("subscription.total_billing_cycles", "must be at least 1")
		case strings.TrimSpace(in.CustomerEmail) == "":
			return invalid("customer_email", "is required for subscriptions")
		}
	}
	return nil
}

// Interval maps a recurrence and interval multiplier to a gateway billing
// interval.
func (r Recurrence) Interval(billingCycle int) provider.Interval {
	if billingCycle < 1 {
		billingCycle = 1
	}
	n := int64(billingCycle)
	switch r {
	case RecurrenceWeekly:
		return provider.Interval{Unit: provider.IntervalWeek, Count: n}
	case RecurrenceBiweekly:
		return provider.Interval{Unit: provider.IntervalWeek, Count: 2 * n}
	case RecurrenceQuarterly:
		return provider.Interval{Unit: provider.IntervalMonth, Count: 3 * n}
	default:
		return provider.Interval{Unit: provider.IntervalMonth, Count: n}
	}
}

// CheckoutResult is the outcome of CreateOrder.
type CheckoutResult struct {
	Order *Order
	// ClientSecret is set when the customer must complete an authentication
	// step before the payment can succeed.
	ClientSecret   string
	RequiresAction bool
}

// CreateOrder validates the request, persists the order as Pending and then
// authorizes payment with the gateway.
//
// A validation failure returns a *ValidationError and creates nothing. A
// gateway failure returns the persisted order in Payment_Failed together
// with a *PaymentError.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, in CreateOrderInput) (*CheckoutResult, error) {
	if actor.Kind != ActorCustomer || actor.UserID == uuid.Nil {
		return nil, ErrForbidden
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = actor.Email
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.PaymentMethod == PaymentMethodCard && s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	o := s.newOrder(actor, in)
	Transition(o, OrderStatusPending, "order placed", actor)
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.publish(events.OrderCreatedType, o, "", "")

	s.logger.Info("order created",
		zap.String("order_id", o.ID.String()),
		zap.String("order_no", o.OrderNo),
		zap.String("payment_method", string(o.PaymentMethod)),
		zap.Bool("subscription", o.IsSubscription),
		zap.Int64("total", o.TotalPrice),
	)

	var (
		result *CheckoutResult
		err    error
	)
	switch {
	case o.IsCashOnDelivery():
		result = &CheckoutResult{Order: o}
	case o.IsSubscription:
		result, err = s.startSubscription(ctx, o, in.PaymentMethodID)
	default:
		result, err = s.authorizePayment(ctx, o, in.PaymentMethodID)
	}

	if result != nil {
		s.metrics.RecordOrderCreated(orderKind(result.Order), string(result.Order.Status))
	}
	return result, err
}

func (s *Service) newOrder(actor Actor, in CreateOrderInput) *Order {
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.config.Currency
	}

	items := make([]OrderItem, len(in.Items))
	copy(items, in.Items)

	o := &Order{
		ID:            uuid.New(),
		OrderNo:       generateOrderNo(),
		UserID:        actor.UserID,
		CustomerEmail: in.CustomerEmail,
		Items:         items,
		Shipping:      in.Shipping,
		PaymentMethod: in.PaymentMethod,
		ItemsPrice:    in.ItemsPrice,
		TaxPrice:      in.TaxPrice,
		ShippingPrice: in.ShippingPrice,
		TotalPrice:    in.TotalPrice,
		Currency:      currency,
		Version:       1,
	}

	if sub := in.Subscription; sub != nil {
		o.IsSubscription = true
		o.SubscriptionType = sub.Type
		o.SubscriptionName = sub.Name
		o.SubscriptionPrice = in.TotalPrice
		o.Recurrence = sub.Recurrence
		o.BillingCycle = sub.BillingCycle
		o.TotalBillingCycles = sub.TotalBillingCycles
	}
	return o
}

// authorizePayment charges a one-time card order.
func (s *Service) authorizePayment(ctx context.Context, o *Order, paymentMethodID string) (*CheckoutResult, error) {
	pi, err := s.gateway.CreateAndConfirmPaymentIntent(ctx, o.TotalPrice, o.Currency, paymentMethodID, correlation(o))
	if err != nil {
		return s.failCheckout(ctx, o, err)
	}

	var confirmed, failed bool
	o, err = s.apply(ctx, o, func(o *Order) error {
		confirmed, failed = false, false
		o.PaymentIntentID = pi.ID
		o.PaymentIntentStatus = string(pi.Status)
		o.PaymentIntentClientSecret = pi.ClientSecret

		switch pi.Status {
		case provider.PaymentIntentSucceeded:
			confirmed = confirmIntent(o, pi, GatewayActor)
		case provider.PaymentIntentRequiresAction, provider.PaymentIntentProcessing:
			// Awaiting the customer or the network; the webhook settles it.
		default:
			if !o.IsPaid && o.Status == OrderStatusPending {
				o.GatewayError = pi.LastError
				Transition(o, OrderStatusPaymentFailed, fmt.Sprintf("payment %s", pi.Status), GatewayActor)
				failed = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CheckoutResult{Order: o}
	switch {
	case confirmed:
		s.metrics.RecordTransition(string(OrderStatusPaymentConfirmed), string(ActorGateway))
		s.publish(events.OrderPaymentConfirmedType, o, OrderStatusPending, "")
	case failed:
		s.metrics.RecordTransition(string(OrderStatusPaymentFailed), string(ActorGateway))
		perr := intentFailure(pi)
		s.publish(events.OrderPaymentFailedType, o, OrderStatusPending, perr.UserMessage)
		return result, perr
	case pi.Status == provider.PaymentIntentRequiresAction:
		result.ClientSecret = pi.ClientSecret
		result.RequiresAction = true
	}
	return result, nil
}

// startSubscription sets up the gateway customer, price and subscription
// for an anchor order.
func (s *Service) startSubscription(ctx context.Context, o *Order, paymentMethodID string) (*CheckoutResult, error) {
	customer, err := s.gateway.CreateOrGetCustomer(ctx, o.CustomerEmail)
	if err != nil {
		return s.failCheckout(ctx, o, err)
	}
	if err := s.gateway.AttachPaymentMethod(ctx, customer.ID, paymentMethodID); err != nil {
		return s.failCheckout(ctx, o, err)
	}

	interval := o.Recurrence.Interval(o.BillingCycle)
	price, err := s.gateway.CreateRecurringPrice(ctx, provider.PriceInput{
		Amount:      o.TotalPrice,
		Currency:    o.Currency,
		Interval:    interval,
		ProductName: o.SubscriptionName,
		ProductMetadata: map[string]string{
			"subscription_type": o.SubscriptionType,
			"order_id":          o.ID.String(),
		},
	})
	if err != nil {
		return s.failCheckout(ctx, o, err)
	}

	start := now()
	in := provider.SubscriptionInput{
		CustomerID:      customer.ID,
		PriceID:         price.ID,
		PaymentMethodID: paymentMethodID,
		Metadata:        correlation(o),
	}
	if o.TotalBillingCycles != nil {
		cancelAt := interval.AddTo(start, *o.TotalBillingCycles)
		in.CancelAt = &cancelAt
	}

	sub, err := s.gateway.CreateSubscription(ctx, in)
	if err != nil {
		return s.failCheckout(ctx, o, err)
	}

	inv := sub.LatestInvoice
	if inv == nil {
		inv = &provider.Invoice{SubscriptionID: sub.ID}
	}
	declined := !sub.Status.IsLive() && !awaitingAction(sub, inv)

	var confirmed bool
	o, err = s.apply(ctx, o, func(o *Order) error {
		confirmed = false
		o.GatewayCustomerID = customer.ID
		o.GatewayPriceID = price.ID
		o.GatewaySubscriptionID = sub.ID
		o.PaymentIntentID = inv.PaymentIntentID
		o.PaymentIntentStatus = string(inv.PaymentIntentStatus)

		switch {
		case sub.Status.IsLive():
			confirmed = activateSubscription(o, inv, sub, start)
		case !declined:
			if o.SubscriptionStatus == SubscriptionStatusNone {
				o.SubscriptionStatus = SubscriptionStatusIncomplete
			}
		default:
			if o.IsPaid || o.Status != OrderStatusPending {
				return errNoChange
			}
			o.SubscriptionStatus = SubscriptionStatusPaymentFailed
			Transition(o, OrderStatusPaymentFailed, fmt.Sprintf("subscription %s", sub.Status), GatewayActor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CheckoutResult{Order: o}
	switch {
	case confirmed:
		s.metrics.RecordTransition(string(OrderStatusPaymentConfirmed), string(ActorGateway))
		s.publish(events.OrderPaymentConfirmedType, o, OrderStatusPending, "")
	case declined:
		perr := s.subscriptionFailure(ctx, inv)
		s.abandonSubscription(ctx, o)
		s.metrics.RecordTransition(string(OrderStatusPaymentFailed), string(ActorGateway))
		s.publish(events.OrderPaymentFailedType, o, OrderStatusPending, perr.UserMessage)
		return result, perr
	case o.SubscriptionStatus == SubscriptionStatusIncomplete:
		result.ClientSecret = inv.ClientSecret
		result.RequiresAction = true
	}
	return result, nil
}

// failCheckout records a gateway error on the order and converts it into
// a customer-safe error. The order is never dropped.
func (s *Service) failCheckout(ctx context.Context, o *Order, gwErr error) (*CheckoutResult, error) {
	perr := newPaymentError(gwErr)
	detail, ok := provider.AsError(gwErr)
	if !ok {
		detail = &provider.Error{Kind: provider.ErrorKindOther, Message: gwErr.Error()}
	}

	s.logger.Warn("payment authorization failed",
		zap.String("order_id", o.ID.String()),
		zap.String("kind", string(perr.Kind)),
		zap.String("code", perr.Code),
		zap.String("decline_code", perr.DeclineCode),
		zap.Error(gwErr),
	)

	var failed bool
	saved, err := s.apply(ctx, o, func(o *Order) error {
		failed = false
		if o.IsPaid || o.Status != OrderStatusPending {
			return errNoChange
		}
		o.GatewayError = detail
		if o.IsSubscription && o.SubscriptionStatus.CanTransitionTo(SubscriptionStatusPaymentFailed) {
			o.SubscriptionStatus = SubscriptionStatusPaymentFailed
		}
		Transition(o, OrderStatusPaymentFailed, perr.UserMessage, GatewayActor)
		failed = true
		return nil
	})
	if err != nil {
		// The order stays Pending; the failure is still reported.
		s.logger.Error("failed to record payment failure",
			zap.String("order_id", o.ID.String()),
			zap.Error(err),
		)
		return &CheckoutResult{Order: o}, perr
	}

	if failed {
		s.metrics.RecordTransition(string(OrderStatusPaymentFailed), string(ActorGateway))
		s.publish(events.OrderPaymentFailedType, saved, OrderStatusPending, perr.UserMessage)
	}
	return &CheckoutResult{Order: saved}, perr
}

// subscriptionFailure builds the checkout error for a declined first
// invoice, using the payment intent's last error when it can be fetched.
func (s *Service) subscriptionFailure(ctx context.Context, inv *provider.Invoice) *PaymentError {
	if inv.PaymentIntentID != "" {
		pi, err := s.gateway.RetrievePaymentIntent(ctx, inv.PaymentIntentID)
		if err == nil {
			return intentFailure(pi)
		}
		s.logger.Debug("could not fetch declined payment intent", zap.Error(err))
	}
	return newPaymentError(&provider.Error{Kind: provider.ErrorKindDecline, Code: "card_declined"})
}

// abandonSubscription cancels the gateway subscription of a failed
// checkout. Failures are logged; the gateway expires it anyway.
func (s *Service) abandonSubscription(ctx context.Context, o *Order) {
	if _, err := s.gateway.CancelSubscription(ctx, o.GatewaySubscriptionID); err != nil && !provider.IsResourceMissing(err) {
		s.logger.Warn("failed to cancel abandoned subscription",
			zap.String("order_id", o.ID.String()),
			zap.String("subscription_id", o.GatewaySubscriptionID),
			zap.Error(err),
		)
	}
}

// confirmIntent applies a succeeded payment intent. It returns true when
// the order moved to Payment_Confirmed.
func confirmIntent(o *Order, pi *provider.PaymentIntent, actor Actor) bool {
	if !MarkPaid(o, &PaymentResult{
		ID:          pi.ID,
		Status:      string(pi.Status),
		Amount:      pi.Amount,
		Currency:    pi.Currency,
		Method:      string(o.PaymentMethod),
		ChargeID:    pi.ChargeID,
		UpdatedTime: now(),
	}) {
		return false
	}
	o.PaymentIntentStatus = string(pi.Status)
	o.GatewayError = nil
	if o.Status == OrderStatusPending || o.Status == OrderStatusPaymentFailed {
		Transition(o, OrderStatusPaymentConfirmed, "payment succeeded", actor)
		return true
	}
	return false
}

// activateSubscription records the first paid invoice on an anchor. It
// returns true when the order moved to Payment_Confirmed.
func activateSubscription(o *Order, inv *provider.Invoice, sub *provider.Subscription, start time.Time) bool {
	if o.HasPaidInvoice(inv.ID) && o.SubscriptionStatus == SubscriptionStatusActive {
		return false
	}

	paidAt := now()
	if !o.HasPaidInvoice(inv.ID) {
		o.PaymentHistory = append(o.PaymentHistory, newPaymentEntry(o, inv, 1, PaymentStatusSucceeded, paidAt))
	}
	if o.CurrentBillingCycle < 1 {
		o.CurrentBillingCycle = 1
	}
	if o.SubscriptionStatus.CanTransitionTo(SubscriptionStatusActive) {
		o.SubscriptionStatus = SubscriptionStatusActive
	}

	next := o.Recurrence.Interval(o.BillingCycle).AddTo(start, 1)
	if sub != nil && !sub.CurrentPeriodEnd.IsZero() {
		next = sub.CurrentPeriodEnd.UTC()
	}
	o.NextBillingDate = &next

	MarkPaid(o, &PaymentResult{
		ID:          firstNonEmpty(inv.PaymentIntentID, inv.ID),
		Status:      string(provider.PaymentIntentSucceeded),
		Amount:      amountPaid(o, inv),
		Currency:    o.Currency,
		Method:      string(o.PaymentMethod),
		ChargeID:    inv.ChargeID,
		InvoiceID:   inv.ID,
		UpdatedTime: paidAt,
	})
	o.GatewayError = nil

	if o.Status == OrderStatusPending || o.Status == OrderStatusPaymentFailed {
		Transition(o, OrderStatusPaymentConfirmed, "first subscription payment succeeded", GatewayActor)
		return true
	}
	return false
}

func newPaymentEntry(o *Order, inv *provider.Invoice, cycle int, status PaymentStatus, at time.Time) PaymentHistoryEntry {
	entry := PaymentHistoryEntry{
		ID:                     uuid.New(),
		OrderID:                o.ID,
		Amount:                 amountPaid(o, inv),
		Currency:               o.Currency,
		Status:                 status,
		BillingCycle:           cycle,
		GatewayInvoiceID:       inv.ID,
		GatewayPaymentIntentID: inv.PaymentIntentID,
		CreatedAt:              at,
	}
	if status == PaymentStatusSucceeded {
		entry.PaidAt = &at
	}
	if inv.BillingReason != "" {
		entry.Metadata = map[string]string{"billing_reason": inv.BillingReason}
	}
	return entry
}

func amountPaid(o *Order, inv *provider.Invoice) int64 {
	if inv.AmountPaid > 0 {
		return inv.AmountPaid
	}
	if inv.AmountDue > 0 {
		return inv.AmountDue
	}
	return o.TotalPrice
}

func awaitingAction(sub *provider.Subscription, inv *provider.Invoice) bool {
	if sub.Status != provider.SubscriptionStateIncomplete {
		return false
	}
	switch inv.PaymentIntentStatus {
	case provider.PaymentIntentRequiresAction, provider.PaymentIntentRequiresConfirmation, provider.PaymentIntentProcessing:
		return true
	}
	return false
}

// intentFailure converts the last error of a failed payment intent.
func intentFailure(pi *provider.PaymentIntent) *PaymentError {
	if pi.LastError != nil {
		return newPaymentError(pi.LastError)
	}
	return newPaymentError(&provider.Error{
		Kind:    provider.ErrorKindOther,
		Message: fmt.Sprintf("payment intent %s", pi.Status),
	})
}

func correlation(o *Order) map[string]string {
	return map[string]string{
		"order_id": o.ID.String(),
		"order_no": o.OrderNo,
	}
}

func orderKind(o *Order) string {
	switch {
	case o.IsSubscription:
		return "subscription"
	case o.IsCashOnDelivery():
		return "cash_on_delivery"
	default:
		return "one_time"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
