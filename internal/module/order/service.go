package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/events"
	"github.com/storefront/server/internal/utils/metrics"
	"github.com/storefront/server/internal/utils/pagination"
	"github.com/storefront/server/internal/utils/random"
)

// errNoChange tells apply that the order is already in the desired state.
var errNoChange = errors.New("no change")

// Config holds order service settings.
type Config struct {
	// Currency is used when a checkout request names none.
	Currency string
}

// Service implements order operations.
type Service struct {
	repo    Repository
	gateway provider.Gateway
	bus     *events.Bus
	metrics *metrics.Metrics
	config  Config
	logger  *zap.Logger
}

// NewService creates a new order service. gateway may be nil, in which case
// only cash-on-delivery checkout is available.
func NewService(
	repo Repository,
	gateway provider.Gateway,
	bus *events.Bus,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		bus:     bus,
		metrics: m,
		config:  cfg,
		logger:  logger,
	}
}

// GetOrder returns an order the actor may see.
func (s *Service) GetOrder(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	o, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(o) {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListOrders returns orders matching filter. Customers only see their own.
func (s *Service) ListOrders(ctx context.Context, actor Actor, filter *Filter, p *pagination.Pagination) ([]*Order, int64, error) {
	if filter == nil {
		filter = &Filter{}
	}
	if !actor.IsAdmin() {
		if actor.UserID == uuid.Nil {
			return nil, 0, ErrForbidden
		}
		filter.UserID = &actor.UserID
	}
	return s.repo.List(ctx, filter, p)
}

// TrackingInfo combines the derived progress view with courier details.
type TrackingInfo struct {
	OrderID  uuid.UUID
	OrderNo  string
	View     TrackingView
	Tracking *Tracking
}

// GetTracking returns the progress of an order.
func (s *Service) GetTracking(ctx context.Context, actor Actor, id uuid.UUID) (*TrackingInfo, error) {
	o, err := s.GetOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return &TrackingInfo{
		OrderID:  o.ID,
		OrderNo:  o.OrderNo,
		View:     GetTrackingStage(o.Status),
		Tracking: o.Tracking,
	}, nil
}

// UpdateStatus moves an order to a new status on behalf of an operator.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id uuid.UUID, status, note string) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	target, err := ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	if target == OrderStatusCancelled {
		return s.CancelOrder(ctx, actor, id, note)
	}

	var previous OrderStatus
	o, err := s.mutate(ctx, id, func(o *Order) error {
		previous = ""
		if o.Status == target {
			return errNoChange
		}
		if !CanTransition(o.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
		}
		previous = o.Status
		Transition(o, target, note, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != "" {
		s.metrics.RecordTransition(string(target), string(actor.Kind))
		s.publish(events.OrderStatusChangedType, o, previous, note)
		s.logger.Info("order status updated",
			zap.String("order_id", o.ID.String()),
			zap.String("from", string(previous)),
			zap.String("to", string(target)),
			zap.String("actor", actor.String()),
		)
	}
	return o, nil
}

// UpdateTracking sets courier details on an order.
func (s *Service) UpdateTracking(ctx context.Context, actor Actor, id uuid.UUID, tracking Tracking) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	tracking.Courier = strings.TrimSpace(tracking.Courier)
	tracking.TrackingNumber = strings.TrimSpace(tracking.TrackingNumber)
	if tracking.Courier == "" {
		return nil, invalid("courier", "is required")
	}
	if tracking.TrackingNumber == "" {
		return nil, invalid("tracking_number", "is required")
	}

	return s.mutate(ctx, id, func(o *Order) error {
		t := tracking
		o.Tracking = &t
		return nil
	})
}

// CancelOrder cancels an order that has not reached the courier.
//
// A pending card authorization is released at the gateway first, and a
// subscription anchor also cancels its gateway subscription. Gateway
// objects that no longer exist are ignored.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Order, error) {
	o, err := s.GetOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !o.IsCancellable() {
		return nil, ErrNotCancellable
	}

	if err := s.releaseGatewayObjects(ctx, o); err != nil {
		return nil, err
	}

	var previous OrderStatus
	o, err = s.apply(ctx, o, func(o *Order) error {
		previous = ""
		if o.Status == OrderStatusCancelled {
			return errNoChange
		}
		if !o.IsCancellable() {
			return ErrNotCancellable
		}
		previous = o.Status
		if o.IsAnchor() && o.SubscriptionStatus.CanTransitionTo(SubscriptionStatusCancelled) {
			o.SubscriptionStatus = SubscriptionStatusCancelled
		}
		Transition(o, OrderStatusCancelled, reason, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if previous == "" {
		return o, nil
	}

	s.metrics.RecordTransition(string(OrderStatusCancelled), string(actor.Kind))
	s.publish(events.OrderCancelledType, o, previous, reason)
	s.logger.Info("order cancelled",
		zap.String("order_id", o.ID.String()),
		zap.String("actor", actor.String()),
		zap.String("reason", reason),
	)
	return o, nil
}

func (s *Service) releaseGatewayObjects(ctx context.Context, o *Order) error {
	if s.gateway == nil {
		return nil
	}
	if !o.IsPaid && o.PaymentIntentID != "" && !o.IsSubscription {
		if err := s.gateway.CancelPaymentIntent(ctx, o.PaymentIntentID); err != nil {
			return fmt.Errorf("cancel payment intent: %w", err)
		}
	}
	if o.IsAnchor() && o.GatewaySubscriptionID != "" && !o.SubscriptionStatus.IsFinal() {
		if _, err := s.gateway.CancelSubscription(ctx, o.GatewaySubscriptionID); err != nil && !provider.IsResourceMissing(err) {
			return fmt.Errorf("cancel subscription: %w", err)
		}
	}
	return nil
}

// DeleteOrder removes an order in a deletable terminal status.
func (s *Service) DeleteOrder(ctx context.Context, actor Actor, id uuid.UUID) error {
	for attempt := 0; ; attempt++ {
		o, err := s.GetOrder(ctx, actor, id)
		if err != nil {
			return err
		}
		if !o.IsDeletable() {
			return ErrNotDeletable
		}
		if o.IsAnchor() && o.GatewaySubscriptionID != "" && !o.SubscriptionStatus.IsFinal() {
			return fmt.Errorf("%w: subscription is still %s", ErrNotDeletable, o.SubscriptionStatus)
		}

		err = s.repo.Delete(ctx, o)
		if err == nil {
			s.logger.Info("order deleted",
				zap.String("order_id", o.ID.String()),
				zap.String("actor", actor.String()),
			)
			return nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) || attempt > 0 {
			return err
		}
		s.metrics.RecordConflict()
	}
}

// PauseSubscription pauses billing. The order status is left untouched.
func (s *Service) PauseSubscription(ctx context.Context, actor Actor, id uuid.UUID, resumesAt *time.Time) (*Order, error) {
	o, err := s.loadAnchor(ctx, actor, id, SubscriptionStatusPaused)
	if err != nil {
		return nil, err
	}

	pause := true
	if _, err := s.gateway.UpdateSubscription(ctx, o.GatewaySubscriptionID, provider.SubscriptionPatch{
		PauseCollection: &pause,
		ResumesAt:       resumesAt,
	}); err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}

	return s.setSubscriptionStatus(ctx, o, actor, SubscriptionStatusPaused, nil)
}

// ResumeSubscription resumes a paused subscription.
func (s *Service) ResumeSubscription(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	o, err := s.loadAnchor(ctx, actor, id, SubscriptionStatusActive)
	if err != nil {
		return nil, err
	}

	pause := false
	sub, err := s.gateway.UpdateSubscription(ctx, o.GatewaySubscriptionID, provider.SubscriptionPatch{
		PauseCollection: &pause,
	})
	if err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}

	var next *time.Time
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd.UTC()
		next = &t
	}
	return s.setSubscriptionStatus(ctx, o, actor, SubscriptionStatusActive, next)
}

// CancelSubscription stops a subscription at the gateway and cancels the
// anchor order if it has not reached the courier.
func (s *Service) CancelSubscription(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Order, error) {
	o, err := s.loadAnchor(ctx, actor, id, SubscriptionStatusCancelled)
	if err != nil {
		return nil, err
	}

	if _, err := s.gateway.CancelSubscription(ctx, o.GatewaySubscriptionID); err != nil && !provider.IsResourceMissing(err) {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	var (
		applied  bool
		previous OrderStatus
	)
	o, err = s.apply(ctx, o, func(o *Order) error {
		applied = false
		if o.SubscriptionStatus.IsFinal() {
			return errNoChange
		}
		o.SubscriptionStatus = SubscriptionStatusCancelled
		previous = o.Status
		if o.IsCancellable() {
			Transition(o, OrderStatusCancelled, reason, actor)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return o, nil
	}

	s.publish(events.SubscriptionChangedType, o, previous, reason)
	if o.Status == OrderStatusCancelled && previous != OrderStatusCancelled {
		s.publish(events.OrderCancelledType, o, previous, reason)
	}
	return o, nil
}

func (s *Service) loadAnchor(ctx context.Context, actor Actor, id uuid.UUID, next SubscriptionStatus) (*Order, error) {
	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}
	o, err := s.GetOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !o.IsAnchor() || o.GatewaySubscriptionID == "" {
		return nil, ErrNotSubscription
	}
	if !o.SubscriptionStatus.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSubscriptionState, o.SubscriptionStatus, next)
	}
	return o, nil
}

func (s *Service) setSubscriptionStatus(ctx context.Context, o *Order, actor Actor, next SubscriptionStatus, nextBilling *time.Time) (*Order, error) {
	applied := false
	o, err := s.apply(ctx, o, func(o *Order) error {
		applied = false
		if o.SubscriptionStatus == next {
			return errNoChange
		}
		if !o.SubscriptionStatus.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrSubscriptionState, o.SubscriptionStatus, next)
		}
		o.SubscriptionStatus = next
		if nextBilling != nil {
			o.NextBillingDate = nextBilling
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return o, nil
	}

	s.publish(events.SubscriptionChangedType, o, "", "")
	s.logger.Info("subscription status updated",
		zap.String("order_id", o.ID.String()),
		zap.String("subscription_status", string(next)),
		zap.String("actor", actor.String()),
	)
	return o, nil
}

// mutate loads an order by id and applies fn with a version-checked write.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(*Order) error) (*Order, error) {
	o, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, o, fn)
}

// apply runs fn against o and writes the result. fn decides from the state
// it is given and may run twice: when the write loses a version race the
// order is re-read and fn is applied again. A second conflict is returned
// as ErrConcurrentUpdate. fn returns errNoChange to skip the write.
func (s *Service) apply(ctx context.Context, o *Order, fn func(*Order) error) (*Order, error) {
	for attempt := 0; ; attempt++ {
		if err := fn(o); err != nil {
			if errors.Is(err, errNoChange) {
				return o, nil
			}
			return nil, err
		}

		err := s.repo.Update(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, fmt.Errorf("update order: %w", err)
		}

		s.metrics.RecordConflict()
		if attempt > 0 {
			return nil, err
		}
		s.logger.Debug("order modified concurrently, retrying",
			zap.String("order_id", o.ID.String()),
		)
		if o, err = s.repo.FindByID(ctx, o.ID); err != nil {
			return nil, err
		}
	}
}

func (s *Service) publish(eventType string, o *Order, previous OrderStatus, reason string) {
	e := events.NewOrderEvent(eventType, o.ID)
	e.OrderNo = o.OrderNo
	e.UserID = o.UserID
	e.CustomerEmail = o.CustomerEmail
	e.Status = string(o.Status)
	e.PreviousStatus = string(previous)
	e.SubscriptionStatus = string(o.SubscriptionStatus)
	e.Amount = o.TotalPrice
	e.Currency = o.Currency
	e.BillingCycle = o.CurrentBillingCycle
	e.AnchorOrderID = o.AnchorOrderID
	e.Reason = reason
	s.bus.Publish(e)
}

func generateOrderNo() string {
	return fmt.Sprintf("ORD-%s-%s", now().Format("20060102"), random.UpperAlphaNum(5))
}
