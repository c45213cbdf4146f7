package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/order"
	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/utils/metrics"
)

// SubscriptionSource is the order side of the subscription sync.
type SubscriptionSource interface {
	DueSubscriptions(ctx context.Context, t time.Time, limit int) ([]*order.Order, error)
	RecordInvoicePaid(ctx context.Context, inv *provider.Invoice, source string) (order.Outcome, error)
	EndSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error)
	SyncSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error)
}

// SyncConfig configures the subscription syncer.
type SyncConfig struct {
	Interval  time.Duration
	BatchSize int
	// CallTimeout bounds the gateway calls made for one subscription.
	CallTimeout time.Duration
}

// DefaultSyncConfig returns the default sync configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:    15 * time.Minute,
		BatchSize:   100,
		CallTimeout: 30 * time.Second,
	}
}

// SyncReport summarises one sync pass.
type SyncReport struct {
	Checked  int
	Renewed  int
	Ended    int
	Failures int
}

// SubscriptionSyncer polls the gateway for renewals the webhook path may
// have missed. It applies invoices through the same idempotent operation
// as webhooks, so running both is safe.
type SubscriptionSyncer struct {
	orders  SubscriptionSource
	gateway provider.Gateway
	metrics *metrics.Metrics
	config  SyncConfig
	logger  *zap.Logger

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSubscriptionSyncer creates a new syncer.
func NewSubscriptionSyncer(
	orders SubscriptionSource,
	gateway provider.Gateway,
	m *metrics.Metrics,
	cfg SyncConfig,
	logger *zap.Logger,
) *SubscriptionSyncer {
	def := DefaultSyncConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &SubscriptionSyncer{
		orders:  orders,
		gateway: gateway,
		metrics: m,
		config:  cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		stopCh:  make(chan struct{}),
	}
}

// Start runs a pass every interval until ctx is done or Stop is called.
func (s *SubscriptionSyncer) Start(ctx context.Context) {
	s.logger.Info("starting subscription syncer", zap.Duration("interval", s.config.Interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				report, err := s.RunOnce(ctx)
				if err != nil {
					s.logger.Error("subscription sync failed", zap.Error(err))
					continue
				}
				if report.Checked > 0 {
					s.logger.Info("subscription sync finished",
						zap.Int("checked", report.Checked),
						zap.Int("renewed", report.Renewed),
						zap.Int("ended", report.Ended),
						zap.Int("failures", report.Failures),
					)
				}
			}
		}
	}()
}

// Stop stops the syncer and waits for a running pass to finish.
func (s *SubscriptionSyncer) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("subscription syncer stopped")
}

// RunOnce checks every anchor that is due for billing. Failures on one
// subscription are counted and do not stop the pass.
func (s *SubscriptionSyncer) RunOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	anchors, err := s.orders.DueSubscriptions(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return report, err
	}

	for _, anchor := range anchors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if err := s.syncAnchor(ctx, anchor, &report); err != nil {
			report.Failures++
			s.metrics.RecordSyncError()
			s.logger.Warn("failed to sync subscription",
				zap.String("order_id", anchor.ID.String()),
				zap.String("subscription_id", anchor.GatewaySubscriptionID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

func (s *SubscriptionSyncer) syncAnchor(ctx context.Context, anchor *order.Order, report *SyncReport) error {
	if anchor.GatewaySubscriptionID == "" {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	sub, err := s.gateway.RetrieveSubscription(callCtx, anchor.GatewaySubscriptionID)
	if err != nil {
		if !provider.IsResourceMissing(err) {
			return err
		}
		sub = &provider.Subscription{ID: anchor.GatewaySubscriptionID, Status: provider.SubscriptionStateCanceled}
	}

	// Invoices are applied before the end of the subscription so a final
	// cycle billed just before cancellation is still recorded.
	if sub.Status != provider.SubscriptionStateIncompleteExpired {
		invoices, err := s.gateway.ListInvoices(callCtx, anchor.GatewaySubscriptionID)
		if err != nil && !provider.IsResourceMissing(err) {
			return err
		}
		if err := s.applyInvoices(ctx, anchor, invoices, report); err != nil {
			return err
		}
	}

	switch {
	case sub.Status == provider.SubscriptionStateCanceled,
		sub.Status == provider.SubscriptionStateIncompleteExpired:
		outcome, err := s.orders.EndSubscription(ctx, sub)
		if err != nil {
			return err
		}
		if outcome == order.OutcomeApplied {
			report.Ended++
		}
	case sub.Paused:
		if _, err := s.orders.SyncSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubscriptionSyncer) applyInvoices(ctx context.Context, anchor *order.Order, invoices []*provider.Invoice, report *SyncReport) error {
	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].Created.Before(invoices[j].Created)
	})

	for _, inv := range invoices {
		if !inv.Paid || anchor.HasPaidInvoice(inv.ID) {
			continue
		}
		if inv.IsInitial() && anchor.PaymentForCycle(1) != nil {
			continue
		}
		if inv.SubscriptionID == "" {
			inv.SubscriptionID = anchor.GatewaySubscriptionID
		}

		outcome, err := s.orders.RecordInvoicePaid(ctx, inv, order.SourceSync)
		if err != nil {
			if errors.Is(err, order.ErrRenewalExists) {
				continue
			}
			return err
		}
		if outcome == order.OutcomeApplied {
			report.Renewed++
			s.logger.Info("recorded missed subscription invoice",
				zap.String("order_id", anchor.ID.String()),
				zap.String("invoice_id", inv.ID),
			)
		}
	}
	return nil
}
