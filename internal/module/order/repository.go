package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storefront/server/internal/utils/pagination"
)

// Repository defines the interface for order data access.
type Repository interface {
	// Create inserts the order together with its initial history rows.
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// FindByGatewaySubscriptionID returns the anchor order of a subscription.
	FindByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*Order, error)
	List(ctx context.Context, filter *Filter, p *pagination.Pagination) ([]*Order, int64, error)
	// Update writes the order only if its version is unchanged since it was
	// read, then appends any new history rows. A stale version yields
	// ErrConcurrentUpdate.
	Update(ctx context.Context, order *Order) error
	// Delete removes the order if its version is unchanged.
	Delete(ctx context.Context, order *Order) error
	// CreateRenewal inserts a spawned cycle order and updates the anchor in
	// one transaction. A second renewal for the same cycle yields
	// ErrRenewalExists.
	CreateRenewal(ctx context.Context, anchor, spawned *Order) error
	// ListDueSubscriptions returns active anchors billed on or before t and
	// incomplete anchors created at least IncompleteSyncDelay before t.
	ListDueSubscriptions(ctx context.Context, t time.Time, limit int) ([]*Order, error)
}

// IncompleteSyncDelay is how long an anchor may wait for its first invoice
// webhook before the sync job checks the gateway itself.
const IncompleteSyncDelay = 10 * time.Minute

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new order repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Models returns the tables owned by this module, for migration.
func Models() []any {
	return []any{&Order{}, &StatusHistoryEntry{}, &PaymentHistoryEntry{}}
}

func (r *repository) Create(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if order.Version == 0 {
			order.Version = 1
		}
		if err := tx.Omit(clause.Associations).Create(order).Error; err != nil {
			return err
		}
		return appendHistory(tx, order)
	})
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *repository) FindByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*Order, error) {
	return r.findOne(ctx, "gateway_subscription_id = ? AND anchor_order_id IS NULL", subscriptionID)
}

func (r *repository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*Order, error) {
	return r.findOne(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (r *repository) findOne(ctx context.Context, query string, args ...any) (*Order, error) {
	var order Order
	err := withHistory(r.db.WithContext(ctx)).
		Where(query, args...).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) List(ctx context.Context, filter *Filter, p *pagination.Pagination) ([]*Order, int64, error) {
	var orders []*Order
	var total int64

	query := r.db.WithContext(ctx).Model(&Order{})

	// Apply filters
	if filter != nil {
		if filter.UserID != nil {
			query = query.Where("user_id = ?", *filter.UserID)
		}
		if filter.Status != nil {
			query = query.Where("status = ?", *filter.Status)
		}
		if filter.IsSubscription != nil {
			query = query.Where("is_subscription = ?", *filter.IsSubscription)
		}
		if filter.AnchorOrderID != nil {
			query = query.Where("anchor_order_id = ?", *filter.AnchorOrderID)
		}
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := withHistory(query).
		Order("created_at DESC").
		Scopes(pagination.Scope(p)).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

func (r *repository) Update(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateOrder(tx, order)
	})
}

func (r *repository) Delete(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", order.ID, order.Version).Delete(&Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		if err := tx.Where("order_id = ?", order.ID).Delete(&StatusHistoryEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("order_id = ?", order.ID).Delete(&PaymentHistoryEntry{}).Error
	})
}

func (r *repository) CreateRenewal(ctx context.Context, anchor, spawned *Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if spawned.Version == 0 {
			spawned.Version = 1
		}
		// cycle_key is unique; a conflicting insert means this cycle was
		// already recorded by another path.
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(spawned)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRenewalExists
		}
		if err := appendHistory(tx, spawned); err != nil {
			return err
		}
		return updateOrder(tx, anchor)
	})
}

func (r *repository) ListDueSubscriptions(ctx context.Context, t time.Time, limit int) ([]*Order, error) {
	var orders []*Order
	err := withHistory(r.db.WithContext(ctx)).
		Where("is_subscription = ? AND anchor_order_id IS NULL", true).
		Where("gateway_subscription_id <> ''").
		Where(
			r.db.Where("subscription_status = ? AND next_billing_date <= ?", SubscriptionStatusActive, t).
				Or("subscription_status = ? AND created_at <= ?", SubscriptionStatusIncomplete, t.Add(-IncompleteSyncDelay)),
		).
		Order("COALESCE(next_billing_date, created_at) ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// updateOrder performs the version-checked write.
func updateOrder(tx *gorm.DB, order *Order) error {
	expected := order.Version
	order.Version = expected + 1

	res := tx.Model(&Order{}).
		Where("id = ? AND version = ?", order.ID, expected).
		Select("*").
		Omit("id", "created_at", "cycle_key", clause.Associations).
		Updates(order)
	if res.Error != nil {
		order.Version = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		order.Version = expected
		return ErrConcurrentUpdate
	}
	return appendHistory(tx, order)
}

// appendHistory inserts history rows that are not stored yet. Rows carry
// their IDs, so re-inserting an existing row is a no-op.
func appendHistory(tx *gorm.DB, order *Order) error {
	for i := range order.StatusHistory {
		order.StatusHistory[i].OrderID = order.ID
	}
	for i := range order.PaymentHistory {
		order.PaymentHistory[i].OrderID = order.ID
	}

	if len(order.StatusHistory) > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&order.StatusHistory).Error; err != nil {
			return err
		}
	}
	if len(order.PaymentHistory) > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&order.PaymentHistory).Error; err != nil {
			return err
		}
	}
	return nil
}

func withHistory(db *gorm.DB) *gorm.DB {
	return db.
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		}).
		Preload("PaymentHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("billing_cycle ASC, created_at ASC")
		})
}
