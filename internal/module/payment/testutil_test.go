package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storefront/server/internal/module/order"
	"github.com/storefront/server/internal/module/payment/provider"
)

// --- Mock implementations ---

type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) outcome(args mock.Arguments) (order.Outcome, error) {
	if args.Get(0) == nil {
		return "", args.Error(1)
	}
	return args.Get(0).(order.Outcome), args.Error(1)
}

func (m *MockOrders) ConfirmIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, pi))
}

func (m *MockOrders) FailIntentPayment(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, pi))
}

func (m *MockOrders) CancelIntent(ctx context.Context, pi *provider.PaymentIntent) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, pi))
}

func (m *MockOrders) RecordInvoicePaid(ctx context.Context, inv *provider.Invoice, source string) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, inv, source))
}

func (m *MockOrders) RecordInvoiceFailed(ctx context.Context, inv *provider.Invoice) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, inv))
}

func (m *MockOrders) EndSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, sub))
}

func (m *MockOrders) SyncSubscription(ctx context.Context, sub *provider.Subscription) (order.Outcome, error) {
	return m.outcome(m.Called(ctx, sub))
}

func (m *MockOrders) DueSubscriptions(ctx context.Context, t time.Time, limit int) ([]*order.Order, error) {
	args := m.Called(ctx, t, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*order.Order), args.Error(1)
}

// MockSubscriptionGateway mocks the subscription lookups used by the
// syncer. Other Gateway methods panic if called.
type MockSubscriptionGateway struct {
	provider.Gateway
	mock.Mock
}

func (m *MockSubscriptionGateway) RetrieveSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Subscription), args.Error(1)
}

func (m *MockSubscriptionGateway) ListInvoices(ctx context.Context, subscriptionID string) ([]*provider.Invoice, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*provider.Invoice), args.Error(1)
}

// --- Fixtures ---

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(order.Models(), Models()...)
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

func newTestStripeGateway() *provider.StripeGateway {
	return provider.NewStripeGateway(&provider.StripeConfig{
		SecretKey:  "sk_test_123",
		BackendURL: "http://127.0.0.1:0",
	}, nil, zap.NewNop())
}

// seedCardOrder stores a pending card order authorised by intentID.
func seedCardOrder(t *testing.T, repo order.Repository, intentID string) *order.Order {
	t.Helper()

	buyer := uuid.New()
	o := &order.Order{
		ID:            uuid.New(),
		OrderNo:       "ORD-TEST-" + uuid.NewString()[:8],
		UserID:        buyer,
		CustomerEmail: "buyer@example.com",
		Items:         []order.OrderItem{{ProductID: "sku-1", Name: "Espresso beans", Price: 1250, Quantity: 2}},
		Shipping:      order.Address{Address: "1 Main St", City: "Springfield", PostalCode: "12345"},
		PaymentMethod: order.PaymentMethodCard,
		ItemsPrice:    2500,
		TotalPrice:    2500,
		Currency:      "usd",

		PaymentIntentID:     intentID,
		PaymentIntentStatus: string(provider.PaymentIntentRequiresAction),
	}
	order.Transition(o, order.OrderStatusPending, "order placed", order.CustomerActor(buyer, o.CustomerEmail))
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}
