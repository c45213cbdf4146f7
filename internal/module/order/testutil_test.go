package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/events"
	"github.com/storefront/server/internal/utils/metrics"
)

// --- Mock implementations ---

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string {
	return "mock"
}

func (m *MockGateway) CreateAndConfirmPaymentIntent(ctx context.Context, amount int64, currency, paymentMethodID string, metadata map[string]string) (*provider.PaymentIntent, error) {
	args := m.Called(ctx, amount, currency, paymentMethodID, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.PaymentIntent), args.Error(1)
}

func (m *MockGateway) RetrievePaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.PaymentIntent), args.Error(1)
}

func (m *MockGateway) CancelPaymentIntent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGateway) CreateOrGetCustomer(ctx context.Context, email string) (*provider.Customer, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Customer), args.Error(1)
}

func (m *MockGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	args := m.Called(ctx, customerID, paymentMethodID)
	return args.Error(0)
}

func (m *MockGateway) CreateRecurringPrice(ctx context.Context, in provider.PriceInput) (*provider.Price, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Price), args.Error(1)
}

func (m *MockGateway) CreateSubscription(ctx context.Context, in provider.SubscriptionInput) (*provider.Subscription, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Subscription), args.Error(1)
}

func (m *MockGateway) UpdateSubscription(ctx context.Context, id string, patch provider.SubscriptionPatch) (*provider.Subscription, error) {
	args := m.Called(ctx, id, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Subscription), args.Error(1)
}

func (m *MockGateway) CancelSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Subscription), args.Error(1)
}

func (m *MockGateway) RetrieveSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Subscription), args.Error(1)
}

func (m *MockGateway) ListInvoices(ctx context.Context, subscriptionID string) ([]*provider.Invoice, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*provider.Invoice), args.Error(1)
}

func (m *MockGateway) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*provider.Event, error) {
	args := m.Called(payload, signatureHeader, secret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Event), args.Error(1)
}

// eventRecorder captures every order event published on the bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []*events.OrderEvent
}

func (r *eventRecorder) Handles() []string {
	return []string{events.AllEvents}
}

func (r *eventRecorder) Handle(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oe, ok := e.(*events.OrderEvent); ok {
		r.events = append(r.events, oe)
	}
	return nil
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

// --- Fixtures ---

type testEnv struct {
	svc    *Service
	repo   Repository
	db     *gorm.DB
	gw     *MockGateway
	events *eventRecorder
}

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

	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	repo := NewRepository(db)
	gw := new(MockGateway)
	rec := &eventRecorder{}

	bus := events.NewBus(zap.NewNop())
	bus.Register(rec)

	svc := NewService(repo, gw, bus, metrics.New("test", prometheus.NewRegistry()), Config{Currency: "usd"}, zap.NewNop())
	return &testEnv{svc: svc, repo: repo, db: db, gw: gw, events: rec}
}

// freezeTime pins the package clock for the duration of the test.
func freezeTime(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

var (
	customerID    = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	otherCustomer = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	adminID       = uuid.MustParse("99999999-9999-9999-9999-999999999999")
)

func customer() Actor {
	return CustomerActor(customerID, "buyer@example.com")
}

func admin() Actor {
	return AdminActor(adminID)
}

func validInput(method PaymentMethod) CreateOrderInput {
	in := CreateOrderInput{
		Items: []OrderItem{{ProductID: "prod-1", Name: "Coffee beans", Price: 10, Quantity: 2}},
		Shipping: Address{
			Address:    "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
		},
		PaymentMethod: method,
		ItemsPrice:    20,
		TotalPrice:    20,
	}
	if method == PaymentMethodCard {
		in.PaymentMethodID = "pm_card_visa"
	}
	return in
}

func subscriptionInput(totalCycles *int) CreateOrderInput {
	in := validInput(PaymentMethodCard)
	in.Subscription = &SubscriptionInput{
		Type:               "coffee",
		Name:               "Monthly coffee",
		Recurrence:         RecurrenceMonthly,
		BillingCycle:       1,
		TotalBillingCycles: totalCycles,
	}
	return in
}

// seedOrder stores an order that has already reached status.
func seedOrder(t *testing.T, env *testEnv, status OrderStatus, opts ...func(*Order)) *Order {
	t.Helper()
	o := env.svc.newOrder(customer(), validInput(PaymentMethodCard))
	o.CustomerEmail = "buyer@example.com"
	Transition(o, OrderStatusPending, "order placed", customer())
	if status != OrderStatusPending {
		Transition(o, status, "seeded", SystemActor)
	}
	for _, opt := range opts {
		opt(o)
	}
	require.NoError(t, env.repo.Create(context.Background(), o))
	return o
}

// asAnchor turns a seeded order into a paid subscription anchor billed
// for its first cycle.
func asAnchor(subscriptionID string, totalCycles *int, next time.Time) func(*Order) {
	return func(o *Order) {
		o.IsSubscription = true
		o.SubscriptionType = "coffee"
		o.SubscriptionName = "Monthly coffee"
		o.SubscriptionPrice = o.TotalPrice
		o.Recurrence = RecurrenceMonthly
		o.BillingCycle = 1
		o.TotalBillingCycles = totalCycles
		o.CurrentBillingCycle = 1
		o.SubscriptionStatus = SubscriptionStatusActive
		o.GatewaySubscriptionID = subscriptionID
		o.GatewayCustomerID = "cus_1"
		o.NextBillingDate = &next
		o.IsPaid = true
		paidAt := next.AddDate(0, -1, 0)
		o.PaidAt = &paidAt
		o.PaymentHistory = []PaymentHistoryEntry{{
			ID:               uuid.New(),
			OrderID:          o.ID,
			Amount:           o.TotalPrice,
			Currency:         o.Currency,
			Status:           PaymentStatusSucceeded,
			BillingCycle:     1,
			PaidAt:           &paidAt,
			GatewayInvoiceID: "in_first",
			CreatedAt:        paidAt,
		}}
	}
}

// asIncompleteAnchor turns a seeded order into an anchor whose first
// invoice has not been paid yet.
func asIncompleteAnchor(subscriptionID string) func(*Order) {
	return func(o *Order) {
		asAnchor(subscriptionID, nil, time.Time{})(o)
		o.IsPaid = false
		o.PaidAt = nil
		o.CurrentBillingCycle = 0
		o.NextBillingDate = nil
		o.PaymentHistory = nil
		o.SubscriptionStatus = SubscriptionStatusIncomplete
	}
}

func intPtr(n int) *int {
	return &n
}

func reload(t *testing.T, env *testEnv, id uuid.UUID) *Order {
	t.Helper()
	o, err := env.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}
