package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/storefront/server/internal/module/auth"
	"github.com/storefront/server/internal/module/notification"
	"github.com/storefront/server/internal/module/order"
	"github.com/storefront/server/internal/module/payment"
	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/cache"
	"github.com/storefront/server/internal/shared/config"
	"github.com/storefront/server/internal/shared/database"
	"github.com/storefront/server/internal/shared/events"
	"github.com/storefront/server/internal/shared/logger"
	"github.com/storefront/server/internal/utils/metrics"
	"github.com/storefront/server/internal/utils/middleware"
)

// App represents the application.
type App struct {
	config   *config.Config
	db       *gorm.DB
	redis    redis.UniversalClient
	router   *gin.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	eventBus *events.Bus
	notifier *notification.OrderNotifier
	kafka    *events.KafkaPublisher

	// gateway stays nil when no Stripe key is configured.
	gateway provider.Gateway

	jwt   *auth.JWTManager
	roles *middleware.SystemRoleAuthorizer

	orderService   *order.Service
	orderHandler   *order.Handler
	webhookHandler *payment.WebhookHandler
	syncer         *payment.SubscriptionSyncer
}

// New creates a new application instance from cfg, connecting to the
// configured database and Redis.
func New(cfg *config.Config) (*App, error) {
	log := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Address != "" {
		rdb, err = cache.NewRedisClient(context.Background(), &cfg.Redis)
		if err != nil {
			_ = database.Close(db)
			return nil, fmt.Errorf("init redis: %w", err)
		}
	} else {
		log.Warn("redis not configured, checkout idempotency disabled")
	}

	a, err := build(cfg, db, rdb, log)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = database.Close(db)
		return nil, err
	}
	return a, nil
}

// build wires the application on top of already opened connections.
// rdb may be nil.
func build(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, log *zap.Logger) (*App, error) {
	a := &App{
		config:   cfg,
		db:       db,
		redis:    rdb,
		logger:   log,
		registry: prometheus.NewRegistry(),
	}

	if cfg.Database.AutoMigrate {
		models := append(order.Models(), payment.Models()...)
		if err := database.Migrate(db, models...); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(cfg.Metrics.Namespace, a.registry)
	}

	a.eventBus = events.NewBus(log.Named("events"))

	if err := a.initEventHandlers(); err != nil {
		if a.notifier != nil {
			a.notifier.Close()
		}
		return nil, err
	}
	a.initAuth()
	a.initPaymentGateway()
	a.initModules()

	a.router = a.setupRouter()
	a.registerRoutes()

	return a, nil
}

// initEventHandlers registers the notifier and the Kafka forwarder.
func (a *App) initEventHandlers() error {
	var sender notification.EmailSender
	if a.config.Email.Host != "" {
		sender = notification.NewSMTPEmailSender(&notification.SMTPConfig{
			Host:        a.config.Email.Host,
			Port:        a.config.Email.Port,
			User:        a.config.Email.User,
			Password:    a.config.Email.Password,
			FromAddress: a.config.Email.FromAddress,
			FromName:    a.config.Email.FromName,
		}, a.logger.Named("email"))
	} else {
		sender = notification.NewNoOpEmailSender(a.logger.Named("email"))
	}
	a.notifier = notification.NewOrderNotifier(sender, notification.NotifierConfig{
		StoreName:   a.config.Email.StoreName,
		BaseURL:     a.config.Email.BaseURL,
		SendTimeout: a.config.Email.SendTimeout,
		Workers:     a.config.Email.Workers,
		QueueSize:   a.config.Email.QueueSize,
	}, a.logger.Named("notifier"))
	a.eventBus.Register(a.notifier)

	if len(a.config.Kafka.Brokers) == 0 {
		return nil
	}
	w, err := events.NewKafkaWriter(events.KafkaConfig{
		Brokers:      a.config.Kafka.Brokers,
		Topic:        a.config.Kafka.Topic,
		WriteTimeout: a.config.Kafka.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("init kafka: %w", err)
	}
	a.kafka = events.NewKafkaPublisher(w, a.config.Kafka.WriteTimeout, a.logger.Named("kafka"))
	a.eventBus.Register(a.kafka)
	return nil
}

func (a *App) initAuth() {
	a.jwt = auth.NewJWTManager(&auth.JWTConfig{
		Secret:            a.config.Auth.JWTSecret,
		AccessTokenExpiry: a.config.Auth.AccessTokenExpiry,
		Issuer:            a.config.Auth.Issuer,
	})
	a.roles = middleware.NewSystemRoleAuthorizer(a.config.Auth.AdminEmails, a.config.Auth.AdminUserIDs)
}

func (a *App) initPaymentGateway() {
	if a.config.Stripe.SecretKey == "" {
		a.logger.Warn("stripe not configured, only cash on delivery checkout is available")
		return
	}
	a.gateway = provider.NewStripeGateway(&provider.StripeConfig{
		SecretKey:        a.config.Stripe.SecretKey,
		Timeout:          a.config.Stripe.Timeout,
		WebhookTolerance: a.config.Stripe.WebhookTolerance,
		Breaker: provider.BreakerConfig{
			FailureThreshold:    a.config.Stripe.BreakerThreshold,
			MaxHalfOpenRequests: 1,
			Interval:            a.config.Stripe.BreakerInterval,
			Timeout:             a.config.Stripe.BreakerTimeout,
		},
	}, a.metrics, a.logger.Named("stripe"))
}

func (a *App) initModules() {
	a.orderService = order.NewService(
		order.NewRepository(a.db),
		a.gateway,
		a.eventBus,
		a.metrics,
		order.Config{Currency: a.config.Stripe.Currency},
		a.logger.Named("order"),
	)
	a.orderHandler = order.NewHandler(a.orderService)

	a.webhookHandler = payment.NewWebhookHandler(
		a.gateway,
		payment.NewWebhookEventRepository(a.db),
		payment.NewReconciler(a.orderService, a.logger.Named("reconciler")),
		a.metrics,
		payment.WebhookConfig{
			Secret:       a.config.Stripe.WebhookSecret,
			MaxBodyBytes: a.config.Stripe.WebhookMaxBytes,
		},
		a.logger.Named("webhook"),
	)

	if a.gateway != nil && a.config.SubscriptionSync.Enabled {
		a.syncer = payment.NewSubscriptionSyncer(
			a.orderService,
			a.gateway,
			a.metrics,
			payment.SyncConfig{
				Interval:  a.config.SubscriptionSync.Interval,
				BatchSize: a.config.SubscriptionSync.BatchSize,
			},
			a.logger.Named("sync"),
		)
	}
}

// Start starts background workers. They stop when ctx is done or on Stop.
func (a *App) Start(ctx context.Context) {
	if a.syncer != nil {
		a.syncer.Start(ctx)
	}
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop stops the application and releases resources.
func (a *App) Stop() {
	if a.syncer != nil {
		a.syncer.Stop()
	}

	if a.notifier != nil {
		a.notifier.Close()
	}

	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("close kafka writer", zap.Error(err))
		}
	}

	if a.redis != nil {
		_ = cache.Close(a.redis)
	}

	if a.db != nil {
		_ = database.Close(a.db)
	}

	_ = a.logger.Sync()
}

// healthCheck reports whether the database answers.
func (a *App) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := database.Ping(ctx, a.db); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
