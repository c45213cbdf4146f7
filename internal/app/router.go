package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/storefront/server/cmd/server/docs" // swagger docs
	"github.com/storefront/server/internal/utils/middleware"
)

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))

	cors := middleware.DefaultCORSConfig()
	if len(a.config.Server.CORSOrigins) > 0 {
		cors.AllowOrigins = a.config.Server.CORSOrigins
	}
	r.Use(middleware.CORS(cors))

	r.GET("/health", a.healthCheck)

	if a.metrics != nil {
		path := a.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	return r
}

// registerRoutes registers routes for all modules.
func (a *App) registerRoutes() {
	v1 := a.router.Group("/api/v1")

	// Protected routes (requires auth)
	protected := v1.Group("")
	protected.Use(
		middleware.RequireAuth(middleware.NewJWTManagerValidator(a.jwt)),
		middleware.ResolveRoles(a.roles),
	)

	// Admin routes (requires an operator)
	admin := protected.Group("/admin")
	admin.Use(middleware.RequireAdmin(a.roles))

	// Webhook routes (no auth, uses signature verification)
	webhooks := v1.Group("/webhooks")

	checkout := []gin.HandlerFunc{
		middleware.RateLimitByUser(a.config.RateLimit.CheckoutRate, a.config.RateLimit.CheckoutBurst),
	}
	if a.redis != nil {
		idem := middleware.DefaultIdempotencyConfig()
		idem.Metrics = a.metrics
		checkout = append(checkout, middleware.Idempotency(a.redis, idem))
	}

	a.orderHandler.RegisterProtectedRoutes(protected, checkout...)
	a.orderHandler.RegisterAdminRoutes(admin)
	a.webhookHandler.RegisterRoutes(webhooks,
		middleware.RateLimitByIP(a.config.RateLimit.WebhookRate, a.config.RateLimit.WebhookBurst),
	)
}
