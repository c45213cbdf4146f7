package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/storefront/server/internal/module/payment/provider"
	"github.com/storefront/server/internal/shared/response"
	apperrors "github.com/storefront/server/internal/utils/errors"
	"github.com/storefront/server/internal/utils/metrics"
	"github.com/storefront/server/internal/utils/requestctx"
)

// DefaultMaxBodyBytes caps webhook payloads.
const DefaultMaxBodyBytes int64 = 64 << 10

// WebhookConfig configures webhook ingestion.
type WebhookConfig struct {
	Secret       string
	MaxBodyBytes int64
}

// WebhookHandler receives gateway webhooks.
type WebhookHandler struct {
	gateway    provider.Gateway
	events     WebhookEventRepository
	reconciler *Reconciler
	metrics    *metrics.Metrics
	config     WebhookConfig
	logger     *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(
	gateway provider.Gateway,
	events WebhookEventRepository,
	reconciler *Reconciler,
	m *metrics.Metrics,
	cfg WebhookConfig,
	logger *zap.Logger,
) *WebhookHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &WebhookHandler{
		gateway:    gateway,
		events:     events,
		reconciler: reconciler,
		metrics:    m,
		config:     cfg,
		logger:     logger,
	}
}

// RegisterRoutes registers the webhook routes. mw runs before the handler.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup, mw ...gin.HandlerFunc) {
	r.POST("/stripe", append(mw, h.HandleStripeWebhook)...)
}

// HandleStripeWebhook verifies, records and applies a Stripe event.
//
//	@Summary		Stripe webhook
//	@Description	Receives payment, invoice and subscription events. Redelivered events are acknowledged without reprocessing.
//	@Tags			Webhook
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string	true	"Stripe signature"
//	@Success		200					{object}	map[string]string
//	@Failure		400					{object}	response.ErrorResponse
//	@Failure		500					{object}	response.ErrorResponse
//	@Router			/webhooks/stripe [post]
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	if h.gateway == nil {
		response.Error(c, apperrors.ServiceUnavailable("payment gateway not configured"))
		return
	}

	log := h.logger.With(requestctx.Field(c.Request.Context()))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.MaxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, apperrors.PayloadTooLarge("webhook payload too large"))
			return
		}
		log.Error("failed to read webhook body", zap.Error(err))
		response.BadRequest(c, "failed to read body")
		return
	}

	evt, err := h.gateway.VerifyWebhookSignature(payload, c.GetHeader("Stripe-Signature"), h.config.Secret)
	if err != nil {
		h.metrics.RecordWebhookEvent("unknown", "rejected")
		if errors.Is(err, provider.ErrInvalidSignature) {
			log.Warn("invalid webhook signature", zap.Error(err))
			response.Error(c, apperrors.InvalidSignature(err))
			return
		}
		log.Warn("malformed webhook event", zap.Error(err))
		response.BadRequest(c, "invalid event")
		return
	}

	ctx := c.Request.Context()
	stored, err := h.events.Record(ctx, evt.ID, string(evt.Type), payload)
	if err != nil {
		log.Error("failed to record webhook event", zap.String("event_id", evt.ID), zap.Error(err))
		h.metrics.RecordWebhookEvent(string(evt.Type), "error")
		response.Error(c, apperrors.Internal("failed to record event", err).AsRetryable())
		return
	}
	if stored.Processed {
		log.Info("webhook event already processed", zap.String("event_id", evt.ID))
		h.metrics.RecordWebhookEvent(string(evt.Type), "duplicate")
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	result, processErr := h.reconciler.Handle(ctx, evt)
	if processErr != nil {
		log.Error("failed to process webhook event",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Int("attempt", stored.Attempts),
			zap.Error(processErr),
		)
		if err := h.events.MarkFailed(ctx, evt.ID, processErr); err != nil {
			log.Error("failed to mark event failed", zap.Error(err))
		}
		h.metrics.RecordWebhookEvent(string(evt.Type), "error")
		response.Error(c, apperrors.Internal("failed to process event", processErr).AsRetryable())
		return
	}

	if err := h.events.MarkProcessed(ctx, evt.ID, string(result)); err != nil {
		log.Error("failed to mark event processed", zap.String("event_id", evt.ID), zap.Error(err))
	}
	h.metrics.RecordWebhookEvent(string(evt.Type), string(result))
	log.Info("webhook event processed",
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.String("result", string(result)),
	)
	c.JSON(http.StatusOK, gin.H{"status": string(result)})
}
