package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"
	"reconciliation-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stripe caps event payloads well below this.
const maxWebhookBody = 65536

type WebhookParser interface {
	ParseWebhook(channel models.WebhookChannel, payload []byte, signature string) (models.ProviderEvent, error)
}

type EventHandler interface {
	HandleEvent(ctx context.Context, evt models.ProviderEvent) (*services.ConfirmationResult, error)
}

type WebhookController struct {
	parser  WebhookParser
	handler EventHandler
	logger  *zap.Logger
}

func NewWebhookController(parser WebhookParser, handler EventHandler, logger *zap.Logger) *WebhookController {
	return &WebhookController{parser: parser, handler: handler, logger: logger}
}

// Platform handles POST /webhooks/stripe/platform
func (wc *WebhookController) Platform(c *gin.Context) {
	wc.receive(c, models.ChannelPlatform)
}

// Connect handles POST /webhooks/stripe/connect
func (wc *WebhookController) Connect(c *gin.Context) {
	wc.receive(c, models.ChannelConnect)
}

// receive verifies and processes one delivery. Only failures the provider
// should retry produce a 5xx; everything else is acknowledged.
func (wc *WebhookController) receive(c *gin.Context, channel models.WebhookChannel) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		wc.logger.Warn("webhook body unreadable", zap.String("channel", string(channel)), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	event, err := wc.parser.ParseWebhook(channel, payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			wc.logger.Warn("webhook signature verification failed", zap.String("channel", string(channel)), zap.Error(err))
		} else {
			wc.logger.Warn("webhook payload rejected", zap.String("channel", string(channel)), zap.Error(err))
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	meta := event.Meta()
	log := wc.logger.With(
		zap.String("channel", string(channel)),
		zap.String("event_id", meta.ID),
		zap.String("event_type", meta.Type),
	)

	res, err := wc.handler.HandleEvent(c.Request.Context(), event)
	if err != nil {
		if apperrors.StatusCode(err) >= http.StatusInternalServerError {
			log.Error("webhook processing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
		log.Warn("webhook not processed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}

	if res != nil && res.Ignored {
		log.Info("webhook ignored", zap.String("reason", res.Reason))
	} else {
		log.Info("webhook processed")
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
