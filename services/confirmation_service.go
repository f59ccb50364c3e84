package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// settleTimeout bounds the stock and follow-up work that runs after a payment
// commits.
const settleTimeout = 30 * time.Second

const (
	TriggerPlatformWebhook = "platform_webhook"
	TriggerConnectWebhook  = "connect_webhook"
	TriggerFinalize        = "finalize"
)

type ConfirmationResult struct {
	OrderID           uuid.UUID    `json:"order_id,omitempty"`
	OrderNumber       string       `json:"order_number,omitempty"`
	Transitioned      bool         `json:"transitioned"`
	AlreadySettled    bool         `json:"already_settled"`
	Ignored           bool         `json:"ignored,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	Status            string       `json:"status,omitempty"`
	PaymentStatus     string       `json:"payment_status,omitempty"`
	FulfillmentStatus string       `json:"fulfillment_status,omitempty"`
	Stock             *StockResult `json:"stock,omitempty"`
}

type FinalizeRequest struct {
	StoreID         uuid.UUID `json:"store_id" binding:"required"`
	SessionID       string    `json:"session_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
}

// ConfirmationService moves orders from pending to processing/paid. Webhooks
// from both channels and the client finalize call all end in confirm, where a
// single conditional update picks the one caller that does the stock work.
type ConfirmationService struct {
	orders       repository.OrderRepository
	settings     SettingsProvider
	provider     PaymentProvider
	checkout     *CheckoutService
	stock        *StockService
	compensation *CompensationService
	followUps    FollowUpQueue
	events       EventPublisher
	metrics      Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func NewConfirmationService(
	orders repository.OrderRepository,
	settings SettingsProvider,
	provider PaymentProvider,
	checkout *CheckoutService,
	stock *StockService,
	compensation *CompensationService,
	followUps FollowUpQueue,
	events EventPublisher,
	metrics Metrics,
	logger *zap.Logger,
) *ConfirmationService {
	return &ConfirmationService{
		orders:       orders,
		settings:     settings,
		provider:     provider,
		checkout:     checkout,
		stock:        stock,
		compensation: compensation,
		followUps:    followUps,
		events:       events,
		metrics:      metricsOrNoop(metrics),
		logger:       logger,
		now:          time.Now,
	}
}

func ignored(reason string) *ConfirmationResult {
	return &ConfirmationResult{Ignored: true, Reason: reason}
}

func triggerFor(channel models.WebhookChannel) string {
	if channel == models.ChannelConnect {
		return TriggerConnectWebhook
	}
	return TriggerPlatformWebhook
}

// HandleEvent processes one verified webhook event. An error means the
// provider should redeliver.
func (s *ConfirmationService) HandleEvent(ctx context.Context, evt models.ProviderEvent) (*ConfirmationResult, error) {
	meta := evt.Meta()
	log := s.logger.With(
		zap.String("event_id", meta.ID),
		zap.String("event_type", meta.Type),
		zap.String("channel", string(meta.Channel)))

	switch e := evt.(type) {
	case models.CheckoutSessionCompleted:
		if !e.Session.IsPaid() {
			log.Info("checkout completed without payment, waiting for async result",
				zap.String("session_id", e.Session.ID),
				zap.String("payment_status", e.Session.PaymentStatus))
			return ignored("payment not completed"), nil
		}
		return s.confirmSession(ctx, meta, &e.Session, triggerFor(meta.Channel))
	case models.CheckoutSessionAsyncPaymentSucceeded:
		return s.confirmSession(ctx, meta, &e.Session, triggerFor(meta.Channel))
	case models.CheckoutSessionAsyncPaymentFailed:
		log.Warn("async payment failed", zap.String("session_id", e.Session.ID))
		return ignored("async payment failed"), nil
	case models.CheckoutSessionExpired:
		log.Info("checkout session expired", zap.String("session_id", e.Session.ID))
		return ignored("session expired"), nil
	case models.PaymentIntentSucceeded:
		return s.confirmIntent(ctx, meta, &e.Intent)
	case models.UnhandledEvent:
		log.Debug("unhandled event type")
		return ignored("unhandled event type"), nil
	default:
		log.Warn("unknown provider event", zap.String("go_type", fmt.Sprintf("%T", evt)))
		return ignored("unknown event"), nil
	}
}

func (s *ConfirmationService) confirmSession(ctx context.Context, meta models.EventMeta, session *models.CheckoutSession, trigger string) (*ConfirmationResult, error) {
	log := s.logger.With(zap.String("session_id", session.ID), zap.String("trigger", trigger))

	order, err := s.lookupOrder(ctx, session.ID, session.PaymentIntentID, session.Metadata)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	storeID, ok := storeIDFor(order, session.Metadata)
	if !ok {
		log.Warn("no order and no store_id metadata for paid session")
		return ignored("order not found"), nil
	}
	if meta.Channel == models.ChannelConnect {
		if reason, ok := s.accountMatches(ctx, storeID, meta.Account); !ok {
			log.Warn("connected account mismatch, ignoring event", zap.String("account", meta.Account), zap.String("reason", reason))
			return ignored(reason), nil
		}
	}

	if order == nil {
		if order, err = s.rebuild(ctx, log, meta.Account, session, storeID); err != nil {
			return nil, err
		}
	}
	return s.confirm(ctx, order, session.PaymentIntentID, trigger)
}

func (s *ConfirmationService) confirmIntent(ctx context.Context, meta models.EventMeta, intent *models.PaymentIntent) (*ConfirmationResult, error) {
	trigger := triggerFor(meta.Channel)
	log := s.logger.With(zap.String("payment_intent_id", intent.ID), zap.String("trigger", trigger))

	order, err := s.orders.FindByPaymentIntentID(ctx, intent.ID)
	if errors.Is(err, repository.ErrNotFound) {
		order, err = s.findByMetadata(ctx, intent.Metadata)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if order == nil {
		session, err := s.provider.FindSessionByPaymentIntent(ctx, intent.ID, meta.Account)
		if errors.Is(err, ErrSessionNotFound) {
			log.Info("payment intent has no checkout session, ignoring")
			return ignored("order not found"), nil
		}
		if err != nil {
			return nil, apperrors.Upstream("failed to look up checkout session", err)
		}
		if session.PaymentIntentID == "" {
			session.PaymentIntentID = intent.ID
		}
		return s.confirmSession(ctx, meta, session, trigger)
	}

	if meta.Channel == models.ChannelConnect {
		if reason, ok := s.accountMatches(ctx, order.StoreID, meta.Account); !ok {
			log.Warn("connected account mismatch, ignoring event", zap.String("account", meta.Account), zap.String("reason", reason))
			return ignored(reason), nil
		}
	}
	return s.confirm(ctx, order, intent.ID, trigger)
}

// Finalize is the client fallback: it asks the provider for the session and
// confirms only when the provider reports it paid.
func (s *ConfirmationService) Finalize(ctx context.Context, req FinalizeRequest) (*ConfirmationResult, error) {
	if req.SessionID == "" && req.PaymentIntentID == "" {
		return nil, apperrors.Validation("session_id or payment_intent_id is required")
	}
	settings, err := s.settings.GetSettings(ctx, req.StoreID)
	if err != nil {
		return nil, apperrors.Internal("failed to load store settings", err)
	}
	account := settings.ConnectedAccount()

	var session *models.CheckoutSession
	if req.SessionID != "" {
		session, err = s.provider.RetrieveCheckoutSession(ctx, req.SessionID, account)
	} else {
		session, err = s.provider.FindSessionByPaymentIntent(ctx, req.PaymentIntentID, account)
	}
	if errors.Is(err, ErrSessionNotFound) {
		return nil, apperrors.NotFound("checkout session not found")
	}
	if err != nil {
		return nil, apperrors.Upstream("failed to retrieve checkout session", err)
	}
	if sid := session.Metadata["store_id"]; sid != "" && sid != req.StoreID.String() {
		return nil, apperrors.NotFound("checkout session not found")
	}

	if !session.IsPaid() {
		order, err := s.lookupOrder(ctx, session.ID, session.PaymentIntentID, session.Metadata)
		if errors.Is(err, repository.ErrNotFound) {
			return &ConfirmationResult{Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending, Reason: "payment not completed"}, nil
		}
		if err != nil {
			return nil, apperrors.Internal("failed to load order", err)
		}
		res := resultFor(order)
		res.Reason = "payment not completed"
		return res, nil
	}

	meta := models.EventMeta{Type: "finalize", Account: account, Channel: models.ChannelPlatform}
	return s.confirmSession(ctx, meta, session, TriggerFinalize)
}

// confirm performs the pending -> processing/paid transition. The winner runs
// stock reconciliation and schedules the follow-up; everyone else only
// schedules notifications, which the notification log dedupes.
func (s *ConfirmationService) confirm(ctx context.Context, order *models.Order, intentID, trigger string) (*ConfirmationResult, error) {
	log := s.logger.With(
		zap.String("order_id", order.ID.String()),
		zap.String("reference", order.PaymentReference),
		zap.String("trigger", trigger))

	// from here on the caller going away must not abandon the stock work
	ctx, cancel := detached(ctx)
	defer cancel()

	now := s.now().UTC()
	won, err := s.orders.MarkPaid(ctx, order.ID, intentID, now)
	if err != nil {
		return nil, apperrors.Internal("failed to confirm order", err)
	}
	dims := map[string]string{"Trigger": trigger}

	if !won {
		_ = s.metrics.RecordCount(ctx, awspkg.MetricConfirmationSkipped, dims)
		current, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return nil, apperrors.Internal("failed to reload order", err)
		}
		log.Info("confirmation skipped, order already settled", zap.String("status", current.Status))
		if current.IsSettled() && !current.IsCancelled() {
			s.enqueue(ctx, log, FollowUpJob{OrderID: current.ID, SendConfirmation: true, Trigger: trigger})
		}
		res := resultFor(current)
		res.AlreadySettled = current.IsSettled()
		return res, nil
	}

	order.Status = models.OrderStatusProcessing
	order.PaymentStatus = models.PaymentStatusPaid
	order.ConfirmedAt = &now
	if intentID != "" && order.PaymentIntentID == nil {
		order.PaymentIntentID = &intentID
	}
	log.Info("order confirmed")
	_ = s.metrics.RecordCount(ctx, awspkg.MetricPaymentConfirmed, dims)
	publishBestEffort(ctx, s.events, s.logger, models.NewOrderEvent(models.EventOrderPaid, order))

	stock := s.stock.Reconcile(ctx, order, s.compensation)
	s.enqueue(ctx, log, FollowUpJob{
		OrderID:          order.ID,
		Shortfalls:       stock.Shortfalls,
		SendConfirmation: true,
		Trigger:          trigger,
	})

	res := resultFor(order)
	res.Transitioned = true
	res.Stock = stock
	return res, nil
}

// detached keeps the values of ctx but drops its cancellation and deadline,
// replacing them with settleTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *ConfirmationService) enqueue(ctx context.Context, log *zap.Logger, job FollowUpJob) {
	if err := s.followUps.Enqueue(ctx, job); err != nil {
		log.Error("failed to enqueue follow-up", zap.Error(err))
	}
}

func (s *ConfirmationService) lookupOrder(ctx context.Context, reference, intentID string, metadata map[string]string) (*models.Order, error) {
	order, err := s.orders.FindByPaymentReference(ctx, reference)
	if !errors.Is(err, repository.ErrNotFound) {
		return order, err
	}
	if intentID != "" {
		order, err = s.orders.FindByPaymentIntentID(ctx, intentID)
		if !errors.Is(err, repository.ErrNotFound) {
			return order, err
		}
	}
	return s.findByMetadata(ctx, metadata)
}

func (s *ConfirmationService) findByMetadata(ctx context.Context, metadata map[string]string) (*models.Order, error) {
	id, err := uuid.Parse(metadata["order_id"])
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return s.orders.FindByID(ctx, id)
}

func (s *ConfirmationService) accountMatches(ctx context.Context, storeID uuid.UUID, account string) (string, bool) {
	settings, err := s.settings.GetSettings(ctx, storeID)
	if err != nil {
		return "store settings unavailable", false
	}
	expected := settings.ConnectedAccount()
	if expected == "" || expected == account {
		return "", true
	}
	return "connected account mismatch", false
}

// rebuild recreates a missing pending order from the provider's view of the
// session. A concurrent creator wins through the unique reference.
func (s *ConfirmationService) rebuild(ctx context.Context, log *zap.Logger, account string, session *models.CheckoutSession, storeID uuid.UUID) (*models.Order, error) {
	lines, err := s.provider.ListLineItems(ctx, session.ID, account)
	if err != nil {
		return nil, apperrors.Upstream("failed to list session line items", err)
	}

	in := models.OrderIntake{
		StoreID:          storeID,
		PaymentReference: session.ID,
		PaymentIntentID:  session.PaymentIntentID,
		PaymentFlow:      models.PaymentFlowOnline,
		PaymentMethod:    "card",
		Currency:         strings.ToLower(session.Currency),
		CustomerEmail:    session.CustomerEmail,
		ShippingAmount:   session.AmountShipping,
		DiscountAmount:   session.AmountDiscount,
	}
	if id, err := uuid.Parse(session.Metadata["order_id"]); err == nil {
		in.OrderID = id
	}
	if id, err := uuid.Parse(session.Metadata["customer_id"]); err == nil {
		in.CustomerID = &id
	}

	taxFromLines := false
	for _, line := range lines {
		switch line.Kind {
		case lineKindTax:
			in.TaxAmount += line.AmountTotal
			taxFromLines = true
		case lineKindFee:
			in.PaymentFeeAmount += line.AmountTotal
		default:
			productID, err := uuid.Parse(line.ProductID)
			if err != nil {
				log.Warn("line item without product id, skipped", zap.String("description", line.Description))
				continue
			}
			in.Items = append(in.Items, models.IntakeItem{
				ProductID: productID,
				Name:      line.Description,
				Quantity:  int(line.Quantity),
				UnitPrice: line.UnitAmount,
			})
		}
	}
	if !taxFromLines {
		in.TaxAmount = session.AmountTax
	}

	order, err := s.checkout.CreateOrder(ctx, in)
	if err == nil {
		log.Warn("pending order was missing, rebuilt from provider session", zap.String("order_id", order.ID.String()))
		return order, nil
	}
	if apperrors.StatusCode(err) == http.StatusConflict {
		return s.orders.FindByPaymentReference(ctx, session.ID)
	}
	return nil, err
}

func storeIDFor(order *models.Order, metadata map[string]string) (uuid.UUID, bool) {
	if order != nil {
		return order.StoreID, true
	}
	id, err := uuid.Parse(metadata["store_id"])
	return id, err == nil
}

func resultFor(order *models.Order) *ConfirmationResult {
	return &ConfirmationResult{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		Status:            order.Status,
		PaymentStatus:     order.PaymentStatus,
		FulfillmentStatus: order.FulfillmentStatus,
	}
}
