package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"

	"go.uber.org/zap"
)

type CompensationResult struct {
	Flagged       bool   `json:"flagged"`
	RefundStatus  string `json:"refund_status,omitempty"`
	RefundID      string `json:"refund_id,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	OwnerEmail    string `json:"owner_email,omitempty"`
}

const (
	RefundSucceeded   = "refunded"
	RefundUnsupported = "unsupported"
	RefundFailed      = "failed"
)

// CompensationService handles a confirmed order whose stock could not be
// fully covered: flag it, tell the customer and the owner, and refund when
// the store has opted into automatic refunds.
type CompensationService struct {
	orders     repository.OrderRepository
	dispatcher *NotificationDispatcher
	provider   PaymentProvider
	events     EventPublisher
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewCompensationService(orders repository.OrderRepository, dispatcher *NotificationDispatcher, provider PaymentProvider, events EventPublisher, metrics Metrics, logger *zap.Logger) *CompensationService {
	return &CompensationService{
		orders:     orders,
		dispatcher: dispatcher,
		provider:   provider,
		events:     events,
		metrics:    metricsOrNoop(metrics),
		logger:     logger,
		now:        time.Now,
	}
}

func shortfallNote(shortfalls []models.StockShortfall) string {
	lines := make([]string, 0, len(shortfalls)+1)
	lines = append(lines, "Stock issue:")
	for _, s := range shortfalls {
		label := s.SKU
		if label == "" {
			label = s.Name
		}
		lines = append(lines, fmt.Sprintf("%s: requested %d, available %d", label, s.Requested, s.Available))
	}
	return strings.Join(lines, "\n")
}

// Flag moves the order into stock_issue. Only the caller that performs the
// move gets true, so compensation runs once per order.
func (s *CompensationService) Flag(ctx context.Context, order *models.Order, shortfalls []models.StockShortfall) (bool, error) {
	if len(shortfalls) == 0 {
		return false, nil
	}
	flagged, err := s.orders.MarkStockIssue(ctx, order.ID, shortfallNote(shortfalls))
	if err != nil {
		return false, fmt.Errorf("flag stock issue: %w", err)
	}
	if !flagged {
		return false, nil
	}
	order.FulfillmentStatus = models.FulfillmentStockIssue
	publishBestEffort(ctx, s.events, s.logger, withShortfalls(models.NewOrderEvent(models.EventOrderStockIssue, order), shortfalls))
	return true, nil
}

// Handle flags the order and, if this call flagged it, resolves it.
func (s *CompensationService) Handle(ctx context.Context, order *models.Order, shortfalls []models.StockShortfall, settings *models.StoreSettings) (*CompensationResult, error) {
	flagged, err := s.Flag(ctx, order, shortfalls)
	if err != nil {
		return nil, err
	}
	if !flagged {
		s.logger.Info("stock issue already handled or order no longer open", zap.String("order_id", order.ID.String()))
		return &CompensationResult{}, nil
	}
	return s.Resolve(ctx, order, shortfalls, settings)
}

// Resolve notifies customer and owner about a flagged order and applies the
// store's stock-issue policy. Re-running it is harmless: notifications are
// claimed once and the refund is keyed by order.
func (s *CompensationService) Resolve(ctx context.Context, order *models.Order, shortfalls []models.StockShortfall, settings *models.StoreSettings) (*CompensationResult, error) {
	log := s.logger.With(zap.String("order_id", order.ID.String()), zap.String("reference", order.PaymentReference))
	result := &CompensationResult{Flagged: order.FulfillmentStatus == models.FulfillmentStockIssue}

	for _, kind := range []string{models.NotificationStockIssueCustomer, models.NotificationStockIssueOwner} {
		outcome, err := s.dispatcher.Dispatch(ctx, Notification{Order: order, Settings: settings, Kind: kind, Shortfalls: shortfalls})
		if err != nil {
			log.Warn("stock issue notification failed", zap.String("kind", kind), zap.Error(err))
		}
		if kind == models.NotificationStockIssueCustomer {
			result.CustomerEmail = outcome.String()
		} else {
			result.OwnerEmail = outcome.String()
		}
	}

	if !settings.RefundsAutomatically() || order.PaymentStatus == models.PaymentStatusRefunded {
		return result, nil
	}

	refund, err := s.refund(ctx, order, settings)
	switch {
	case err == nil:
		return s.completeRefund(ctx, log, order, settings, refund, result)
	case errors.Is(err, ErrRefundUnsupported):
		result.RefundStatus = RefundUnsupported
		s.note(ctx, log, order, fmt.Sprintf("Automatic refund not supported for this payment (%v); manual handling required.", err))
	default:
		result.RefundStatus = RefundFailed
		log.Error("automatic refund failed", zap.Error(err))
		_ = s.metrics.RecordCount(ctx, awspkg.MetricAutoRefundFailed, storeDims(order.StoreID))
		s.note(ctx, log, order, fmt.Sprintf("Automatic refund attempt failed (%v); manual handling required.", err))
	}
	return result, nil
}

func (s *CompensationService) refund(ctx context.Context, order *models.Order, settings *models.StoreSettings) (*RefundResult, error) {
	intentID := derefString(order.PaymentIntentID)
	if order.PaymentFlow == models.PaymentFlowOffline || order.PaymentStatus != models.PaymentStatusPaid || intentID == "" {
		return nil, fmt.Errorf("%w: %s payment", ErrRefundUnsupported, order.PaymentFlow)
	}
	return s.provider.Refund(ctx, RefundRequest{
		OrderID:         order.ID,
		PaymentIntentID: intentID,
		Account:         settings.ConnectedAccount(),
		Reason:          "stock_issue",
	})
}

func (s *CompensationService) completeRefund(ctx context.Context, log *zap.Logger, order *models.Order, settings *models.StoreSettings, refund *RefundResult, result *CompensationResult) (*CompensationResult, error) {
	at := s.now().UTC()
	result.RefundStatus = RefundSucceeded
	result.RefundID = refund.ID

	moved, err := s.orders.MarkRefunded(ctx, order.ID, repository.RefundRecord{
		RefundID: refund.ID,
		Provider: s.provider.Name(),
		At:       at,
		Note:     fmt.Sprintf("Automatically refunded (%s) due to stock issue.", refund.ID),
	})
	if err != nil {
		return result, fmt.Errorf("record refund %s: %w", refund.ID, err)
	}
	if !moved {
		log.Warn("refund succeeded but order was no longer paid", zap.String("refund_id", refund.ID))
		return result, nil
	}

	order.Status = models.OrderStatusCancelled
	order.PaymentStatus = models.PaymentStatusRefunded
	order.RefundID = &refund.ID
	provider := s.provider.Name()
	order.RefundProvider = &provider
	order.RefundedAt = &at

	log.Info("order refunded automatically", zap.String("refund_id", refund.ID))
	_ = s.metrics.RecordCount(ctx, awspkg.MetricAutoRefund, storeDims(order.StoreID))
	publishBestEffort(ctx, s.events, s.logger, models.NewOrderEvent(models.EventOrderRefunded, order))

	if _, err := s.dispatcher.Dispatch(ctx, Notification{Order: order, Settings: settings, Kind: models.NotificationRefundConfirmation}); err != nil {
		log.Warn("refund confirmation not sent", zap.Error(err))
	}
	return result, nil
}

func (s *CompensationService) note(ctx context.Context, log *zap.Logger, order *models.Order, note string) {
	if err := s.orders.AppendAdminNote(ctx, order.ID, note); err != nil {
		log.Error("failed to append admin note", zap.Error(err))
	}
}

func withShortfalls(evt models.OrderEvent, shortfalls []models.StockShortfall) models.OrderEvent {
	evt.Shortfalls = shortfalls
	return evt
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
