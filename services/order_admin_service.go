package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CancelRequest struct {
	Reason string `json:"reason"`
	Refund bool   `json:"refund"`
}

type CancelResult struct {
	OrderID       uuid.UUID `json:"order_id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	RefundID      string    `json:"refund_id,omitempty"`
	RestoredLines int       `json:"restored_lines"`
}

type ResendResult struct {
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
}

// OrderAdminService backs the store admin endpoints.
type OrderAdminService struct {
	orders     repository.OrderRepository
	records    repository.NotificationRepository
	settings   SettingsProvider
	provider   PaymentProvider
	stock      *StockService
	dispatcher *NotificationDispatcher
	events     EventPublisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewOrderAdminService(
	orders repository.OrderRepository,
	records repository.NotificationRepository,
	settings SettingsProvider,
	provider PaymentProvider,
	stock *StockService,
	dispatcher *NotificationDispatcher,
	events EventPublisher,
	logger *zap.Logger,
) *OrderAdminService {
	return &OrderAdminService{
		orders:     orders,
		records:    records,
		settings:   settings,
		provider:   provider,
		stock:      stock,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *OrderAdminService) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("order not found")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load order", err)
	}
	return order, nil
}

func (s *OrderAdminService) ListNotifications(ctx context.Context, orderID uuid.UUID) ([]models.NotificationRecord, error) {
	records, err := s.records.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Internal("failed to load notifications", err)
	}
	return records, nil
}

// Resend sends kind again regardless of earlier sends.
func (s *OrderAdminService) Resend(ctx context.Context, order *models.Order, kind string) (*ResendResult, error) {
	if !models.IsNotificationKind(kind) {
		return nil, apperrors.Validation(fmt.Sprintf("unknown notification kind %q", kind))
	}
	settings, err := s.settings.GetSettings(ctx, order.StoreID)
	if err != nil {
		return nil, apperrors.Internal("failed to load store settings", err)
	}
	outcome, err := s.dispatcher.Resend(ctx, Notification{Order: order, Settings: settings, Kind: kind})
	if err != nil {
		if outcome == Skipped {
			return nil, apperrors.Validation(err.Error())
		}
		return nil, apperrors.Upstream("failed to send notification", err)
	}
	return &ResendResult{Kind: kind, Outcome: outcome.String()}, nil
}

// Cancel cancels an open order, optionally refunding a paid one first, and
// gives back the stock its lines took.
func (s *OrderAdminService) Cancel(ctx context.Context, order *models.Order, req CancelRequest, actor string) (*CancelResult, error) {
	log := s.logger.With(zap.String("order_id", order.ID.String()), zap.String("actor", actor))
	if order.IsCancelled() || order.Status == models.OrderStatusDelivered {
		return nil, apperrors.Conflict("order can no longer be cancelled", nil)
	}
	settings, err := s.settings.GetSettings(ctx, order.StoreID)
	if err != nil {
		return nil, apperrors.Internal("failed to load store settings", err)
	}

	note := "Cancelled by " + actor
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		note += ": " + reason
	}
	ctx, cancel := detached(ctx)
	defer cancel()

	at := s.now().UTC()
	result := &CancelResult{OrderID: order.ID}

	refunding := req.Refund && order.PaymentStatus == models.PaymentStatusPaid
	if refunding {
		intentID := derefString(order.PaymentIntentID)
		if order.PaymentFlow == models.PaymentFlowOffline || intentID == "" {
			return nil, apperrors.Conflict("payment cannot be refunded automatically", ErrRefundUnsupported)
		}
		refund, err := s.provider.Refund(ctx, RefundRequest{
			OrderID:         order.ID,
			PaymentIntentID: intentID,
			Account:         settings.ConnectedAccount(),
			Reason:          "requested_by_customer",
		})
		if errors.Is(err, ErrRefundUnsupported) {
			return nil, apperrors.Conflict("payment cannot be refunded automatically", err)
		}
		if err != nil {
			return nil, apperrors.Upstream("refund failed", err)
		}
		moved, err := s.orders.MarkRefunded(ctx, order.ID, repository.RefundRecord{
			RefundID: refund.ID,
			Provider: s.provider.Name(),
			At:       at,
			Note:     fmt.Sprintf("%s (refund %s)", note, refund.ID),
		})
		if err != nil {
			return nil, apperrors.Internal("failed to record refund", err)
		}
		if !moved {
			log.Warn("refund issued but order was no longer paid", zap.String("refund_id", refund.ID))
			return nil, apperrors.Conflict("order changed while cancelling", nil)
		}
		result.RefundID = refund.ID
	} else {
		moved, err := s.orders.Cancel(ctx, order.ID, at, note)
		if err != nil {
			return nil, apperrors.Internal("failed to cancel order", err)
		}
		if !moved {
			return nil, apperrors.Conflict("order can no longer be cancelled", nil)
		}
	}

	current, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return nil, apperrors.Internal("failed to reload order", err)
	}
	restored, err := s.stock.Restore(ctx, current)
	if err != nil {
		log.Error("stock restore incomplete", zap.Error(err))
		s.note(ctx, log, current, fmt.Sprintf("Stock restore incomplete after cancellation: %v", err))
	}
	result.RestoredLines = restored
	result.Status = current.Status
	result.PaymentStatus = current.PaymentStatus
	log.Info("order cancelled", zap.Bool("refunded", refunding), zap.Int("restored_lines", restored))

	publishBestEffort(ctx, s.events, s.logger, models.NewOrderEvent(models.EventOrderCancelled, current))
	if refunding {
		publishBestEffort(ctx, s.events, s.logger, models.NewOrderEvent(models.EventOrderRefunded, current))
		if _, err := s.dispatcher.Dispatch(ctx, Notification{Order: current, Settings: settings, Kind: models.NotificationRefundConfirmation}); err != nil {
			log.Warn("refund confirmation not sent", zap.Error(err))
		}
	}
	return result, nil
}

func (s *OrderAdminService) note(ctx context.Context, log *zap.Logger, order *models.Order, note string) {
	if err := s.orders.AppendAdminNote(ctx, order.ID, note); err != nil {
		log.Error("failed to append admin note", zap.Error(err))
	}
}
