package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DeductedItem struct {
	ItemID    uuid.UUID `json:"item_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

type StockResult struct {
	Success    bool                    `json:"success"`
	Shortfalls []models.StockShortfall `json:"shortfalls,omitempty"`
	Deducted   []DeductedItem          `json:"deducted,omitempty"`
}

// StockService reconciles a confirmed order's lines against the inventory
// ledger. Each line is independent: one short line never blocks the others.
type StockService struct {
	ledger  repository.InventoryLedger
	orders  repository.OrderRepository
	metrics Metrics
	logger  *zap.Logger
}

func NewStockService(ledger repository.InventoryLedger, orders repository.OrderRepository, metrics Metrics, logger *zap.Logger) *StockService {
	return &StockService{ledger: ledger, orders: orders, metrics: metricsOrNoop(metrics), logger: logger}
}

// Deduct takes stock for every line not yet deducted. Errors on individual
// lines are collected and returned together with the partial result.
func (s *StockService) Deduct(ctx context.Context, order *models.Order) (*StockResult, error) {
	result := &StockResult{}
	var errs []error

	for i := range order.Items {
		item := &order.Items[i]
		if item.StockDeducted {
			continue
		}

		outcome, err := s.ledger.Deduct(ctx, item.ProductID, item.Quantity)
		if err != nil {
			errs = append(errs, fmt.Errorf("deduct product %s: %w", item.ProductID, err))
			continue
		}

		switch outcome.Status {
		case repository.Deducted, repository.CountedOnly:
			if _, err := s.orders.MarkItemDeducted(ctx, item.ID); err != nil {
				errs = append(errs, fmt.Errorf("flag item %s deducted: %w", item.ID, err))
			}
			item.StockDeducted = true
			result.Deducted = append(result.Deducted, DeductedItem{
				ItemID:    item.ID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		case repository.Insufficient:
			result.Shortfalls = append(result.Shortfalls, models.StockShortfall{
				ProductID: item.ProductID,
				SKU:       item.ProductSKU,
				Name:      item.ProductName,
				Requested: item.Quantity,
				Available: outcome.Available,
			})
		case repository.ProductMissing:
			s.logger.Warn("product missing during stock deduction",
				zap.String("order_id", order.ID.String()),
				zap.String("product_id", item.ProductID.String()))
		}
	}

	result.Success = len(result.Shortfalls) == 0
	if !result.Success {
		s.logger.Warn("stock shortfall",
			zap.String("order_id", order.ID.String()),
			zap.Int("lines", len(result.Shortfalls)))
		_ = s.metrics.RecordValue(ctx, awspkg.MetricStockShortfall, float64(len(result.Shortfalls)), storeDims(order.StoreID))
	}
	return result, errors.Join(errs...)
}

// Restore returns stock for every line flagged as deducted. The flag is
// cleared first so concurrent or repeated calls restore each line once.
func (s *StockService) Restore(ctx context.Context, order *models.Order) (int, error) {
	restored := 0
	var errs []error

	for i := range order.Items {
		item := &order.Items[i]
		claimed, err := s.orders.ClaimItemRestore(ctx, item.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim restore of item %s: %w", item.ID, err))
			continue
		}
		if !claimed {
			continue
		}

		if err := s.ledger.Restore(ctx, item.ProductID, item.Quantity); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("product missing during stock restore",
					zap.String("order_id", order.ID.String()),
					zap.String("product_id", item.ProductID.String()))
				item.StockDeducted = false
				continue
			}
			// put the flag back so a later retry can restore this line
			if _, flagErr := s.orders.MarkItemDeducted(ctx, item.ID); flagErr != nil {
				s.logger.Error("failed to re-flag item after restore error",
					zap.String("item_id", item.ID.String()), zap.Error(flagErr))
			}
			errs = append(errs, fmt.Errorf("restore product %s: %w", item.ProductID, err))
			continue
		}
		item.StockDeducted = false
		restored++
	}
	return restored, errors.Join(errs...)
}

// Reconcile deducts stock for a freshly confirmed order, flags a stock issue
// when lines came up short and then records that the check finished. The
// flag is written before the checked mark so a reader that sees the mark
// also sees the flag.
func (s *StockService) Reconcile(ctx context.Context, order *models.Order, compensation *CompensationService) *StockResult {
	log := s.logger.With(zap.String("order_id", order.ID.String()))
	result, err := s.Deduct(ctx, order)
	if err != nil {
		log.Error("stock deduction incomplete", zap.Error(err))
	}
	if len(result.Shortfalls) > 0 {
		if _, err := compensation.Flag(ctx, order, result.Shortfalls); err != nil {
			log.Error("failed to flag stock issue", zap.Error(err))
		}
	}
	at := time.Now().UTC()
	if _, err := s.orders.MarkStockChecked(ctx, order.ID, at); err != nil {
		log.Error("failed to mark stock checked", zap.Error(err))
	} else {
		order.StockCheckedAt = &at
	}
	return result
}
