package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reconciliation-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefundRecord is what a successful provider refund leaves on the order.
type RefundRecord struct {
	RefundID string
	Provider string
	At       time.Time
	Note     string
}

// OrderRepository persists orders. Every state transition is a conditional
// update and reports whether this caller performed it.
type OrderRepository interface {
	CreateWithItems(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	FindByPaymentIntentID(ctx context.Context, intentID string) (*models.Order, error)

	MarkPaid(ctx context.Context, id uuid.UUID, paymentIntentID string, at time.Time) (bool, error)
	MarkStockIssue(ctx context.Context, id uuid.UUID, note string) (bool, error)
	MarkStockChecked(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, refund RefundRecord) (bool, error)
	MarkShipped(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, at time.Time, note string) (bool, error)
	AppendAdminNote(ctx context.Context, id uuid.UUID, note string) error

	MarkItemDeducted(ctx context.Context, itemID uuid.UUID) (bool, error)
	ClaimItemRestore(ctx context.Context, itemID uuid.UUID) (bool, error)
}

type gormOrderRepo struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) OrderRepository {
	return &gormOrderRepo{db: db}
}

// CreateWithItems inserts the order and its items in one transaction. A
// reused payment reference yields ErrDuplicateReference and nothing is written.
func (r *gormOrderRepo) CreateWithItems(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(order).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateReference
	}
	return err
}

func (r *gormOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *gormOrderRepo) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	return r.findOne(ctx, "payment_reference = ?", reference)
}

func (r *gormOrderRepo) FindByPaymentIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	return r.findOne(ctx, "payment_intent_id = ?", intentID)
}

func (r *gormOrderRepo) findOne(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where(query, arg).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// MarkPaid performs pending/pending -> processing/paid.
func (r *gormOrderRepo) MarkPaid(ctx context.Context, id uuid.UUID, paymentIntentID string, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":         models.OrderStatusProcessing,
		"payment_status": models.PaymentStatusPaid,
		"confirmed_at":   at,
	}
	if paymentIntentID != "" {
		updates["payment_intent_id"] = gorm.Expr("COALESCE(payment_intent_id, ?)", paymentIntentID)
	}
	return r.transition(ctx, id, "status = ? AND payment_status = ?",
		[]any{models.OrderStatusPending, models.PaymentStatusPending}, updates)
}

// MarkStockIssue flags a confirmed order whose fulfillment has not started.
// It succeeds once per order, which makes compensation single-shot.
func (r *gormOrderRepo) MarkStockIssue(ctx context.Context, id uuid.UUID, note string) (bool, error) {
	return r.transition(ctx, id, "status = ? AND fulfillment_status = ?",
		[]any{models.OrderStatusProcessing, models.FulfillmentPending},
		map[string]any{
			"fulfillment_status": models.FulfillmentStockIssue,
			"admin_notes":        appendNote(note),
		})
}

func (r *gormOrderRepo) MarkStockChecked(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.transition(ctx, id, "stock_checked_at IS NULL", nil,
		map[string]any{"stock_checked_at": at})
}

func (r *gormOrderRepo) MarkRefunded(ctx context.Context, id uuid.UUID, refund RefundRecord) (bool, error) {
	return r.transition(ctx, id, "payment_status = ?",
		[]any{models.PaymentStatusPaid},
		map[string]any{
			"status":          models.OrderStatusCancelled,
			"payment_status":  models.PaymentStatusRefunded,
			"refund_id":       refund.RefundID,
			"refund_provider": refund.Provider,
			"refunded_at":     refund.At,
			"cancelled_at":    gorm.Expr("COALESCE(cancelled_at, ?)", refund.At),
			"admin_notes":     appendNote(refund.Note),
		})
}

func (r *gormOrderRepo) MarkShipped(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.transition(ctx, id, "status = ? AND fulfillment_status = ?",
		[]any{models.OrderStatusProcessing, models.FulfillmentPending},
		map[string]any{
			"status":             models.OrderStatusShipped,
			"fulfillment_status": models.FulfillmentShipped,
			"shipped_at":         at,
		})
}

func (r *gormOrderRepo) Cancel(ctx context.Context, id uuid.UUID, at time.Time, note string) (bool, error) {
	return r.transition(ctx, id, "status NOT IN ?",
		[]any{[]string{models.OrderStatusCancelled, models.OrderStatusRefunded, models.OrderStatusDelivered}},
		map[string]any{
			"status":       models.OrderStatusCancelled,
			"cancelled_at": at,
			"admin_notes":  appendNote(note),
		})
}

func (r *gormOrderRepo) AppendAdminNote(ctx context.Context, id uuid.UUID, note string) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Update("admin_notes", appendNote(note)).Error
}

func (r *gormOrderRepo) transition(ctx context.Context, id uuid.UUID, guard string, guardArgs []any, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Where(guard, guardArgs...).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update order %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormOrderRepo) MarkItemDeducted(ctx context.Context, itemID uuid.UUID) (bool, error) {
	return r.flipDeducted(ctx, itemID, false, true)
}

// ClaimItemRestore clears the deducted flag; only the caller that clears it
// may put the stock back.
func (r *gormOrderRepo) ClaimItemRestore(ctx context.Context, itemID uuid.UUID) (bool, error) {
	return r.flipDeducted(ctx, itemID, true, false)
}

func (r *gormOrderRepo) flipDeducted(ctx context.Context, itemID uuid.UUID, from, to bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.OrderItem{}).
		Where("id = ? AND stock_deducted = ?", itemID, from).
		Update("stock_deducted", to)
	if res.Error != nil {
		return false, fmt.Errorf("update order item %s: %w", itemID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// appendNote adds a line to admin_notes without reading the column first.
func appendNote(note string) any {
	if note == "" {
		return gorm.Expr("admin_notes")
	}
	return gorm.Expr("COALESCE(NULLIF(admin_notes, '') || ?, '') || ?", "\n", note)
}
