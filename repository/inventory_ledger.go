package repository

import (
	"context"
	"fmt"

	"reconciliation-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeductStatus int

const (
	// Deducted means stock_quantity was decremented (clamped at zero for backorders).
	Deducted DeductStatus = iota
	// CountedOnly means the product does not track stock; only purchase_count moved.
	CountedOnly
	// Insufficient means nothing was written and Available holds the current quantity.
	Insufficient
	// ProductMissing means no product row exists.
	ProductMissing
)

func (s DeductStatus) String() string {
	switch s {
	case Deducted:
		return "deducted"
	case CountedOnly:
		return "counted_only"
	case Insufficient:
		return "insufficient"
	case ProductMissing:
		return "product_missing"
	default:
		return "unknown"
	}
}

type DeductOutcome struct {
	Status    DeductStatus
	Available int
}

// InventoryLedger holds per-product stock. Deduct is a single atomic
// conditional write: either the full quantity is taken (or the product allows
// backorders) or nothing changes.
type InventoryLedger interface {
	Deduct(ctx context.Context, productID uuid.UUID, quantity int) (DeductOutcome, error)
	Restore(ctx context.Context, productID uuid.UUID, quantity int) error
}

type gormInventoryLedger struct {
	db *gorm.DB
}

func NewGormInventoryLedger(db *gorm.DB) InventoryLedger {
	return &gormInventoryLedger{db: db}
}

func (l *gormInventoryLedger) Deduct(ctx context.Context, productID uuid.UUID, quantity int) (DeductOutcome, error) {
	db := l.db.WithContext(ctx)

	res := db.Model(&models.Product{}).
		Where("id = ? AND manage_stock AND NOT infinite_stock", productID).
		Where("stock_quantity >= ? OR allow_backorders", quantity).
		Updates(map[string]any{
			"stock_quantity": gorm.Expr("GREATEST(stock_quantity - ?, 0)", quantity),
			"purchase_count": gorm.Expr("purchase_count + ?", quantity),
		})
	if res.Error != nil {
		return DeductOutcome{}, fmt.Errorf("deduct stock for %s: %w", productID, res.Error)
	}
	if res.RowsAffected == 1 {
		return DeductOutcome{Status: Deducted}, nil
	}

	res = db.Model(&models.Product{}).
		Where("id = ? AND (NOT manage_stock OR infinite_stock)", productID).
		Update("purchase_count", gorm.Expr("purchase_count + ?", quantity))
	if res.Error != nil {
		return DeductOutcome{}, fmt.Errorf("count purchase for %s: %w", productID, res.Error)
	}
	if res.RowsAffected == 1 {
		return DeductOutcome{Status: CountedOnly}, nil
	}

	var product models.Product
	if err := db.Select("id", "stock_quantity").Where("id = ?", productID).First(&product).Error; err != nil {
		if translate(err) == ErrNotFound {
			return DeductOutcome{Status: ProductMissing}, nil
		}
		return DeductOutcome{}, fmt.Errorf("read stock for %s: %w", productID, err)
	}
	return DeductOutcome{Status: Insufficient, Available: product.StockQuantity}, nil
}

func (l *gormInventoryLedger) Restore(ctx context.Context, productID uuid.UUID, quantity int) error {
	res := l.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Updates(map[string]any{
			"stock_quantity": gorm.Expr("CASE WHEN manage_stock AND NOT infinite_stock THEN stock_quantity + ? ELSE stock_quantity END", quantity),
			"purchase_count": gorm.Expr("CASE WHEN manage_stock AND NOT infinite_stock THEN GREATEST(purchase_count - ?, 0) ELSE purchase_count END", quantity),
		})
	if res.Error != nil {
		return fmt.Errorf("restore stock for %s: %w", productID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
