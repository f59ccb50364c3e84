package repository

import (
	"context"
	"fmt"
	"time"

	"reconciliation-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StaleClaimAfter is how long a record may sit in sending before another
// caller may take it over. It is well past any follow-up job timeout.
const StaleClaimAfter = 10 * time.Minute

type NotificationRepository interface {
	// Claim reserves the automatic send of rec.Kind for rec.OrderID. It returns
	// false when a sent or live sending record already exists. A failed record,
	// or one left in sending for longer than StaleClaimAfter, is re-claimed in
	// place and rec.ID is set to it.
	Claim(ctx context.Context, rec *models.NotificationRecord) (bool, error)
	CreateManual(ctx context.Context, rec *models.NotificationRecord) error
	MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.NotificationRecord, error)
}

type gormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepo{db: db, now: time.Now}
}

func (r *gormNotificationRepo) Claim(ctx context.Context, rec *models.NotificationRecord) (bool, error) {
	db := r.db.WithContext(ctx)
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Manual = false
	rec.Status = models.NotificationStatusSending
	rec.Attempts = 1

	res := db.Clauses(clause.OnConflict{
		Columns:     []clause.Column{{Name: "order_id"}, {Name: "kind"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "manual = false"}}},
		DoNothing:   true,
	}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("claim %s for order %s: %w", rec.Kind, rec.OrderID, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing models.NotificationRecord
	res = db.Model(&existing).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "attempts"}}}).
		Where("order_id = ? AND kind = ? AND manual = false", rec.OrderID, rec.Kind).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			models.NotificationStatusFailed, models.NotificationStatusSending, r.now().Add(-StaleClaimAfter)).
		Updates(map[string]any{
			"status":    models.NotificationStatusSending,
			"attempts":  gorm.Expr("attempts + 1"),
			"recipient": rec.Recipient,
			"error":     "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("reclaim %s for order %s: %w", rec.Kind, rec.OrderID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	rec.ID = existing.ID
	rec.Attempts = existing.Attempts
	return true, nil
}

func (r *gormNotificationRepo) CreateManual(ctx context.Context, rec *models.NotificationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Manual = true
	rec.Status = models.NotificationStatusSending
	rec.Attempts = 1
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *gormNotificationRepo) MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.NotificationRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.NotificationStatusSent,
			"message_id": messageID,
			"sent_at":    at,
			"error":      "",
		}).Error
}

func (r *gormNotificationRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.NotificationRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": models.NotificationStatusFailed,
			"error":  reason,
		}).Error
}

func (r *gormNotificationRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.NotificationRecord, error) {
	var records []models.NotificationRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
