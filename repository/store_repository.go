package repository

import (
	"context"

	"reconciliation-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StoreRepository interface {
	GetSettings(ctx context.Context, storeID uuid.UUID) (*models.StoreSettings, error)
}

type gormStoreRepo struct {
	db *gorm.DB
}

func NewGormStoreRepository(db *gorm.DB) StoreRepository {
	return &gormStoreRepo{db: db}
}

func (r *gormStoreRepo) GetSettings(ctx context.Context, storeID uuid.UUID) (*models.StoreSettings, error) {
	var settings models.StoreSettings
	if err := r.db.WithContext(ctx).Where("store_id = ?", storeID).First(&settings).Error; err != nil {
		return nil, translate(err)
	}
	return &settings, nil
}

type CustomerRepository interface {
	FindByID(ctx context.Context, storeID, id uuid.UUID) (*models.Customer, error)
}

type gormCustomerRepo struct {
	db *gorm.DB
}

func NewGormCustomerRepository(db *gorm.DB) CustomerRepository {
	return &gormCustomerRepo{db: db}
}

func (r *gormCustomerRepo) FindByID(ctx context.Context, storeID, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.WithContext(ctx).
		Where("id = ? AND store_id = ?", id, storeID).
		First(&customer).Error
	if err != nil {
		return nil, translate(err)
	}
	return &customer, nil
}
