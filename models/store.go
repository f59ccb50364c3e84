package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StockIssueManualReview = "manual_review"
	StockIssueAutoRefund   = "auto_refund"
)

type StoreSettings struct {
	StoreID               uuid.UUID `json:"store_id" gorm:"type:uuid;primaryKey"`
	StoreName             string    `json:"store_name"`
	OwnerEmail            string    `json:"owner_email"`
	Currency              string    `json:"currency" gorm:"type:varchar(3)"`
	StockIssueHandling    string    `json:"stock_issue_handling" gorm:"type:varchar(20);not null;default:'manual_review'"`
	AutoInvoiceEnabled    bool      `json:"auto_invoice_enabled" gorm:"not null;default:false"`
	AutoInvoicePDFEnabled bool      `json:"auto_invoice_pdf_enabled" gorm:"column:auto_invoice_pdf_enabled;not null;default:false"`
	AutoShipEnabled       bool      `json:"auto_ship_enabled" gorm:"not null;default:false"`
	StripeAccountID       *string   `json:"stripe_account_id,omitempty" gorm:"type:varchar(255)"`
	UpdatedAt             time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// RefundsAutomatically is true only for an explicit auto_refund policy;
// unknown values fall back to manual review.
func (s *StoreSettings) RefundsAutomatically() bool {
	return s.StockIssueHandling == StockIssueAutoRefund
}

func (s *StoreSettings) ConnectedAccount() string {
	if s.StripeAccountID == nil {
		return ""
	}
	return *s.StripeAccountID
}

// DefaultStoreSettings is used when a store has no settings row.
func DefaultStoreSettings(storeID uuid.UUID) *StoreSettings {
	return &StoreSettings{StoreID: storeID, StockIssueHandling: StockIssueManualReview}
}

type Customer struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StoreID   uuid.UUID `json:"store_id" gorm:"type:uuid;not null;index"`
	Email     string    `json:"email" gorm:"type:varchar(255);not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
