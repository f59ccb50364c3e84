package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the subset of the catalog row that inventory reconciliation needs.
type Product struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StoreID         uuid.UUID `json:"store_id" gorm:"type:uuid;not null;index"`
	Name            string    `json:"name" gorm:"not null"`
	SKU             string    `json:"sku" gorm:"column:sku;index"`
	ImageURL        string    `json:"image_url,omitempty"`
	ManageStock     bool      `json:"manage_stock" gorm:"not null;default:true"`
	InfiniteStock   bool      `json:"infinite_stock" gorm:"not null;default:false"`
	StockQuantity   int       `json:"stock_quantity" gorm:"not null;default:0"`
	AllowBackorders bool      `json:"allow_backorders" gorm:"not null;default:false"`
	PurchaseCount   int       `json:"purchase_count" gorm:"not null;default:0"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TracksStock reports whether quantity is decremented on purchase.
func (p *Product) TracksStock() bool {
	return p.ManageStock && !p.InfiniteStock
}

// StockShortfall describes an order line whose quantity could not be covered.
type StockShortfall struct {
	ProductID uuid.UUID `json:"product_id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}
