package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	OrderStatusPending         = "pending"
	OrderStatusProcessing      = "processing"
	OrderStatusShipped         = "shipped"
	OrderStatusDelivered       = "delivered"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRefunded        = "refunded"
	OrderStatusReturnRequested = "return_requested"

	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"

	FulfillmentPending    = "pending"
	FulfillmentStockIssue = "stock_issue"
	FulfillmentShipped    = "shipped"
	FulfillmentDelivered  = "delivered"

	PaymentFlowOnline  = "online"
	PaymentFlowOffline = "offline"
)

type Order struct {
	ID               uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber      string    `json:"order_number" gorm:"type:varchar(40);uniqueIndex;not null"`
	StoreID          uuid.UUID `json:"store_id" gorm:"type:uuid;not null;index"`
	PaymentReference string    `json:"payment_reference" gorm:"type:varchar(255);uniqueIndex;not null"`
	PaymentIntentID  *string   `json:"payment_intent_id,omitempty" gorm:"type:varchar(255);index"`
	PaymentFlow      string    `json:"payment_flow" gorm:"type:varchar(10);not null"`
	PaymentMethod    string    `json:"payment_method" gorm:"type:varchar(50)"`

	Status            string `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	PaymentStatus     string `json:"payment_status" gorm:"type:varchar(20);not null;default:'pending'"`
	FulfillmentStatus string `json:"fulfillment_status" gorm:"type:varchar(20);not null;default:'pending'"`

	// Amounts are in minor units of Currency.
	Currency         string `json:"currency" gorm:"type:varchar(3);not null"`
	Subtotal         int64  `json:"subtotal" gorm:"not null"`
	TaxAmount        int64  `json:"tax_amount" gorm:"not null;default:0"`
	ShippingAmount   int64  `json:"shipping_amount" gorm:"not null;default:0"`
	PaymentFeeAmount int64  `json:"payment_fee_amount" gorm:"not null;default:0"`
	DiscountAmount   int64  `json:"discount_amount" gorm:"not null;default:0"`
	TotalAmount      int64  `json:"total_amount" gorm:"not null"`

	CustomerEmail string     `json:"customer_email" gorm:"type:varchar(255);not null"`
	CustomerID    *uuid.UUID `json:"customer_id,omitempty" gorm:"type:uuid;index"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`

	ShippingAddress      *Address   `json:"shipping_address,omitempty" gorm:"type:jsonb;serializer:json"`
	BillingAddress       *Address   `json:"billing_address,omitempty" gorm:"type:jsonb;serializer:json"`
	DeliveryDate         *time.Time `json:"delivery_date,omitempty" gorm:"type:date"`
	DeliveryTimeSlot     string     `json:"delivery_time_slot,omitempty"`
	DeliveryInstructions string     `json:"delivery_instructions,omitempty"`

	AdminNotes string `json:"admin_notes,omitempty" gorm:"type:text"`

	RefundID       *string    `json:"refund_id,omitempty"`
	RefundProvider *string    `json:"refund_provider,omitempty"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	// StockCheckedAt is set once stock reconciliation for the confirmation
	// has finished, after any stock_issue flag was written.
	StockCheckedAt *time.Time `json:"stock_checked_at,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Items []OrderItem `json:"items" gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

type OrderItem struct {
	ID              uuid.UUID        `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID         uuid.UUID        `json:"order_id" gorm:"type:uuid;not null;index"`
	ProductID       uuid.UUID        `json:"product_id" gorm:"type:uuid;not null;index"`
	ProductName     string           `json:"product_name" gorm:"not null"`
	ProductSKU      string           `json:"product_sku,omitempty" gorm:"column:product_sku"`
	ProductImage    string           `json:"product_image,omitempty"`
	Quantity        int              `json:"quantity" gorm:"not null;check:quantity > 0"`
	UnitPrice       int64            `json:"unit_price" gorm:"not null"`
	LineTotal       int64            `json:"line_total" gorm:"not null"`
	SelectedOptions []SelectedOption `json:"selected_options,omitempty" gorm:"type:jsonb;serializer:json"`
	StockDeducted   bool             `json:"stock_deducted" gorm:"not null;default:false"`
}

// SelectedOption is an add-on chosen for a line; its price is per unit and
// already included in the line's UnitPrice.
type SelectedOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Price int64  `json:"price"`
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// IsSettled reports whether the payment confirmation already happened.
func (o *Order) IsSettled() bool {
	return !(o.Status == OrderStatusPending && o.PaymentStatus == PaymentStatusPending)
}

func (o *Order) IsCancelled() bool {
	return o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded
}
