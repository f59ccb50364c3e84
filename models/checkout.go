package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderIntake is the normalized input for creating a pending order. Amounts
// are minor units.
type OrderIntake struct {
	// OrderID is optional; set when the id was already handed to the payment
	// provider as session metadata.
	OrderID          uuid.UUID
	StoreID          uuid.UUID `validate:"required"`
	PaymentReference string    `validate:"required,max=255"`
	PaymentIntentID  string    `validate:"max=255"`
	PaymentFlow      string    `validate:"required,oneof=online offline"`
	PaymentMethod    string    `validate:"max=50"`
	Currency         string    `validate:"required,len=3,alpha"`

	CustomerEmail string `validate:"required,email"`
	CustomerID    *uuid.UUID
	CustomerName  string `validate:"max=255"`
	CustomerPhone string `validate:"max=50"`

	ShippingAddress      *Address
	BillingAddress       *Address
	DeliveryDate         *time.Time
	DeliveryTimeSlot     string `validate:"max=50"`
	DeliveryInstructions string `validate:"max=1000"`

	Items []IntakeItem `validate:"required,min=1,dive"`

	TaxAmount        int64 `validate:"gte=0"`
	ShippingAmount   int64 `validate:"gte=0"`
	PaymentFeeAmount int64 `validate:"gte=0"`
	DiscountAmount   int64 `validate:"gte=0"`
}

type IntakeItem struct {
	ProductID       uuid.UUID `validate:"required"`
	Name            string
	Quantity        int   `validate:"gte=1"`
	UnitPrice       int64 `validate:"gte=0"`
	SelectedOptions []SelectedOption
}
