package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated    = "order.created"
	EventOrderPaid       = "order.paid"
	EventOrderStockIssue = "order.stock_issue"
	EventOrderRefunded   = "order.refunded"
	EventOrderShipped    = "order.shipped"
	EventOrderCancelled  = "order.cancelled"
)

// OrderEvent is published to downstream consumers after an order changes
// state. Amounts are minor units.
type OrderEvent struct {
	Type              string            `json:"type"`
	OrderID           uuid.UUID         `json:"order_id"`
	OrderNumber       string            `json:"order_number"`
	StoreID           uuid.UUID         `json:"store_id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	FulfillmentStatus string            `json:"fulfillment_status"`
	TotalAmount       int64             `json:"total_amount"`
	Currency          string            `json:"currency"`
	Shortfalls        []StockShortfall  `json:"shortfalls,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// NewOrderEvent snapshots the order's current state.
func NewOrderEvent(eventType string, order *Order) OrderEvent {
	return OrderEvent{
		Type:              eventType,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		StoreID:           order.StoreID,
		Status:            order.Status,
		PaymentStatus:     order.PaymentStatus,
		FulfillmentStatus: order.FulfillmentStatus,
		TotalAmount:       order.TotalAmount,
		Currency:          order.Currency,
		OccurredAt:        time.Now().UTC(),
	}
}
