package services

import (
	"context"
	"errors"

	"reconciliation-service/models"

	"github.com/google/uuid"
)

var (
	// ErrRefundUnsupported means the payment cannot be refunded automatically
	// (offline payment, no captured intent, or the provider declined it as such).
	ErrRefundUnsupported = errors.New("refund not supported for this payment")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrSessionNotFound   = errors.New("checkout session not found")
)

type SessionLineItem struct {
	ProductID  uuid.UUID
	Name       string
	Quantity   int
	UnitAmount int64
}

type CheckoutSessionParams struct {
	StoreID          uuid.UUID
	Account          string
	Currency         string
	CustomerEmail    string
	Items            []SessionLineItem
	TaxAmount        int64
	ShippingAmount   int64
	PaymentFeeAmount int64
	DiscountAmount   int64
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
}

type RefundRequest struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	Account         string
	Reason          string
}

type RefundResult struct {
	ID     string
	Status string
}

// PaymentProvider is the hosted-checkout payment processor.
type PaymentProvider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*models.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID, account string) (*models.CheckoutSession, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID, account string) (*models.PaymentIntent, error)
	FindSessionByPaymentIntent(ctx context.Context, paymentIntentID, account string) (*models.CheckoutSession, error)
	ListLineItems(ctx context.Context, sessionID, account string) ([]models.LineItem, error)
	ParseWebhook(channel models.WebhookChannel, payload []byte, signature string) (models.ProviderEvent, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
