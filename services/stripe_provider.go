package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reconciliation-service/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

const (
	lineKindMetadata = "line_kind"
	lineKindTax      = "tax"
	lineKindFee      = "payment_fee"
)

// StripeProvider implements PaymentProvider with stripe-go. Connected-account
// calls are scoped with the Stripe-Account header.
type StripeProvider struct {
	api              *client.API
	platformSecret   string
	connectSecret    string
	webhookTolerance time.Duration
}

func NewStripeProvider(secretKey, platformWebhookSecret, connectWebhookSecret string, tolerance time.Duration) *StripeProvider {
	return NewStripeProviderWithBackends(secretKey, platformWebhookSecret, connectWebhookSecret, tolerance, nil)
}

// NewStripeProviderWithBackends lets tests point the client at a fake API.
func NewStripeProviderWithBackends(secretKey, platformWebhookSecret, connectWebhookSecret string, tolerance time.Duration, backends *stripe.Backends) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, backends)
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{
		api:              api,
		platformSecret:   platformWebhookSecret,
		connectSecret:    connectWebhookSecret,
		webhookTolerance: tolerance,
	}
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(p.SuccessURL),
		CancelURL:     stripe.String(p.CancelURL),
		CustomerEmail: stripe.String(p.CustomerEmail),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Account != "" {
		params.SetStripeAccount(p.Account)
	}

	for _, item := range p.Items {
		params.LineItems = append(params.LineItems, priceLine(p.Currency, item.Name, int64(item.Quantity), item.UnitAmount,
			map[string]string{"product_id": item.ProductID.String()}))
	}
	if p.TaxAmount > 0 {
		params.LineItems = append(params.LineItems, priceLine(p.Currency, "Tax", 1, p.TaxAmount,
			map[string]string{lineKindMetadata: lineKindTax}))
	}
	if p.PaymentFeeAmount > 0 {
		params.LineItems = append(params.LineItems, priceLine(p.Currency, "Payment fee", 1, p.PaymentFeeAmount,
			map[string]string{lineKindMetadata: lineKindFee}))
	}
	if p.ShippingAmount > 0 {
		params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{{
			ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
				Type:        stripe.String("fixed_amount"),
				DisplayName: stripe.String("Shipping"),
				FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
					Amount:   stripe.Int64(p.ShippingAmount),
					Currency: stripe.String(p.Currency),
				},
			},
		}}
	}
	if p.DiscountAmount > 0 {
		couponParams := &stripe.CouponParams{
			AmountOff:      stripe.Int64(p.DiscountAmount),
			Currency:       stripe.String(p.Currency),
			Duration:       stripe.String(string(stripe.CouponDurationOnce)),
			MaxRedemptions: stripe.Int64(1),
		}
		couponParams.Context = ctx
		if p.Account != "" {
			couponParams.SetStripeAccount(p.Account)
		}
		coupon, err := s.api.Coupons.New(couponParams)
		if err != nil {
			return nil, fmt.Errorf("create discount coupon: %w", err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(coupon.ID)}}
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return toCheckoutSession(sess), nil
}

func (s *StripeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID, account string) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("retrieve checkout session %s: %w", sessionID, err)
	}
	return toCheckoutSession(sess), nil
}

func (s *StripeProvider) RetrievePaymentIntent(ctx context.Context, paymentIntentID, account string) (*models.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
	pi, err := s.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent %s: %w", paymentIntentID, err)
	}
	return toPaymentIntent(pi), nil
}

func (s *StripeProvider) FindSessionByPaymentIntent(ctx context.Context, paymentIntentID, account string) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	if account != "" {
		params.SetStripeAccount(account)
	}
	iter := s.api.CheckoutSessions.List(params)
	if iter.Next() {
		return toCheckoutSession(iter.CheckoutSession()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list sessions for intent %s: %w", paymentIntentID, err)
	}
	return nil, ErrSessionNotFound
}

func (s *StripeProvider) ListLineItems(ctx context.Context, sessionID, account string) ([]models.LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	params.AddExpand("data.price.product")
	if account != "" {
		params.SetStripeAccount(account)
	}

	var items []models.LineItem
	iter := s.api.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		li := iter.LineItem()
		item := models.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			AmountTotal: li.AmountTotal,
		}
		if li.Price != nil {
			item.UnitAmount = li.Price.UnitAmount
			if li.Price.Product != nil {
				item.ProductID = li.Price.Product.Metadata["product_id"]
				item.Kind = li.Price.Product.Metadata[lineKindMetadata]
			}
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, err)
	}
	return items, nil
}

// ParseWebhook verifies the signature with the secret of the channel the
// payload arrived on, then decodes it into a ProviderEvent.
func (s *StripeProvider) ParseWebhook(channel models.WebhookChannel, payload []byte, signature string) (models.ProviderEvent, error) {
	secret := s.platformSecret
	if channel == models.ChannelConnect {
		secret = s.connectSecret
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                s.webhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeStripeEvent(channel, event)
}

func decodeStripeEvent(channel models.WebhookChannel, event stripe.Event) (models.ProviderEvent, error) {
	meta := models.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Account: event.Account,
		Channel: channel,
	}
	if event.Data == nil {
		return models.UnhandledEvent{EventMeta: meta}, nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		session := *toCheckoutSession(&sess)
		switch event.Type {
		case stripe.EventTypeCheckoutSessionCompleted:
			return models.CheckoutSessionCompleted{EventMeta: meta, Session: session}, nil
		case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
			return models.CheckoutSessionAsyncPaymentSucceeded{EventMeta: meta, Session: session}, nil
		case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
			return models.CheckoutSessionAsyncPaymentFailed{EventMeta: meta, Session: session}, nil
		default:
			return models.CheckoutSessionExpired{EventMeta: meta, Session: session}, nil
		}

	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return models.PaymentIntentSucceeded{EventMeta: meta, Intent: *toPaymentIntent(&pi)}, nil

	default:
		return models.UnhandledEvent{EventMeta: meta}, nil
	}
}

// Refund refunds the full captured amount of the order's payment intent.
func (s *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentIntentID == "" {
		return nil, ErrRefundUnsupported
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID.String())
	if req.Reason != "" {
		params.AddMetadata("reconciliation_reason", req.Reason)
	}
	if req.Account != "" {
		params.SetStripeAccount(req.Account)
	}
	params.SetIdempotencyKey("refund-" + req.OrderID.String())

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			switch string(stripeErr.Code) {
			case "charge_already_refunded", "charge_disputed", "payment_intent_unexpected_state":
				return nil, fmt.Errorf("%w: %s", ErrRefundUnsupported, stripeErr.Msg)
			}
		}
		return nil, fmt.Errorf("create refund: %w", err)
	}
	return &RefundResult{ID: refund.ID, Status: string(refund.Status)}, nil
}

func priceLine(currency, name string, quantity, unitAmount int64, metadata map[string]string) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(quantity),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currency),
			UnitAmount: stripe.Int64(unitAmount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name:     stripe.String(name),
				Metadata: metadata,
			},
		},
	}
}

func toCheckoutSession(sess *stripe.CheckoutSession) *models.CheckoutSession {
	out := &models.CheckoutSession{
		ID:             sess.ID,
		URL:            sess.URL,
		PaymentStatus:  string(sess.PaymentStatus),
		Status:         string(sess.Status),
		CustomerEmail:  sess.CustomerEmail,
		Currency:       string(sess.Currency),
		AmountSubtotal: sess.AmountSubtotal,
		AmountTotal:    sess.AmountTotal,
		Metadata:       sess.Metadata,
	}
	if out.CustomerEmail == "" && sess.CustomerDetails != nil {
		out.CustomerEmail = sess.CustomerDetails.Email
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.TotalDetails != nil {
		out.AmountTax = sess.TotalDetails.AmountTax
		out.AmountShipping = sess.TotalDetails.AmountShipping
		out.AmountDiscount = sess.TotalDetails.AmountDiscount
	}
	return out
}

func toPaymentIntent(pi *stripe.PaymentIntent) *models.PaymentIntent {
	return &models.PaymentIntent{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Metadata: pi.Metadata,
	}
}
