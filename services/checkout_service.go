package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"
	"reconciliation-service/money"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var offlineMethods = map[string]bool{
	"cod":                       true,
	"cash_on_delivery":          true,
	"bank_transfer_on_delivery": true,
	"pay_on_pickup":             true,
}

// PaymentFlowFor classifies a checkout payment method.
func PaymentFlowFor(method string) string {
	if offlineMethods[strings.ToLower(strings.TrimSpace(method))] {
		return models.PaymentFlowOffline
	}
	return models.PaymentFlowOnline
}

type OptionRequest struct {
	Name  string      `json:"name" binding:"required"`
	Value string      `json:"value"`
	Price json.Number `json:"price"`
}

type ItemRequest struct {
	ProductID       uuid.UUID       `json:"product_id" binding:"required"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity" binding:"required,min=1"`
	UnitPrice       json.Number     `json:"unit_price" binding:"required"`
	SelectedOptions []OptionRequest `json:"selected_options"`
}

// OrderRequest is the JSON shape shared by both intake endpoints. Amounts are
// major-unit decimals ("12.50").
type OrderRequest struct {
	StoreID              uuid.UUID       `json:"store_id" binding:"required"`
	Currency             string          `json:"currency" binding:"required,len=3"`
	CustomerEmail        string          `json:"customer_email" binding:"required,email"`
	CustomerID           *uuid.UUID      `json:"customer_id"`
	CustomerName         string          `json:"customer_name"`
	CustomerPhone        string          `json:"customer_phone"`
	ShippingAddress      *models.Address `json:"shipping_address"`
	BillingAddress       *models.Address `json:"billing_address"`
	DeliveryDate         *time.Time      `json:"delivery_date"`
	DeliveryTimeSlot     string          `json:"delivery_time_slot"`
	DeliveryInstructions string          `json:"delivery_instructions"`
	Items                []ItemRequest   `json:"items" binding:"required,min=1,dive"`
	TaxAmount            json.Number     `json:"tax_amount"`
	ShippingAmount       json.Number     `json:"shipping_amount"`
	PaymentFeeAmount     json.Number     `json:"payment_fee_amount"`
	DiscountAmount       json.Number     `json:"discount_amount"`
}

type CheckoutRequest struct {
	OrderRequest
	PaymentMethod string `json:"payment_method" binding:"required"`
	SuccessURL    string `json:"success_url"`
	CancelURL     string `json:"cancel_url"`
}

type IntakeRequest struct {
	OrderRequest
	PaymentReference string `json:"payment_reference" binding:"required"`
	PaymentIntentID  string `json:"payment_intent_id"`
	PaymentFlow      string `json:"payment_flow"`
	PaymentMethod    string `json:"payment_method"`
}

type CheckoutStartResult struct {
	OrderID          uuid.UUID `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	PaymentReference string    `json:"payment_reference"`
	PaymentFlow      string    `json:"payment_flow"`
	Status           string    `json:"status"`
	PaymentStatus    string    `json:"payment_status"`
	CheckoutURL      string    `json:"checkout_url,omitempty"`
}

// ToIntake converts the decimal request amounts into minor units.
func (r OrderRequest) ToIntake(reference, intentID, flow, method string) (models.OrderIntake, error) {
	in := models.OrderIntake{
		StoreID:              r.StoreID,
		PaymentReference:     reference,
		PaymentIntentID:      intentID,
		PaymentFlow:          flow,
		PaymentMethod:        method,
		Currency:             strings.ToLower(r.Currency),
		CustomerEmail:        r.CustomerEmail,
		CustomerID:           r.CustomerID,
		CustomerName:         r.CustomerName,
		CustomerPhone:        r.CustomerPhone,
		ShippingAddress:      r.ShippingAddress,
		BillingAddress:       r.BillingAddress,
		DeliveryDate:         r.DeliveryDate,
		DeliveryTimeSlot:     r.DeliveryTimeSlot,
		DeliveryInstructions: r.DeliveryInstructions,
	}

	amounts := []struct {
		field  string
		raw    json.Number
		target *int64
	}{
		{"tax_amount", r.TaxAmount, &in.TaxAmount},
		{"shipping_amount", r.ShippingAmount, &in.ShippingAmount},
		{"payment_fee_amount", r.PaymentFeeAmount, &in.PaymentFeeAmount},
		{"discount_amount", r.DiscountAmount, &in.DiscountAmount},
	}
	for _, a := range amounts {
		minor, err := money.ToMinorUnits(a.raw.String(), in.Currency)
		if err != nil {
			return in, apperrors.Validation(fmt.Sprintf("%s: %v", a.field, err))
		}
		*a.target = minor
	}

	for i, item := range r.Items {
		unit, err := money.ToMinorUnits(item.UnitPrice.String(), in.Currency)
		if err != nil {
			return in, apperrors.Validation(fmt.Sprintf("items[%d].unit_price: %v", i, err))
		}
		options := make([]models.SelectedOption, 0, len(item.SelectedOptions))
		for j, opt := range item.SelectedOptions {
			price, err := money.ToMinorUnits(opt.Price.String(), in.Currency)
			if err != nil {
				return in, apperrors.Validation(fmt.Sprintf("items[%d].selected_options[%d].price: %v", i, j, err))
			}
			unit += price
			options = append(options, models.SelectedOption{Name: opt.Name, Value: opt.Value, Price: price})
		}
		in.Items = append(in.Items, models.IntakeItem{
			ProductID:       item.ProductID,
			Name:            item.Name,
			Quantity:        item.Quantity,
			UnitPrice:       unit,
			SelectedOptions: options,
		})
	}
	return in, nil
}

type CheckoutService struct {
	orders       repository.OrderRepository
	products     repository.ProductRepository
	customers    repository.CustomerRepository
	settings     SettingsProvider
	provider     PaymentProvider
	stock        *StockService
	compensation *CompensationService
	followUps    FollowUpQueue
	events       EventPublisher
	metrics      Metrics
	validate     *validator.Validate
	logger       *zap.Logger

	frontendURL string
	now         func() time.Time
}

func NewCheckoutService(
	orders repository.OrderRepository,
	products repository.ProductRepository,
	customers repository.CustomerRepository,
	settings SettingsProvider,
	provider PaymentProvider,
	stock *StockService,
	compensation *CompensationService,
	followUps FollowUpQueue,
	events EventPublisher,
	metrics Metrics,
	frontendURL string,
	logger *zap.Logger,
) *CheckoutService {
	return &CheckoutService{
		orders:       orders,
		products:     products,
		customers:    customers,
		settings:     settings,
		provider:     provider,
		stock:        stock,
		compensation: compensation,
		followUps:    followUps,
		events:       events,
		metrics:      metricsOrNoop(metrics),
		validate:     validator.New(),
		logger:       logger,
		frontendURL:  strings.TrimRight(frontendURL, "/"),
		now:          time.Now,
	}
}

// CreateOrder persists a pending order for a checkout reference. Offline
// orders are confirmed on creation and reconciled against stock right away.
func (s *CheckoutService) CreateOrder(ctx context.Context, in models.OrderIntake) (*models.Order, error) {
	in.Currency = strings.ToLower(in.Currency)
	if err := s.validate.Struct(in); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if in.StoreID == uuid.Nil {
		return nil, apperrors.Validation("store_id is required")
	}
	for i, item := range in.Items {
		if item.ProductID == uuid.Nil {
			return nil, apperrors.Validation(fmt.Sprintf("items[%d].product_id is required", i))
		}
	}

	log := s.logger.With(zap.String("store_id", in.StoreID.String()), zap.String("reference", in.PaymentReference))
	customerID := s.resolveCustomer(ctx, log, in)

	ids := make([]uuid.UUID, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Internal("failed to load products", err)
	}

	now := s.now().UTC()
	order := &models.Order{
		ID:                   in.OrderID,
		StoreID:              in.StoreID,
		PaymentReference:     in.PaymentReference,
		PaymentFlow:          in.PaymentFlow,
		PaymentMethod:        in.PaymentMethod,
		Currency:             in.Currency,
		TaxAmount:            in.TaxAmount,
		ShippingAmount:       in.ShippingAmount,
		PaymentFeeAmount:     in.PaymentFeeAmount,
		DiscountAmount:       in.DiscountAmount,
		CustomerEmail:        in.CustomerEmail,
		CustomerID:           customerID,
		CustomerName:         in.CustomerName,
		CustomerPhone:        in.CustomerPhone,
		ShippingAddress:      in.ShippingAddress,
		BillingAddress:       in.BillingAddress,
		DeliveryDate:         in.DeliveryDate,
		DeliveryTimeSlot:     in.DeliveryTimeSlot,
		DeliveryInstructions: in.DeliveryInstructions,
		PaymentStatus:        models.PaymentStatusPending,
		FulfillmentStatus:    models.FulfillmentPending,
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.OrderNumber = orderNumber(now, order.ID)
	if in.PaymentIntentID != "" {
		order.PaymentIntentID = &in.PaymentIntentID
	}
	if in.PaymentFlow == models.PaymentFlowOffline {
		order.Status = models.OrderStatusProcessing
		order.ConfirmedAt = &now
	} else {
		order.Status = models.OrderStatusPending
	}

	for i, item := range in.Items {
		line := models.OrderItem{
			ID:              uuid.New(),
			OrderID:         order.ID,
			ProductID:       item.ProductID,
			ProductName:     item.Name,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			SelectedOptions: item.SelectedOptions,
		}
		if p, ok := products[item.ProductID]; ok {
			line.ProductName = p.Name
			line.ProductSKU = p.SKU
			line.ProductImage = p.ImageURL
		} else {
			log.Warn("product not found, using request snapshot", zap.String("product_id", item.ProductID.String()))
		}
		if line.ProductName == "" {
			return nil, apperrors.Validation(fmt.Sprintf("items[%d]: unknown product %s", i, item.ProductID))
		}

		var ok bool
		if line.LineTotal, ok = mulMinor(item.UnitPrice, item.Quantity); !ok {
			return nil, apperrors.Validation(fmt.Sprintf("items[%d]: amount overflow", i))
		}
		if order.Subtotal, ok = addMinor(order.Subtotal, line.LineTotal); !ok {
			return nil, apperrors.Validation("subtotal overflow")
		}
		order.Items = append(order.Items, line)
	}

	total, ok := order.Subtotal, true
	for _, amount := range []int64{in.TaxAmount, in.ShippingAmount, in.PaymentFeeAmount, -in.DiscountAmount} {
		if total, ok = addMinor(total, amount); !ok {
			return nil, apperrors.Validation("total overflow")
		}
	}
	if total < 0 {
		return nil, apperrors.Validation("discount exceeds order total")
	}
	order.TotalAmount = total

	if err := s.orders.CreateWithItems(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateReference) {
			return nil, apperrors.Conflict("order already exists for this payment reference", err)
		}
		return nil, apperrors.Internal("failed to create order", err)
	}
	log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("flow", order.PaymentFlow),
		zap.Int64("total", order.TotalAmount))
	_ = s.metrics.RecordCount(ctx, awspkg.MetricOrdersCreated, map[string]string{"Flow": order.PaymentFlow})
	publishBestEffort(ctx, s.events, s.logger, models.NewOrderEvent(models.EventOrderCreated, order))

	if order.PaymentFlow == models.PaymentFlowOffline {
		s.reconcileOffline(ctx, log, order)
	}
	return order, nil
}

func (s *CheckoutService) reconcileOffline(ctx context.Context, log *zap.Logger, order *models.Order) {
	ctx, cancel := detached(ctx)
	defer cancel()

	result := s.stock.Reconcile(ctx, order, s.compensation)
	if result.Success {
		return
	}
	job := FollowUpJob{OrderID: order.ID, Shortfalls: result.Shortfalls, Trigger: "offline_intake"}
	if err := s.followUps.Enqueue(ctx, job); err != nil {
		log.Error("failed to enqueue compensation", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

// resolveCustomer keeps customer_id only when it belongs to the store and
// matches the order email; anything else degrades to a guest order.
func (s *CheckoutService) resolveCustomer(ctx context.Context, log *zap.Logger, in models.OrderIntake) *uuid.UUID {
	if in.CustomerID == nil || *in.CustomerID == uuid.Nil {
		return nil
	}
	customer, err := s.customers.FindByID(ctx, in.StoreID, *in.CustomerID)
	if err != nil {
		log.Warn("customer lookup failed, continuing as guest",
			zap.String("customer_id", in.CustomerID.String()), zap.Error(err))
		return nil
	}
	if !strings.EqualFold(customer.Email, in.CustomerEmail) {
		log.Warn("customer email mismatch, continuing as guest", zap.String("customer_id", in.CustomerID.String()))
		return nil
	}
	id := customer.ID
	return &id
}

// StartCheckout creates the provider session (online) or an offline
// reference, then records the pending order.
func (s *CheckoutService) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutStartResult, error) {
	flow := PaymentFlowFor(req.PaymentMethod)
	orderID := uuid.New()

	if flow == models.PaymentFlowOffline {
		in, err := req.ToIntake("offline_"+uuid.NewString(), "", flow, req.PaymentMethod)
		if err != nil {
			return nil, err
		}
		in.OrderID = orderID
		order, err := s.CreateOrder(ctx, in)
		if err != nil {
			return nil, err
		}
		return startResult(order, ""), nil
	}

	// placeholder reference; replaced by the session id below
	in, err := req.ToIntake("pending", "", flow, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	in.OrderID = orderID
	if err := s.validate.Struct(in); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	settings, err := s.settings.GetSettings(ctx, in.StoreID)
	if err != nil {
		return nil, apperrors.Internal("failed to load store settings", err)
	}

	session, err := s.provider.CreateCheckoutSession(ctx, s.sessionParams(ctx, in, req, settings))
	if err != nil {
		return nil, apperrors.Upstream("failed to create checkout session", err)
	}

	in.PaymentReference = session.ID
	order, err := s.CreateOrder(ctx, in)
	if err != nil {
		s.logger.Error("order not recorded for checkout session; webhook will rebuild it",
			zap.String("session_id", session.ID), zap.Error(err))
		return nil, err
	}
	return startResult(order, session.URL), nil
}

func (s *CheckoutService) sessionParams(ctx context.Context, in models.OrderIntake, req CheckoutRequest, settings *models.StoreSettings) CheckoutSessionParams {
	ids := make([]uuid.UUID, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("product lookup for session line names failed", zap.Error(err))
	}

	params := CheckoutSessionParams{
		StoreID:          in.StoreID,
		Account:          settings.ConnectedAccount(),
		Currency:         in.Currency,
		CustomerEmail:    in.CustomerEmail,
		TaxAmount:        in.TaxAmount,
		ShippingAmount:   in.ShippingAmount,
		PaymentFeeAmount: in.PaymentFeeAmount,
		DiscountAmount:   in.DiscountAmount,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
		Metadata: map[string]string{
			"store_id": in.StoreID.String(),
			"order_id": in.OrderID.String(),
		},
	}
	if in.CustomerID != nil {
		params.Metadata["customer_id"] = in.CustomerID.String()
	}
	if params.SuccessURL == "" {
		params.SuccessURL = s.frontendURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
	}
	if params.CancelURL == "" {
		params.CancelURL = s.frontendURL + "/checkout/cancel"
	}
	for _, item := range in.Items {
		name := item.Name
		if p, ok := products[item.ProductID]; ok && p.Name != "" {
			name = p.Name
		}
		if name == "" {
			name = "Item"
		}
		params.Items = append(params.Items, SessionLineItem{
			ProductID:  item.ProductID,
			Name:       name,
			Quantity:   item.Quantity,
			UnitAmount: item.UnitPrice,
		})
	}
	return params
}

func startResult(order *models.Order, url string) *CheckoutStartResult {
	return &CheckoutStartResult{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		PaymentReference: order.PaymentReference,
		PaymentFlow:      order.PaymentFlow,
		Status:           order.Status,
		PaymentStatus:    order.PaymentStatus,
		CheckoutURL:      url,
	}
}

func orderNumber(now time.Time, id uuid.UUID) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102-150405"), strings.ReplaceAll(id.String(), "-", "")[:8])
}

func mulMinor(amount int64, qty int) (int64, bool) {
	if amount == 0 || qty == 0 {
		return 0, true
	}
	r := amount * int64(qty)
	if r/int64(qty) != amount {
		return 0, false
	}
	return r, true
}

func addMinor(a, b int64) (int64, bool) {
	r := a + b
	if (r > a) != (b > 0) {
		return 0, false
	}
	return r, true
}
