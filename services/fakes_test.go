package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reconciliation-service/models"
	"reconciliation-service/repository"
	"reconciliation-service/sender"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOrderRepo keeps orders in memory and applies the same guards as the
// SQL conditional updates.
type fakeOrderRepo struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*models.Order
	markPaid  int
	findErr   error
	createErr error
	// afterMarkPaid runs once the paid transition has committed
	afterMarkPaid func()
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: map[uuid.UUID]*models.Order{}}
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func (r *fakeOrderRepo) CreateWithItems(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, o := range r.orders {
		if o.PaymentReference == order.PaymentReference || o.ID == order.ID {
			return repository.ErrDuplicateReference
		}
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *fakeOrderRepo) find(match func(*models.Order) bool) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, o := range r.orders {
		if match(o) {
			return cloneOrder(o), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeOrderRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return r.find(func(o *models.Order) bool { return o.ID == id })
}

func (r *fakeOrderRepo) FindByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	return r.find(func(o *models.Order) bool { return o.PaymentReference == ref })
}

func (r *fakeOrderRepo) FindByPaymentIntentID(_ context.Context, id string) (*models.Order, error) {
	return r.find(func(o *models.Order) bool { return o.PaymentIntentID != nil && *o.PaymentIntentID == id })
}

func (r *fakeOrderRepo) update(id uuid.UUID, guard func(*models.Order) bool, apply func(*models.Order)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || !guard(o) {
		return false, nil
	}
	apply(o)
	return true, nil
}

func appendNoteTo(o *models.Order, note string) {
	if note == "" {
		return
	}
	if o.AdminNotes != "" {
		o.AdminNotes += "\n"
	}
	o.AdminNotes += note
}

func (r *fakeOrderRepo) MarkPaid(_ context.Context, id uuid.UUID, intentID string, at time.Time) (bool, error) {
	r.mu.Lock()
	r.markPaid++
	hook := r.afterMarkPaid
	r.mu.Unlock()
	won, err := r.update(id,
		func(o *models.Order) bool {
			return o.Status == models.OrderStatusPending && o.PaymentStatus == models.PaymentStatusPending
		},
		func(o *models.Order) {
			o.Status = models.OrderStatusProcessing
			o.PaymentStatus = models.PaymentStatusPaid
			o.ConfirmedAt = &at
			if intentID != "" && o.PaymentIntentID == nil {
				o.PaymentIntentID = &intentID
			}
		})
	if won && hook != nil {
		hook()
	}
	return won, err
}

func (r *fakeOrderRepo) MarkStockIssue(_ context.Context, id uuid.UUID, note string) (bool, error) {
	return r.update(id,
		func(o *models.Order) bool {
			return o.Status == models.OrderStatusProcessing && o.FulfillmentStatus == models.FulfillmentPending
		},
		func(o *models.Order) {
			o.FulfillmentStatus = models.FulfillmentStockIssue
			appendNoteTo(o, note)
		})
}

func (r *fakeOrderRepo) MarkStockChecked(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.update(id,
		func(o *models.Order) bool { return o.StockCheckedAt == nil },
		func(o *models.Order) { o.StockCheckedAt = &at })
}

func (r *fakeOrderRepo) MarkRefunded(_ context.Context, id uuid.UUID, refund repository.RefundRecord) (bool, error) {
	return r.update(id,
		func(o *models.Order) bool { return o.PaymentStatus == models.PaymentStatusPaid },
		func(o *models.Order) {
			o.Status = models.OrderStatusCancelled
			o.PaymentStatus = models.PaymentStatusRefunded
			o.RefundID = &refund.RefundID
			o.RefundProvider = &refund.Provider
			o.RefundedAt = &refund.At
			if o.CancelledAt == nil {
				o.CancelledAt = &refund.At
			}
			appendNoteTo(o, refund.Note)
		})
}

func (r *fakeOrderRepo) MarkShipped(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.update(id,
		func(o *models.Order) bool {
			return o.Status == models.OrderStatusProcessing && o.FulfillmentStatus == models.FulfillmentPending
		},
		func(o *models.Order) {
			o.Status = models.OrderStatusShipped
			o.FulfillmentStatus = models.FulfillmentShipped
			o.ShippedAt = &at
		})
}

func (r *fakeOrderRepo) Cancel(_ context.Context, id uuid.UUID, at time.Time, note string) (bool, error) {
	return r.update(id,
		func(o *models.Order) bool {
			return o.Status != models.OrderStatusCancelled && o.Status != models.OrderStatusRefunded && o.Status != models.OrderStatusDelivered
		},
		func(o *models.Order) {
			o.Status = models.OrderStatusCancelled
			o.CancelledAt = &at
			appendNoteTo(o, note)
		})
}

func (r *fakeOrderRepo) AppendAdminNote(_ context.Context, id uuid.UUID, note string) error {
	_, err := r.update(id, func(*models.Order) bool { return true }, func(o *models.Order) { appendNoteTo(o, note) })
	return err
}

func (r *fakeOrderRepo) flipItem(itemID uuid.UUID, from, to bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				if o.Items[i].StockDeducted != from {
					return false, nil
				}
				o.Items[i].StockDeducted = to
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *fakeOrderRepo) MarkItemDeducted(_ context.Context, itemID uuid.UUID) (bool, error) {
	return r.flipItem(itemID, false, true)
}

func (r *fakeOrderRepo) ClaimItemRestore(_ context.Context, itemID uuid.UUID) (bool, error) {
	return r.flipItem(itemID, true, false)
}

func (r *fakeOrderRepo) get(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	o, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

// fakeLedger is both the inventory ledger and the product catalog.
type fakeLedger struct {
	mu        sync.Mutex
	products  map[uuid.UUID]*models.Product
	deducts   int
	restores  int
	deductErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{products: map[uuid.UUID]*models.Product{}}
}

func (l *fakeLedger) add(p models.Product) uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	l.products[p.ID] = &p
	return p.ID
}

func (l *fakeLedger) product(id uuid.UUID) models.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.products[id]
}

func (l *fakeLedger) Deduct(ctx context.Context, productID uuid.UUID, qty int) (repository.DeductOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return repository.DeductOutcome{}, err
	}
	l.deducts++
	if l.deductErr != nil {
		return repository.DeductOutcome{}, l.deductErr
	}
	p, ok := l.products[productID]
	if !ok {
		return repository.DeductOutcome{Status: repository.ProductMissing}, nil
	}
	if !p.TracksStock() {
		p.PurchaseCount += qty
		return repository.DeductOutcome{Status: repository.CountedOnly}, nil
	}
	if p.StockQuantity < qty && !p.AllowBackorders {
		return repository.DeductOutcome{Status: repository.Insufficient, Available: p.StockQuantity}, nil
	}
	p.StockQuantity = max(p.StockQuantity-qty, 0)
	p.PurchaseCount += qty
	return repository.DeductOutcome{Status: repository.Deducted}, nil
}

func (l *fakeLedger) Restore(ctx context.Context, productID uuid.UUID, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	l.restores++
	p, ok := l.products[productID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.TracksStock() {
		p.StockQuantity += qty
		p.PurchaseCount = max(p.PurchaseCount-qty, 0)
	}
	return nil
}

func (l *fakeLedger) FindByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[uuid.UUID]models.Product{}
	for _, id := range ids {
		if p, ok := l.products[id]; ok {
			out[id] = *p
		}
	}
	return out, nil
}

type fakeNotificationRepo struct {
	mu      sync.Mutex
	records []models.NotificationRecord
	err     error
}

func (r *fakeNotificationRepo) Claim(_ context.Context, rec *models.NotificationRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	for i := range r.records {
		existing := &r.records[i]
		if existing.Manual || existing.OrderID != rec.OrderID || existing.Kind != rec.Kind {
			continue
		}
		stale := existing.Status == models.NotificationStatusSending &&
			existing.UpdatedAt.Before(time.Now().Add(-repository.StaleClaimAfter))
		if existing.Status != models.NotificationStatusFailed && !stale {
			return false, nil
		}
		existing.Status = models.NotificationStatusSending
		existing.UpdatedAt = time.Now()
		existing.Attempts++
		existing.Recipient = rec.Recipient
		rec.ID = existing.ID
		rec.Attempts = existing.Attempts
		return true, nil
	}
	rec.ID = uuid.New()
	rec.Status = models.NotificationStatusSending
	rec.Attempts = 1
	rec.UpdatedAt = time.Now()
	r.records = append(r.records, *rec)
	return true, nil
}

func (r *fakeNotificationRepo) CreateManual(_ context.Context, rec *models.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uuid.New()
	rec.Manual = true
	rec.Status = models.NotificationStatusSending
	rec.Attempts = 1
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeNotificationRepo) set(id uuid.UUID, apply func(*models.NotificationRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].ID == id {
			apply(&r.records[i])
		}
	}
}

func (r *fakeNotificationRepo) MarkSent(_ context.Context, id uuid.UUID, messageID string, at time.Time) error {
	r.set(id, func(rec *models.NotificationRecord) {
		rec.Status = models.NotificationStatusSent
		rec.MessageID = messageID
		rec.SentAt = &at
	})
	return nil
}

func (r *fakeNotificationRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.set(id, func(rec *models.NotificationRecord) {
		rec.Status = models.NotificationStatusFailed
		rec.Error = reason
	})
	return nil
}

func (r *fakeNotificationRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]models.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationRecord
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeCustomerRepo struct {
	customers map[uuid.UUID]models.Customer
}

func (r *fakeCustomerRepo) FindByID(_ context.Context, storeID, id uuid.UUID) (*models.Customer, error) {
	c, ok := r.customers[id]
	if !ok || c.StoreID != storeID {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	stores map[uuid.UUID]*models.StoreSettings
}

func (f *fakeSettings) GetSettings(_ context.Context, storeID uuid.UUID) (*models.StoreSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stores[storeID]; ok {
		c := *s
		return &c, nil
	}
	return models.DefaultStoreSettings(storeID), nil
}

type fakeProvider struct {
	mu        sync.Mutex
	sessions  map[string]*models.CheckoutSession
	lineItems map[string][]models.LineItem
	created   []CheckoutSessionParams
	refunds   []RefundRequest
	refundErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: map[string]*models.CheckoutSession{}, lineItems: map[string][]models.LineItem{}}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, params CheckoutSessionParams) (*models.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, params)
	id := fmt.Sprintf("cs_test_%d", len(p.created))
	s := &models.CheckoutSession{ID: id, URL: "https://checkout.test/" + id, PaymentStatus: "unpaid", Status: "open", Metadata: params.Metadata}
	p.sessions[id] = s
	c := *s
	return &c, nil
}

func (p *fakeProvider) RetrieveCheckoutSession(_ context.Context, id, _ string) (*models.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (p *fakeProvider) RetrievePaymentIntent(_ context.Context, id, _ string) (*models.PaymentIntent, error) {
	return &models.PaymentIntent{ID: id, Status: "succeeded"}, nil
}

func (p *fakeProvider) FindSessionByPaymentIntent(_ context.Context, intentID, _ string) (*models.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.PaymentIntentID == intentID {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (p *fakeProvider) ListLineItems(_ context.Context, sessionID, _ string) ([]models.LineItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineItems[sessionID], nil
}

func (p *fakeProvider) ParseWebhook(models.WebhookChannel, []byte, string) (models.ProviderEvent, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return &RefundResult{ID: fmt.Sprintf("re_%d", len(p.refunds)), Status: "succeeded"}, nil
}

func (p *fakeProvider) pay(sessionID, intentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[sessionID]
	s.PaymentStatus = "paid"
	s.Status = "complete"
	s.PaymentIntentID = intentID
}

type recordingSender struct {
	mu     sync.Mutex
	emails []sender.Email
	err    error
}

func (s *recordingSender) SendEmail(_ context.Context, email sender.Email) (sender.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sender.SendResult{}, s.err
	}
	s.emails = append(s.emails, email)
	return sender.SendResult{MessageID: fmt.Sprintf("msg-%d", len(s.emails)), SentAt: time.Now()}, nil
}

func (s *recordingSender) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emails {
		if e.Tags["kind"] == kind {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, evt models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// syncQueue runs follow-up jobs inline so tests observe their effects.
type syncQueue struct {
	mu     sync.Mutex
	runner *FollowUpRunner
	jobs   []FollowUpJob
}

func (q *syncQueue) Enqueue(ctx context.Context, job FollowUpJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	if q.runner == nil {
		return nil
	}
	return q.runner.Run(ctx, job)
}

type harness struct {
	orders    *fakeOrderRepo
	ledger    *fakeLedger
	records   *fakeNotificationRepo
	customers *fakeCustomerRepo
	settings  *fakeSettings
	provider  *fakeProvider
	email     *recordingSender
	events    *recordingPublisher
	queue     *syncQueue

	stock        *StockService
	dispatcher   *NotificationDispatcher
	compensation *CompensationService
	runner       *FollowUpRunner
	checkout     *CheckoutService
	confirmation *ConfirmationService
	admin        *OrderAdminService

	storeID uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	renderer, err := sender.NewTemplateRenderer()
	require.NoError(t, err)

	log := zap.NewNop()
	h := &harness{
		orders:    newFakeOrderRepo(),
		ledger:    newFakeLedger(),
		records:   &fakeNotificationRepo{},
		customers: &fakeCustomerRepo{customers: map[uuid.UUID]models.Customer{}},
		settings:  &fakeSettings{stores: map[uuid.UUID]*models.StoreSettings{}},
		provider:  newFakeProvider(),
		email:     &recordingSender{},
		events:    &recordingPublisher{},
		queue:     &syncQueue{},
		storeID:   uuid.New(),
	}
	h.settings.stores[h.storeID] = &models.StoreSettings{
		StoreID:            h.storeID,
		StoreName:          "Acme",
		OwnerEmail:         "owner@acme.test",
		StockIssueHandling: models.StockIssueManualReview,
	}

	h.dispatcher = NewNotificationDispatcher(h.records, h.orders, renderer, sender.HTMLInvoiceRenderer{}, h.email, h.events, nil, log)
	h.compensation = NewCompensationService(h.orders, h.dispatcher, h.provider, h.events, nil, log)
	h.runner = NewFollowUpRunner(h.orders, h.settings, h.compensation, h.dispatcher, nil, log)
	h.queue.runner = h.runner
	h.stock = NewStockService(h.ledger, h.orders, nil, log)
	h.checkout = NewCheckoutService(h.orders, h.ledger, h.customers, h.settings, h.provider, h.stock, h.compensation, h.queue, h.events, nil, "https://shop.test", log)
	h.confirmation = NewConfirmationService(h.orders, h.settings, h.provider, h.checkout, h.stock, h.compensation, h.queue, h.events, nil, log)
	h.admin = NewOrderAdminService(h.orders, h.records, h.settings, h.provider, h.stock, h.dispatcher, h.events, log)
	return h
}

func (h *harness) storeSettings() *models.StoreSettings {
	return h.settings.stores[h.storeID]
}

// pendingOrder starts an online checkout for qty units of productID and
// returns the order and its session id.
func (h *harness) pendingOrder(t *testing.T, productID uuid.UUID, qty int) (*models.Order, string) {
	t.Helper()
	res, err := h.checkout.StartCheckout(context.Background(), CheckoutRequest{
		OrderRequest: OrderRequest{
			StoreID:       h.storeID,
			Currency:      "usd",
			CustomerEmail: "buyer@example.com",
			Items:         []ItemRequest{{ProductID: productID, Quantity: qty, UnitPrice: "10.00"}},
		},
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	return h.orders.get(t, res.OrderID), res.PaymentReference
}
