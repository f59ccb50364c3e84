package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"reconciliation-service/models"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// confirmedOrder is a paid order whose stock check has finished.
func confirmedOrder(t *testing.T, h *harness) *models.Order {
	t.Helper()
	p := h.ledger.add(models.Product{Name: "Mug", ManageStock: true, StockQuantity: 10})
	order := orderWith(h, models.OrderItem{ProductID: p, ProductName: "Mug", Quantity: 1, UnitPrice: 1000, LineTotal: 1000})
	_, err := h.orders.MarkStockChecked(context.Background(), order.ID, time.Now())
	require.NoError(t, err)
	return h.orders.get(t, order.ID)
}

func TestDispatch_ConcurrentCallersSendOnce(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	var wg sync.WaitGroup
	outcomes := make([]DispatchOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = h.dispatcher.Dispatch(context.Background(), Notification{
				Order: order, Settings: h.storeSettings(), Kind: models.NotificationOrderConfirmation,
			})
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		if o == Sent {
			sent++
		} else {
			assert.Equal(t, AlreadySent, o)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
	require.Len(t, h.records.records, 1)
	assert.Equal(t, models.NotificationStatusSent, h.records.records[0].Status)
	assert.Equal(t, "buyer@example.com", h.records.records[0].Recipient)
}

func TestDispatch_FailedSendCanBeRetried(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	n := Notification{Order: order, Settings: h.storeSettings(), Kind: models.NotificationShipment}

	h.email.err = assert.AnError
	outcome, err := h.dispatcher.Dispatch(context.Background(), n)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, models.NotificationStatusFailed, h.records.records[0].Status)
	assert.Equal(t, assert.AnError.Error(), h.records.records[0].Error)

	h.email.err = nil
	outcome, err = h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	require.Len(t, h.records.records, 1)
	assert.Equal(t, 2, h.records.records[0].Attempts)

	outcome, err = h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, outcome)
}

func TestDispatch_AbandonedClaimIsTakenOverOnceStale(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	n := Notification{Order: order, Settings: h.storeSettings(), Kind: models.NotificationOrderConfirmation}
	h.records.records = append(h.records.records, models.NotificationRecord{
		ID: uuid.New(), OrderID: order.ID, StoreID: order.StoreID, Kind: n.Kind,
		Recipient: "buyer@example.com", Status: models.NotificationStatusSending, Attempts: 1,
		UpdatedAt: time.Now(),
	})

	outcome, err := h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, outcome)
	assert.Zero(t, h.email.count(models.NotificationOrderConfirmation))

	h.records.records[0].UpdatedAt = time.Now().Add(-repository.StaleClaimAfter - time.Minute)
	outcome, err = h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
	require.Len(t, h.records.records, 1)
	assert.Equal(t, 2, h.records.records[0].Attempts)
	assert.Equal(t, models.NotificationStatusSent, h.records.records[0].Status)
}

func TestDispatch_OwnerNoticeWithoutOwnerEmailIsSkipped(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	settings := h.storeSettings()
	settings.OwnerEmail = ""

	outcome, err := h.dispatcher.Dispatch(context.Background(), Notification{
		Order: order, Settings: settings, Kind: models.NotificationStockIssueOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.Empty(t, h.records.records)
}

func TestDispatch_OwnerNoticeGoesToOwner(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	_, err := h.dispatcher.Dispatch(context.Background(), Notification{
		Order: order, Settings: h.storeSettings(), Kind: models.NotificationStockIssueOwner,
		Shortfalls: []models.StockShortfall{{Name: "Mug", Requested: 3, Available: 1}},
	})
	require.NoError(t, err)
	require.Len(t, h.email.emails, 1)
	assert.Equal(t, "owner@acme.test", h.email.emails[0].To)
}

func TestResend_AlwaysSendsAndKeepsAutomaticRecord(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	n := Notification{Order: order, Settings: h.storeSettings(), Kind: models.NotificationOrderConfirmation}

	_, err := h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		outcome, err := h.dispatcher.Resend(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, Sent, outcome)
	}

	assert.Equal(t, 3, h.email.count(models.NotificationOrderConfirmation))
	require.Len(t, h.records.records, 3)
	assert.False(t, h.records.records[0].Manual)
	assert.True(t, h.records.records[1].Manual)
	assert.True(t, h.records.records[2].Manual)

	outcome, err := h.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, outcome)
}

func TestDispatchAfterConfirmation_InvoiceAndAutoShip(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	settings := h.storeSettings()
	settings.AutoInvoiceEnabled = true
	settings.AutoInvoicePDFEnabled = true
	settings.AutoShipEnabled = true

	h.dispatcher.DispatchAfterConfirmation(context.Background(), order, settings)

	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))
	assert.Equal(t, 1, h.email.count(models.NotificationInvoice))
	assert.Equal(t, 1, h.email.count(models.NotificationShipment))
	for _, e := range h.email.emails {
		if e.Tags["kind"] == models.NotificationInvoice {
			require.Len(t, e.Attachments, 1)
			assert.Contains(t, e.Attachments[0].Filename, "invoice-")
		}
	}

	stored := h.orders.get(t, order.ID)
	assert.Equal(t, models.OrderStatusShipped, stored.Status)
	assert.Equal(t, models.FulfillmentShipped, stored.FulfillmentStatus)
	assert.NotNil(t, stored.ShippedAt)
	assert.Equal(t, []string{models.EventOrderShipped}, h.events.types())

	// a second pass finds everything done
	h.dispatcher.DispatchAfterConfirmation(context.Background(), stored, settings)
	assert.Len(t, h.email.emails, 3)
}

func TestDispatchAfterConfirmation_Gating(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*models.Order)
	}{
		{"cancelled", func(o *models.Order) { o.Status = models.OrderStatusCancelled }},
		{"stock issue", func(o *models.Order) { o.FulfillmentStatus = models.FulfillmentStockIssue }},
		{"stock check pending", func(o *models.Order) { o.StockCheckedAt = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			order := confirmedOrder(t, h)
			tt.setup(order)

			h.dispatcher.DispatchAfterConfirmation(context.Background(), order, h.storeSettings())
			assert.Empty(t, h.email.emails)
			assert.Empty(t, h.records.records)
		})
	}
}

func TestDispatchAfterConfirmation_FailedConfirmationStopsChain(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)
	settings := h.storeSettings()
	settings.AutoInvoiceEnabled = true
	settings.AutoShipEnabled = true
	h.email.err = assert.AnError

	h.dispatcher.DispatchAfterConfirmation(context.Background(), order, settings)

	require.Len(t, h.records.records, 1)
	assert.Equal(t, models.NotificationOrderConfirmation, h.records.records[0].Kind)
	assert.Equal(t, models.OrderStatusProcessing, h.orders.get(t, order.ID).Status)
}

func TestDispatchOutcome_String(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "already_sent", AlreadySent.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "unknown", DispatchOutcome(42).String())
}
