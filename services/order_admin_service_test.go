package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deductedOrder is a paid order of two units whose stock has been taken.
func deductedOrder(t *testing.T, h *harness, flow string) (*models.Order, uuid.UUID) {
	t.Helper()
	p := h.ledger.add(models.Product{Name: "Mug", SKU: "MUG-1", ManageStock: true, StockQuantity: 5})
	order := orderWith(h, models.OrderItem{ProductID: p, ProductName: "Mug", ProductSKU: "MUG-1", Quantity: 2, UnitPrice: 900, LineTotal: 1800})
	h.orders.mutate(order.ID, func(o *models.Order) {
		o.PaymentFlow = flow
		if flow == models.PaymentFlowOnline {
			intent := "pi_admin"
			o.PaymentIntentID = &intent
		}
	})
	_, err := h.stock.Deduct(context.Background(), h.orders.get(t, order.ID))
	require.NoError(t, err)
	require.Equal(t, 3, h.ledger.product(p).StockQuantity)
	return h.orders.get(t, order.ID), p
}

func TestCancel_RestoresDeductedStock(t *testing.T) {
	h := newHarness(t)
	order, p := deductedOrder(t, h, models.PaymentFlowOffline)

	res, err := h.admin.Cancel(context.Background(), order, CancelRequest{Reason: "customer changed mind"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RestoredLines)
	assert.Equal(t, models.OrderStatusCancelled, res.Status)
	assert.Equal(t, models.PaymentStatusPaid, res.PaymentStatus)
	assert.Empty(t, res.RefundID)

	assert.Equal(t, 5, h.ledger.product(p).StockQuantity)
	stored := h.orders.get(t, order.ID)
	assert.NotNil(t, stored.CancelledAt)
	assert.Contains(t, stored.AdminNotes, "Cancelled by admin-1: customer changed mind")
	assert.Equal(t, []string{models.EventOrderCancelled}, h.events.types())
	assert.Empty(t, h.provider.refunds)
}

func TestCancel_WithRefund(t *testing.T) {
	h := newHarness(t)
	order, p := deductedOrder(t, h, models.PaymentFlowOnline)

	res, err := h.admin.Cancel(context.Background(), order, CancelRequest{Refund: true}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.RefundID)
	assert.Equal(t, models.PaymentStatusRefunded, res.PaymentStatus)
	assert.Equal(t, 1, res.RestoredLines)

	require.Len(t, h.provider.refunds, 1)
	assert.Equal(t, "pi_admin", h.provider.refunds[0].PaymentIntentID)
	assert.Equal(t, "requested_by_customer", h.provider.refunds[0].Reason)
	assert.Equal(t, 5, h.ledger.product(p).StockQuantity)
	assert.Equal(t, 1, h.email.count(models.NotificationRefundConfirmation))
	assert.Equal(t, []string{models.EventOrderCancelled, models.EventOrderRefunded}, h.events.types())
}

func TestCancel_RefundOfOfflinePaymentConflicts(t *testing.T) {
	h := newHarness(t)
	order, p := deductedOrder(t, h, models.PaymentFlowOffline)

	_, err := h.admin.Cancel(context.Background(), order, CancelRequest{Refund: true}, "admin-1")
	assert.Equal(t, http.StatusConflict, apperrors.StatusCode(err))
	assert.ErrorIs(t, err, ErrRefundUnsupported)
	assert.Equal(t, models.OrderStatusProcessing, h.orders.get(t, order.ID).Status)
	assert.Equal(t, 3, h.ledger.product(p).StockQuantity)
}

func TestCancel_RefundFailureKeepsOrderOpen(t *testing.T) {
	h := newHarness(t)
	order, p := deductedOrder(t, h, models.PaymentFlowOnline)
	h.provider.refundErr = errors.New("card_declined")

	_, err := h.admin.Cancel(context.Background(), order, CancelRequest{Refund: true}, "admin-1")
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
	assert.Equal(t, models.PaymentStatusPaid, h.orders.get(t, order.ID).PaymentStatus)
	assert.Equal(t, 3, h.ledger.product(p).StockQuantity)
	assert.Empty(t, h.events.types())
}

func TestCancel_AlreadyCancelled(t *testing.T) {
	h := newHarness(t)
	order, _ := deductedOrder(t, h, models.PaymentFlowOffline)
	_, err := h.admin.Cancel(context.Background(), order, CancelRequest{}, "admin-1")
	require.NoError(t, err)

	_, err = h.admin.Cancel(context.Background(), h.orders.get(t, order.ID), CancelRequest{}, "admin-1")
	assert.Equal(t, http.StatusConflict, apperrors.StatusCode(err))
}

func TestAdminResend_UnknownKind(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	_, err := h.admin.Resend(context.Background(), order, "newsletter")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))
	assert.Empty(t, h.email.emails)
}

func TestAdminResend_SendsManualCopy(t *testing.T) {
	h := newHarness(t)
	order := confirmedOrder(t, h)

	res, err := h.admin.Resend(context.Background(), order, models.NotificationOrderConfirmation)
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Outcome)
	assert.Equal(t, 1, h.email.count(models.NotificationOrderConfirmation))

	records, err := h.admin.ListNotifications(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Manual)
	assert.Equal(t, models.NotificationStatusSent, records[0].Status)
}

func TestAdminResend_OwnerNoticeWithoutOwner(t *testing.T) {
	h := newHarness(t)
	h.storeSettings().OwnerEmail = ""
	order := confirmedOrder(t, h)

	_, err := h.admin.Resend(context.Background(), order, models.NotificationStockIssueOwner)
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))
}

func TestAdminGetOrder_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.admin.GetOrder(context.Background(), uuid.New())
	assert.Equal(t, http.StatusNotFound, apperrors.StatusCode(err))
}
