package services

import (
	"context"
	"fmt"
	"time"

	"reconciliation-service/models"
	awspkg "reconciliation-service/pkg/aws"
	"reconciliation-service/repository"
	"reconciliation-service/sender"

	"go.uber.org/zap"
)

type DispatchOutcome int

const (
	Sent DispatchOutcome = iota
	AlreadySent
	Failed
	Skipped
)

func (o DispatchOutcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case AlreadySent:
		return "already_sent"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type Renderer interface {
	Render(msg sender.Message) (sender.Email, error)
}

type InvoiceRenderer interface {
	RenderInvoice(order *models.Order, settings *models.StoreSettings) (sender.Attachment, error)
}

// Notification is one email to dispatch for an order.
type Notification struct {
	Order      *models.Order
	Settings   *models.StoreSettings
	Kind       string
	Shortfalls []models.StockShortfall
}

// NotificationDispatcher sends each automatic notification kind at most once
// per order. The claim in the notification log is taken before sending, so a
// concurrent dispatcher sees AlreadySent instead of sending again.
type NotificationDispatcher struct {
	records  repository.NotificationRepository
	orders   repository.OrderRepository
	renderer Renderer
	invoices InvoiceRenderer
	email    sender.EmailSender
	events   EventPublisher
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewNotificationDispatcher(
	records repository.NotificationRepository,
	orders repository.OrderRepository,
	renderer Renderer,
	invoices InvoiceRenderer,
	email sender.EmailSender,
	events EventPublisher,
	metrics Metrics,
	logger *zap.Logger,
) *NotificationDispatcher {
	return &NotificationDispatcher{
		records:  records,
		orders:   orders,
		renderer: renderer,
		invoices: invoices,
		email:    email,
		events:   events,
		metrics:  metricsOrNoop(metrics),
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch claims and sends one automatic notification.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, n Notification) (DispatchOutcome, error) {
	recipient, ok := d.recipient(n)
	if !ok {
		d.logger.Warn("notification skipped: no recipient",
			zap.String("order_id", n.Order.ID.String()),
			zap.String("kind", n.Kind))
		return Skipped, nil
	}

	rec := &models.NotificationRecord{
		OrderID:   n.Order.ID,
		StoreID:   n.Order.StoreID,
		Kind:      n.Kind,
		Recipient: recipient,
	}
	claimed, err := d.records.Claim(ctx, rec)
	if err != nil {
		return Failed, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		d.logger.Debug("notification already sent",
			zap.String("order_id", n.Order.ID.String()),
			zap.String("kind", n.Kind))
		return AlreadySent, nil
	}
	return d.send(ctx, rec, n)
}

// Resend always sends, recording a manual entry alongside the automatic one.
func (d *NotificationDispatcher) Resend(ctx context.Context, n Notification) (DispatchOutcome, error) {
	recipient, ok := d.recipient(n)
	if !ok {
		return Skipped, fmt.Errorf("no recipient for %s", n.Kind)
	}
	rec := &models.NotificationRecord{
		OrderID:   n.Order.ID,
		StoreID:   n.Order.StoreID,
		Kind:      n.Kind,
		Recipient: recipient,
	}
	if err := d.records.CreateManual(ctx, rec); err != nil {
		return Failed, fmt.Errorf("record manual notification: %w", err)
	}
	return d.send(ctx, rec, n)
}

func (d *NotificationDispatcher) send(ctx context.Context, rec *models.NotificationRecord, n Notification) (DispatchOutcome, error) {
	log := d.logger.With(
		zap.String("order_id", n.Order.ID.String()),
		zap.String("kind", n.Kind),
		zap.Bool("manual", rec.Manual))

	email, err := d.renderer.Render(sender.Message{
		Order:      n.Order,
		Settings:   n.Settings,
		Kind:       n.Kind,
		Shortfalls: n.Shortfalls,
	})
	if err != nil {
		return d.fail(ctx, log, rec, n, fmt.Errorf("render: %w", err))
	}
	email.To = rec.Recipient

	if n.Kind == models.NotificationInvoice && n.Settings != nil && n.Settings.AutoInvoicePDFEnabled && d.invoices != nil {
		att, err := d.invoices.RenderInvoice(n.Order, n.Settings)
		if err != nil {
			log.Warn("invoice attachment failed, sending without it", zap.Error(err))
		} else {
			email.Attachments = append(email.Attachments, att)
		}
	}

	res, err := d.email.SendEmail(ctx, email)
	if err != nil {
		return d.fail(ctx, log, rec, n, err)
	}

	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = d.now()
	}
	if err := d.records.MarkSent(ctx, rec.ID, res.MessageID, sentAt); err != nil {
		log.Error("failed to mark notification sent", zap.Error(err))
	}
	_ = d.metrics.RecordCount(ctx, awspkg.MetricNotificationSent, map[string]string{"Kind": n.Kind})
	log.Info("notification sent", zap.String("message_id", res.MessageID))
	return Sent, nil
}

func (d *NotificationDispatcher) fail(ctx context.Context, log *zap.Logger, rec *models.NotificationRecord, n Notification, cause error) (DispatchOutcome, error) {
	log.Error("notification failed", zap.Error(cause))
	if err := d.records.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
		log.Error("failed to mark notification failed", zap.Error(err))
	}
	_ = d.metrics.RecordCount(ctx, awspkg.MetricNotificationFailed, map[string]string{"Kind": n.Kind})
	return Failed, cause
}

func (d *NotificationDispatcher) recipient(n Notification) (string, bool) {
	if n.Kind == models.NotificationStockIssueOwner {
		if n.Settings == nil || n.Settings.OwnerEmail == "" {
			return "", false
		}
		return n.Settings.OwnerEmail, true
	}
	if n.Order.CustomerEmail == "" {
		return "", false
	}
	return n.Order.CustomerEmail, true
}

// DispatchAfterConfirmation sends the confirmation and, once it is out,
// chains the invoice and auto-ship steps the store has enabled. Orders whose
// stock check is unfinished, or that hit a stock issue, get no confirmation.
func (d *NotificationDispatcher) DispatchAfterConfirmation(ctx context.Context, order *models.Order, settings *models.StoreSettings) {
	log := d.logger.With(zap.String("order_id", order.ID.String()))
	switch {
	case order.IsCancelled():
		log.Info("order cancelled, skipping confirmation notifications", zap.String("status", order.Status))
		return
	case order.FulfillmentStatus == models.FulfillmentStockIssue:
		log.Info("order has a stock issue, skipping confirmation notifications")
		return
	case order.StockCheckedAt == nil:
		log.Info("stock check not finished, leaving confirmation to the confirming call")
		return
	}

	outcome, err := d.Dispatch(ctx, Notification{Order: order, Settings: settings, Kind: models.NotificationOrderConfirmation})
	if err != nil {
		log.Warn("order confirmation not sent", zap.Error(err))
	}
	if outcome != Sent && outcome != AlreadySent {
		return
	}

	if settings.AutoInvoiceEnabled {
		if _, err := d.Dispatch(ctx, Notification{Order: order, Settings: settings, Kind: models.NotificationInvoice}); err != nil {
			log.Warn("invoice not sent", zap.Error(err))
		}
	}

	if settings.AutoShipEnabled && order.FulfillmentStatus == models.FulfillmentPending {
		shippedAt := d.now().UTC()
		shipped, err := d.orders.MarkShipped(ctx, order.ID, shippedAt)
		if err != nil {
			log.Error("auto-ship failed", zap.Error(err))
			return
		}
		if !shipped {
			return
		}
		order.Status = models.OrderStatusShipped
		order.FulfillmentStatus = models.FulfillmentShipped
		order.ShippedAt = &shippedAt
		publishBestEffort(ctx, d.events, d.logger, models.NewOrderEvent(models.EventOrderShipped, order))
		if _, err := d.Dispatch(ctx, Notification{Order: order, Settings: settings, Kind: models.NotificationShipment}); err != nil {
			log.Warn("shipment notification not sent", zap.Error(err))
		}
	}
}
