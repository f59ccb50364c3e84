package sender

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"reconciliation-service/models"
	"reconciliation-service/money"
)

//go:embed templates/*.html
var templateFS embed.FS

type Message struct {
	Order      *models.Order
	Settings   *models.StoreSettings
	Kind       string
	Shortfalls []models.StockShortfall
}

type lineView struct {
	Name      string
	Options   []models.SelectedOption
	Quantity  int
	UnitPrice string
	LineTotal string
}

type templateData struct {
	StoreName     string
	Order         *models.Order
	Lines         []lineView
	Shortfalls    []models.StockShortfall
	AutoRefund    bool
	HasAttachment bool
	Subtotal      string
	Tax           string
	Shipping      string
	Fee           string
	Discount      string
	Total         string
}

// TemplateRenderer turns a notification into an email using the embedded
// HTML templates, one per notification kind.
type TemplateRenderer struct {
	tmpl *template.Template
}

func NewTemplateRenderer() (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	for _, kind := range models.NotificationKinds {
		if tmpl.Lookup(kind) == nil {
			return nil, fmt.Errorf("missing email template %q", kind)
		}
	}
	return &TemplateRenderer{tmpl: tmpl}, nil
}

func (r *TemplateRenderer) Render(msg Message) (Email, error) {
	if msg.Order == nil {
		return Email{}, fmt.Errorf("render %s: order is required", msg.Kind)
	}
	data := newTemplateData(msg)
	data.HasAttachment = msg.Kind == models.NotificationInvoice && msg.Settings != nil && msg.Settings.AutoInvoicePDFEnabled

	var body bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&body, msg.Kind, data); err != nil {
		return Email{}, fmt.Errorf("render %s: %w", msg.Kind, err)
	}
	return Email{
		Subject:  subjectFor(msg.Kind, data.StoreName, msg.Order.OrderNumber),
		HTMLBody: body.String(),
		TextBody: textFor(msg.Kind, data),
		Tags: map[string]string{
			"kind":     msg.Kind,
			"order_id": msg.Order.ID.String(),
		},
	}, nil
}

func newTemplateData(msg Message) templateData {
	o := msg.Order
	data := templateData{
		Order:      o,
		Shortfalls: msg.Shortfalls,
		Subtotal:   money.FormatAmount(o.Subtotal, o.Currency),
		Total:      money.FormatAmount(o.TotalAmount, o.Currency),
	}
	if msg.Settings != nil {
		data.StoreName = msg.Settings.StoreName
		data.AutoRefund = msg.Settings.RefundsAutomatically()
	}
	if data.StoreName == "" {
		data.StoreName = "Your order"
	}
	if o.TaxAmount > 0 {
		data.Tax = money.FormatAmount(o.TaxAmount, o.Currency)
	}
	if o.ShippingAmount > 0 {
		data.Shipping = money.FormatAmount(o.ShippingAmount, o.Currency)
	}
	if o.PaymentFeeAmount > 0 {
		data.Fee = money.FormatAmount(o.PaymentFeeAmount, o.Currency)
	}
	if o.DiscountAmount > 0 {
		data.Discount = money.FormatAmount(o.DiscountAmount, o.Currency)
	}
	for _, item := range o.Items {
		data.Lines = append(data.Lines, lineView{
			Name:      item.ProductName,
			Options:   item.SelectedOptions,
			Quantity:  item.Quantity,
			UnitPrice: money.FormatAmount(item.UnitPrice, o.Currency),
			LineTotal: money.FormatAmount(item.LineTotal, o.Currency),
		})
	}
	return data
}

func subjectFor(kind, storeName, orderNumber string) string {
	switch kind {
	case models.NotificationOrderConfirmation:
		return fmt.Sprintf("%s: order %s confirmed", storeName, orderNumber)
	case models.NotificationInvoice:
		return fmt.Sprintf("%s: invoice for order %s", storeName, orderNumber)
	case models.NotificationShipment:
		return fmt.Sprintf("%s: order %s has shipped", storeName, orderNumber)
	case models.NotificationStockIssueCustomer:
		return fmt.Sprintf("%s: an update on order %s", storeName, orderNumber)
	case models.NotificationStockIssueOwner:
		return fmt.Sprintf("Stock issue on order %s", orderNumber)
	case models.NotificationRefundConfirmation:
		return fmt.Sprintf("%s: refund for order %s", storeName, orderNumber)
	default:
		return fmt.Sprintf("%s: order %s", storeName, orderNumber)
	}
}

func textFor(kind string, data templateData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s\n", data.Order.OrderNumber)
	switch kind {
	case models.NotificationStockIssueCustomer, models.NotificationStockIssueOwner:
		for _, s := range data.Shortfalls {
			fmt.Fprintf(&b, "- %s: requested %d, available %d\n", s.Name, s.Requested, s.Available)
		}
	case models.NotificationShipment:
		b.WriteString("Your order has been shipped.\n")
	default:
		for _, l := range data.Lines {
			fmt.Fprintf(&b, "- %d x %s  %s\n", l.Quantity, l.Name, l.LineTotal)
		}
	}
	fmt.Fprintf(&b, "Total: %s\n", data.Total)
	return b.String()
}
