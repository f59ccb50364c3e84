package sender

import (
	"bytes"
	"fmt"
	"html/template"

	"reconciliation-service/models"
)

var invoiceTemplate = template.Must(template.New("invoice_document").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.Order.OrderNumber}}</title></head>
<body style="font-family: Arial, sans-serif;">
<h1>Invoice</h1>
<p>{{.StoreName}}<br>Invoice number: {{.Order.OrderNumber}}<br>Date: {{.Date}}</p>
<p>Billed to: {{.Order.CustomerEmail}}{{with .Order.BillingAddress}}<br>{{.Name}}<br>{{.Line1}}<br>{{.PostalCode}} {{.City}}<br>{{.Country}}{{end}}</p>
<table border="1" cellpadding="4" style="border-collapse: collapse;">
<tr><th>Item</th><th>Qty</th><th>Unit price</th><th>Total</th></tr>
{{range .Lines}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.LineTotal}}</td></tr>
{{end}}</table>
<p>Subtotal: {{.Subtotal}}{{if .Tax}}<br>Tax: {{.Tax}}{{end}}{{if .Shipping}}<br>Shipping: {{.Shipping}}{{end}}{{if .Fee}}<br>Payment fee: {{.Fee}}{{end}}{{if .Discount}}<br>Discount: -{{.Discount}}{{end}}<br><strong>Total: {{.Total}}</strong></p>
</body>
</html>`))

// HTMLInvoiceRenderer produces the invoice document attached to invoice
// emails.
type HTMLInvoiceRenderer struct{}

func (HTMLInvoiceRenderer) RenderInvoice(order *models.Order, settings *models.StoreSettings) (Attachment, error) {
	data := struct {
		templateData
		Date string
	}{templateData: newTemplateData(Message{Order: order, Settings: settings})}

	at := order.CreatedAt
	if order.ConfirmedAt != nil {
		at = *order.ConfirmedAt
	}
	data.Date = at.Format("2006-01-02")

	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, data); err != nil {
		return Attachment{}, fmt.Errorf("render invoice for %s: %w", order.OrderNumber, err)
	}
	return Attachment{
		Filename:    fmt.Sprintf("invoice-%s.html", order.OrderNumber),
		ContentType: "text/html; charset=UTF-8",
		Data:        buf.Bytes(),
	}, nil
}
