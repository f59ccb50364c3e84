package models

// WebhookChannel identifies which endpoint (and which signing secret)
// delivered a provider event.
type WebhookChannel string

const (
	ChannelPlatform WebhookChannel = "platform"
	ChannelConnect  WebhookChannel = "connect"
)

// CheckoutSession is the provider-neutral view of a hosted checkout session.
type CheckoutSession struct {
	ID              string            `json:"id"`
	URL             string            `json:"url,omitempty"`
	PaymentStatus   string            `json:"payment_status"`
	Status          string            `json:"status"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	CustomerEmail   string            `json:"customer_email,omitempty"`
	Currency        string            `json:"currency"`
	AmountSubtotal  int64             `json:"amount_subtotal"`
	AmountTotal     int64             `json:"amount_total"`
	AmountTax       int64             `json:"amount_tax"`
	AmountShipping  int64             `json:"amount_shipping"`
	AmountDiscount  int64             `json:"amount_discount"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IsPaid mirrors the provider's own payment_status for sessions.
func (s *CheckoutSession) IsPaid() bool {
	return s.PaymentStatus == "paid"
}

type PaymentIntent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LineItem is a purchased line as reported by the provider; ProductID comes
// from the product metadata attached when the session was created. Kind is
// empty for products and "tax" or "payment_fee" for synthetic lines.
type LineItem struct {
	ProductID   string `json:"product_id"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
	AmountTotal int64  `json:"amount_total"`
}

// EventMeta is shared by every decoded provider event.
type EventMeta struct {
	ID      string
	Type    string
	Account string
	Channel WebhookChannel
}

// ProviderEvent is the closed set of webhook events this service
// understands. Decoding happens once, at the webhook boundary.
type ProviderEvent interface {
	Meta() EventMeta
	providerEvent()
}

type CheckoutSessionCompleted struct {
	EventMeta
	Session CheckoutSession
}

type CheckoutSessionAsyncPaymentSucceeded struct {
	EventMeta
	Session CheckoutSession
}

type CheckoutSessionAsyncPaymentFailed struct {
	EventMeta
	Session CheckoutSession
}

type CheckoutSessionExpired struct {
	EventMeta
	Session CheckoutSession
}

type PaymentIntentSucceeded struct {
	EventMeta
	Intent PaymentIntent
}

// UnhandledEvent is any verified event type outside the set above.
type UnhandledEvent struct {
	EventMeta
}

func (m EventMeta) Meta() EventMeta { return m }

func (CheckoutSessionCompleted) providerEvent()             {}
func (CheckoutSessionAsyncPaymentSucceeded) providerEvent() {}
func (CheckoutSessionAsyncPaymentFailed) providerEvent()    {}
func (CheckoutSessionExpired) providerEvent()               {}
func (PaymentIntentSucceeded) providerEvent()               {}
func (UnhandledEvent) providerEvent()                       {}
