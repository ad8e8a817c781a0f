package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/noah-isme/payflow/internal/ledger"
)

// PaymentState is the normalised synchronous outcome of a charge creation.
type PaymentState string

const (
	StateProcessing     PaymentState = "processing"
	StateRequiresAction PaymentState = "requires_action"
	StateSucceeded      PaymentState = "succeeded"
)

// EventType classifies a normalised webhook event.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventRefundSucceeded  EventType = "refund_succeeded"
	EventRefundFailed     EventType = "refund_failed"
	EventUnknown          EventType = "unknown"
)

// PaymentRequest is the normalised charge creation request handed to an
// adapter. IdempotencyKey is derived deterministically from the local intent
// so a retried call collapses into one provider-side charge.
type PaymentRequest struct {
	IntentID       string
	Amount         int64
	Currency       string
	Description    string
	BillingName    string
	BillingEmail   string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentResponse is the normalised synchronous answer of a charge creation.
type PaymentResponse struct {
	ProviderPaymentID string
	Status            PaymentState
	RedirectURL       string
	ConfirmationData  map[string]string
}

// RefundRequest is the normalised refund creation request.
type RefundRequest struct {
	RefundID          string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
	IdempotencyKey    string
}

// RefundResponse is the normalised synchronous answer of a refund creation.
type RefundResponse struct {
	ProviderRefundID string
	Status           ledger.RefundStatus
}

// Event is one verified, normalised webhook notification.
type Event struct {
	ProviderEventID   string
	Type              EventType
	ProviderPaymentID string
	ProviderRefundID  string
	Amount            int64
	OccurredAt        time.Time
	Raw               []byte
}

// Provider abstracts one external payment gateway. Adding a gateway means
// adding an implementation and a registry entry; the orchestrator stays
// untouched.
type Provider interface {
	Name() ledger.Provider
	SettlementCurrency() string
	SupportedCurrencies() []string
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error)
	CreateRefund(ctx context.Context, req RefundRequest) (RefundResponse, error)
	VerifyAndParseWebhook(r *http.Request, body []byte) (Event, error)
}

// Registry holds the closed set of configured adapters keyed by provider.
type Registry struct {
	providers map[ledger.Provider]Provider
}

// NewRegistry indexes the given adapters by name.
func NewRegistry(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[ledger.Provider]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			reg.providers[p.Name()] = p
		}
	}
	return reg
}

// Get returns the adapter for the provider, or false when not configured.
func (r *Registry) Get(provider ledger.Provider) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[provider]
	return p, ok
}

// Supports reports whether the adapter accepts charges in the currency.
func Supports(p Provider, currency string) bool {
	for _, c := range p.SupportedCurrencies() {
		if c == currency {
			return true
		}
	}
	return false
}
