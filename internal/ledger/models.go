package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies one of the supported external payment gateways.
type Provider string

const (
	ProviderCardnet   Provider = "cardnet"
	ProviderBankwire  Provider = "bankwire"
	ProviderCryptopay Provider = "cryptopay"
)

// ParseProvider normalises and validates a provider name.
func ParseProvider(value string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderCardnet:
		return ProviderCardnet, nil
	case ProviderBankwire:
		return ProviderBankwire, nil
	case ProviderCryptopay:
		return ProviderCryptopay, nil
	default:
		return "", fmt.Errorf("unknown payment provider %q", value)
	}
}

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	StatusPending           IntentStatus = "pending"
	StatusRequiresAction    IntentStatus = "requires_action"
	StatusProcessing        IntentStatus = "processing"
	StatusSucceeded         IntentStatus = "succeeded"
	StatusFailed            IntentStatus = "failed"
	StatusCanceled          IntentStatus = "canceled"
	StatusPartiallyRefunded IntentStatus = "partially_refunded"
	StatusRefunded          IntentStatus = "refunded"
)

// BillingAddress holds the payer details attached to a payment intent.
type BillingAddress struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country" validate:"required,len=2"`
}

// LineItem describes one position of the charged basket.
type LineItem struct {
	Description string `json:"description" validate:"required"`
	Quantity    int64  `json:"quantity" validate:"gt=0"`
	UnitAmount  int64  `json:"unitAmount" validate:"gte=0"`
}

// PaymentIntent is the core record representing one attempt to collect funds.
// Amount and Currency are immutable after creation; ProviderPaymentID is set at
// most once; Status only moves forward per the state machine.
type PaymentIntent struct {
	ID                uuid.UUID
	Amount            int64
	Currency          string
	Provider          Provider
	ProviderPaymentID string
	Status            IntentStatus
	BillingAddress    BillingAddress
	LineItems         []LineItem
	Metadata          map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundReason categorises why a refund was requested.
type RefundReason string

const (
	ReasonRequestedByCustomer RefundReason = "requested_by_customer"
	ReasonDuplicate           RefundReason = "duplicate"
	ReasonFraudulent          RefundReason = "fraudulent"
	ReasonOther               RefundReason = "other"
)

// ParseRefundReason normalises and validates a refund reason.
func ParseRefundReason(value string) (RefundReason, error) {
	switch RefundReason(strings.ToLower(strings.TrimSpace(value))) {
	case ReasonRequestedByCustomer:
		return ReasonRequestedByCustomer, nil
	case ReasonDuplicate:
		return ReasonDuplicate, nil
	case ReasonFraudulent:
		return ReasonFraudulent, nil
	case ReasonOther, "":
		return ReasonOther, nil
	default:
		return "", fmt.Errorf("unknown refund reason %q", value)
	}
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// Refund records one full or partial refund against a payment intent. Rows with
// status pending or succeeded count toward the intent's refunded balance;
// failed rows are retained for audit only.
type Refund struct {
	ID               uuid.UUID
	PaymentIntentID  uuid.UUID
	Amount           int64
	Reason           RefundReason
	ProviderRefundID string
	Status           RefundStatus
	IdempotencyKey   string
	CreatedAt        time.Time
}

// WebhookProcessingStatus marks how an inbound webhook event was concluded.
type WebhookProcessingStatus string

const (
	// WebhookProcessed means the event produced (or confirmed) a state change.
	WebhookProcessed WebhookProcessingStatus = "processed"
	// WebhookIgnored means the event was verified but deliberately not applied
	// (unknown intent, invalid transition, unrecognised type).
	WebhookIgnored WebhookProcessingStatus = "ignored"
)

// WebhookRecord deduplicates inbound gateway notifications. The unique
// (provider, providerEventId) pair is the concurrency guard: a second delivery
// of the same event hits the constraint and is treated as already processed.
type WebhookRecord struct {
	Provider         Provider
	ProviderEventID  string
	ReceivedAt       time.Time
	ProcessingStatus WebhookProcessingStatus
}

// ExchangeRate is one cached currency pair. A rate is usable only while
// younger than the configured freshness threshold.
type ExchangeRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	UpdatedAt    time.Time
}

// Fresh reports whether the rate is younger than threshold at the given time.
func (r ExchangeRate) Fresh(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(r.UpdatedAt) < threshold
}
