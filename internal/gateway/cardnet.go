package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/resilience"
)

// Cardnet integrates the card-network processor. Charges settle in USD; the
// processor accepts an Idempotency-Key header on every write and signs its
// webhooks with a hex HMAC-SHA256 of the raw body.
type Cardnet struct {
	Secret  string
	BaseURL string
	HTTP    resilience.HTTPClient
}

func (c Cardnet) Name() ledger.Provider { return ledger.ProviderCardnet }

func (c Cardnet) SettlementCurrency() string { return "USD" }

func (c Cardnet) SupportedCurrencies() []string { return []string{"USD", "EUR", "GBP"} }

type cardnetCharge struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

// CreatePayment opens a charge with the processor.
func (c Cardnet) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	payload := map[string]any{
		"reference":   req.IntentID,
		"amount":      req.Amount,
		"currency":    req.Currency,
		"description": req.Description,
		"billing": map[string]string{
			"name":  req.BillingName,
			"email": req.BillingEmail,
		},
		"metadata": req.Metadata,
	}
	status, body, err := postJSON(ctx, c.HTTP, c.endpoint("/v1/charges"), c.headers(req.IdempotencyKey), payload)
	if err != nil {
		return PaymentResponse{}, Transient(err)
	}
	if status >= 400 {
		return PaymentResponse{}, declineFrom(body)
	}
	var charge cardnetCharge
	if err := json.Unmarshal(body, &charge); err != nil || charge.ID == "" {
		return PaymentResponse{}, Invalid("malformed charge response", err)
	}
	return PaymentResponse{
		ProviderPaymentID: charge.ID,
		Status:            cardnetState(charge.Status),
		RedirectURL:       charge.RedirectURL,
	}, nil
}

// CreateRefund reverses a captured charge, fully or partially.
func (c Cardnet) CreateRefund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	payload := map[string]any{
		"charge_id": req.ProviderPaymentID,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"reason":    req.Reason,
	}
	status, body, err := postJSON(ctx, c.HTTP, c.endpoint("/v1/refunds"), c.headers(req.IdempotencyKey), payload)
	if err != nil {
		return RefundResponse{}, Transient(err)
	}
	if status >= 400 {
		return RefundResponse{}, declineFrom(body)
	}
	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &refund); err != nil || refund.ID == "" {
		return RefundResponse{}, Invalid("malformed refund response", err)
	}
	result := RefundResponse{ProviderRefundID: refund.ID, Status: ledger.RefundSucceeded}
	if strings.EqualFold(refund.Status, "pending") {
		result.Status = ledger.RefundPending
	}
	return result, nil
}

type cardnetEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		ChargeID string `json:"charge_id"`
		RefundID string `json:"refund_id"`
		Amount   int64  `json:"amount"`
	} `json:"data"`
}

// VerifyAndParseWebhook checks the body signature and normalises the event.
// The error never reveals whether the payload itself was well-formed.
func (c Cardnet) VerifyAndParseWebhook(r *http.Request, body []byte) (Event, error) {
	provided := strings.TrimSpace(r.Header.Get("X-Cardnet-Signature"))
	if !c.signatureValid(body, provided) {
		return Event{}, Invalid("webhook verification failed", nil)
	}
	var payload cardnetEvent
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		return Event{}, Invalid("webhook verification failed", errors.New("unparseable event"))
	}
	return Event{
		ProviderEventID:   payload.ID,
		Type:              cardnetEventType(payload.Type),
		ProviderPaymentID: payload.Data.ChargeID,
		ProviderRefundID:  payload.Data.RefundID,
		Amount:            payload.Data.Amount,
		OccurredAt:        time.Unix(payload.Created, 0),
		Raw:               body,
	}, nil
}

func (c Cardnet) signatureValid(body []byte, provided string) bool {
	key := strings.TrimSpace(c.Secret)
	if key == "" || provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

func (c Cardnet) endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + path
}

func (c Cardnet) headers(idempotencyKey string) map[string]string {
	return map[string]string{
		"Authorization":   fmt.Sprintf("Bearer %s", c.Secret),
		"Idempotency-Key": idempotencyKey,
	}
}

func cardnetState(status string) PaymentState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return StateSucceeded
	case "requires_action":
		return StateRequiresAction
	default:
		return StateProcessing
	}
}

func cardnetEventType(value string) EventType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "charge.succeeded":
		return EventPaymentSucceeded
	case "charge.failed":
		return EventPaymentFailed
	case "refund.succeeded":
		return EventRefundSucceeded
	case "refund.failed":
		return EventRefundFailed
	default:
		return EventUnknown
	}
}
