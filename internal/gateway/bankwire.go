package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/resilience"
)

// Bankwire integrates the regional bank-transfer gateway. Transfers settle in
// EUR and the customer completes payment at their bank, so charge creation
// always comes back requires_action with a redirect. Webhooks carry an
// embedded signature computed as hex HMAC-SHA512 over the concatenated
// event_id, transfer_id, amount and shared secret.
type Bankwire struct {
	Secret  string
	BaseURL string
	HTTP    resilience.HTTPClient
}

func (b Bankwire) Name() ledger.Provider { return ledger.ProviderBankwire }

func (b Bankwire) SettlementCurrency() string { return "EUR" }

func (b Bankwire) SupportedCurrencies() []string { return []string{"EUR", "GBP"} }

// CreatePayment registers a transfer request with the gateway.
func (b Bankwire) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	payload := map[string]any{
		"external_reference": req.IntentID,
		"idempotency_token":  req.IdempotencyKey,
		"amount":             req.Amount,
		"currency":           req.Currency,
		"remitter_name":      req.BillingName,
		"remitter_email":     req.BillingEmail,
		"description":        req.Description,
	}
	status, body, err := postJSON(ctx, b.HTTP, b.endpoint("/api/transfers"), b.headers(), payload)
	if err != nil {
		return PaymentResponse{}, Transient(err)
	}
	if status >= 400 {
		return PaymentResponse{}, declineFrom(body)
	}
	var transfer struct {
		TransferID  string `json:"transfer_id"`
		PaymentPage string `json:"payment_page"`
		Instruction string `json:"instruction"`
	}
	if err := json.Unmarshal(body, &transfer); err != nil || transfer.TransferID == "" {
		return PaymentResponse{}, Invalid("malformed transfer response", err)
	}
	resp := PaymentResponse{
		ProviderPaymentID: transfer.TransferID,
		Status:            StateRequiresAction,
		RedirectURL:       transfer.PaymentPage,
	}
	if transfer.Instruction != "" {
		resp.ConfirmationData = map[string]string{"instruction": transfer.Instruction}
	}
	return resp, nil
}

// CreateRefund reverses a settled transfer.
func (b Bankwire) CreateRefund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	payload := map[string]any{
		"idempotency_token": req.IdempotencyKey,
		"amount":            req.Amount,
		"reason":            req.Reason,
	}
	url := b.endpoint(fmt.Sprintf("/api/transfers/%s/reversals", req.ProviderPaymentID))
	status, body, err := postJSON(ctx, b.HTTP, url, b.headers(), payload)
	if err != nil {
		return RefundResponse{}, Transient(err)
	}
	if status >= 400 {
		return RefundResponse{}, declineFrom(body)
	}
	var reversal struct {
		ReversalID string `json:"reversal_id"`
		State      string `json:"state"`
	}
	if err := json.Unmarshal(body, &reversal); err != nil || reversal.ReversalID == "" {
		return RefundResponse{}, Invalid("malformed reversal response", err)
	}
	result := RefundResponse{ProviderRefundID: reversal.ReversalID, Status: ledger.RefundPending}
	if strings.EqualFold(reversal.State, "completed") {
		result.Status = ledger.RefundSucceeded
	}
	return result, nil
}

type bankwireEvent struct {
	EventID    string `json:"event_id"`
	Event      string `json:"event"`
	TransferID string `json:"transfer_id"`
	ReversalID string `json:"reversal_id"`
	Amount     string `json:"amount"`
	OccurredAt string `json:"occurred_at"`
	Signature  string `json:"signature"`
}

// VerifyAndParseWebhook validates the embedded field-concatenation signature
// and normalises the event.
func (b Bankwire) VerifyAndParseWebhook(_ *http.Request, body []byte) (Event, error) {
	var payload bankwireEvent
	if err := json.Unmarshal(body, &payload); err != nil || payload.EventID == "" {
		return Event{}, Invalid("webhook verification failed", errors.New("unparseable event"))
	}
	expected := b.computeSignature(payload.EventID, payload.TransferID, payload.Amount)
	provided := strings.TrimSpace(payload.Signature)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return Event{}, Invalid("webhook verification failed", nil)
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(payload.Amount), 10, 64)
	if err != nil {
		return Event{}, Invalid("webhook verification failed", err)
	}
	occurredAt := time.Now()
	if ts, err := time.Parse(time.RFC3339, payload.OccurredAt); err == nil {
		occurredAt = ts
	}
	return Event{
		ProviderEventID:   payload.EventID,
		Type:              bankwireEventType(payload.Event),
		ProviderPaymentID: payload.TransferID,
		ProviderRefundID:  payload.ReversalID,
		Amount:            amount,
		OccurredAt:        occurredAt,
		Raw:               body,
	}, nil
}

func (b Bankwire) computeSignature(eventID, transferID, amount string) string {
	key := strings.TrimSpace(b.Secret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(eventID))
	mac.Write([]byte(transferID))
	mac.Write([]byte(amount))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b Bankwire) endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(b.BaseURL), "/") + path
}

func (b Bankwire) headers() map[string]string {
	return map[string]string{"X-Api-Key": b.Secret}
}

func bankwireEventType(value string) EventType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "transfer.settled":
		return EventPaymentSucceeded
	case "transfer.failed", "transfer.expired":
		return EventPaymentFailed
	case "reversal.completed":
		return EventRefundSucceeded
	case "reversal.failed":
		return EventRefundFailed
	default:
		return EventUnknown
	}
}
