package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/resilience"
)

// Cryptopay integrates the cryptocurrency settlement gateway. Charges settle
// in USD via a hosted payment page, and webhook notifications arrive as a
// compact HS256 JWT in the X-Cryptopay-Token header with the event fields
// carried as claims.
type Cryptopay struct {
	Secret  string
	BaseURL string
	HTTP    resilience.HTTPClient
}

func (c Cryptopay) Name() ledger.Provider { return ledger.ProviderCryptopay }

func (c Cryptopay) SettlementCurrency() string { return "USD" }

func (c Cryptopay) SupportedCurrencies() []string { return []string{"USD", "EUR"} }

// CreatePayment opens a hosted charge with the gateway.
func (c Cryptopay) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	payload := map[string]any{
		"reference":       req.IntentID,
		"idempotency_key": req.IdempotencyKey,
		"amount":          req.Amount,
		"currency":        req.Currency,
		"description":     req.Description,
		"payer_email":     req.BillingEmail,
	}
	status, body, err := postJSON(ctx, c.HTTP, c.endpoint("/v2/charges"), c.headers(), payload)
	if err != nil {
		return PaymentResponse{}, Transient(err)
	}
	if status >= 400 {
		return PaymentResponse{}, declineFrom(body)
	}
	var charge struct {
		ChargeID  string `json:"charge_id"`
		HostedURL string `json:"hosted_url"`
		Address   string `json:"address"`
	}
	if err := json.Unmarshal(body, &charge); err != nil || charge.ChargeID == "" {
		return PaymentResponse{}, Invalid("malformed charge response", err)
	}
	resp := PaymentResponse{
		ProviderPaymentID: charge.ChargeID,
		Status:            StateRequiresAction,
		RedirectURL:       charge.HostedURL,
	}
	if charge.Address != "" {
		resp.ConfirmationData = map[string]string{"address": charge.Address}
	}
	return resp, nil
}

// CreateRefund requests an on-chain refund for a settled charge.
func (c Cryptopay) CreateRefund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	payload := map[string]any{
		"charge_id":       req.ProviderPaymentID,
		"idempotency_key": req.IdempotencyKey,
		"amount":          req.Amount,
		"reason":          req.Reason,
	}
	status, body, err := postJSON(ctx, c.HTTP, c.endpoint("/v2/refunds"), c.headers(), payload)
	if err != nil {
		return RefundResponse{}, Transient(err)
	}
	if status >= 400 {
		return RefundResponse{}, declineFrom(body)
	}
	var refund struct {
		RefundID string `json:"refund_id"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(body, &refund); err != nil || refund.RefundID == "" {
		return RefundResponse{}, Invalid("malformed refund response", err)
	}
	result := RefundResponse{ProviderRefundID: refund.RefundID, Status: ledger.RefundPending}
	if strings.EqualFold(refund.State, "completed") {
		result.Status = ledger.RefundSucceeded
	}
	return result, nil
}

// VerifyAndParseWebhook validates the HS256 token and normalises its claims.
func (c Cryptopay) VerifyAndParseWebhook(r *http.Request, body []byte) (Event, error) {
	token := strings.TrimSpace(r.Header.Get("X-Cryptopay-Token"))
	if token == "" || strings.TrimSpace(c.Secret) == "" {
		return Event{}, Invalid("webhook verification failed", nil)
	}
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, []byte(c.Secret)),
		jwt.WithValidate(true),
	)
	if err != nil {
		return Event{}, Invalid("webhook verification failed", err)
	}
	eventID := tok.JwtID()
	if eventID == "" {
		return Event{}, Invalid("webhook verification failed", errors.New("missing event id"))
	}
	occurredAt := tok.IssuedAt()
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Event{
		ProviderEventID:   eventID,
		Type:              cryptopayEventType(stringClaim(tok, "type")),
		ProviderPaymentID: stringClaim(tok, "charge_id"),
		ProviderRefundID:  stringClaim(tok, "refund_id"),
		Amount:            int64Claim(tok, "amount"),
		OccurredAt:        occurredAt,
		Raw:               body,
	}, nil
}

func (c Cryptopay) endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + path
}

func (c Cryptopay) headers() map[string]string {
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", c.Secret)}
}

func stringClaim(tok jwt.Token, name string) string {
	if value, ok := tok.Get(name); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func int64Claim(tok jwt.Token, name string) int64 {
	value, ok := tok.Get(name)
	if !ok {
		return 0
	}
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		parsed, _ := v.Int64()
		return parsed
	default:
		return 0
	}
}

func cryptopayEventType(value string) EventType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "charge:confirmed":
		return EventPaymentSucceeded
	case "charge:failed", "charge:expired":
		return EventPaymentFailed
	case "refund:completed":
		return EventRefundSucceeded
	case "refund:failed":
		return EventRefundFailed
	default:
		return EventUnknown
	}
}
