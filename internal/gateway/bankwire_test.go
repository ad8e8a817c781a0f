package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payflow/internal/ledger"
)

func TestBankwireCreatePaymentAlwaysRequiresAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/transfers", r.URL.Path)
		require.Equal(t, "wk_test", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transfer_id":  "tr_55",
			"payment_page": "https://bankwire.example/pay/tr_55",
			"instruction":  "use reference tr_55",
		})
	}))
	defer srv.Close()

	adapter := Bankwire{Secret: "wk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreatePayment(context.Background(), PaymentRequest{
		IntentID: "int_2",
		Amount:   10000,
		Currency: "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, "tr_55", resp.ProviderPaymentID)
	require.Equal(t, StateRequiresAction, resp.Status)
	require.Equal(t, "https://bankwire.example/pay/tr_55", resp.RedirectURL)
	require.Equal(t, "use reference tr_55", resp.ConfirmationData["instruction"])
}

func TestBankwireCreateRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/transfers/tr_55/reversals", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"reversal_id": "rv_7", "state": "completed"})
	}))
	defer srv.Close()

	adapter := Bankwire{Secret: "wk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreateRefund(context.Background(), RefundRequest{
		ProviderPaymentID: "tr_55",
		Amount:            4000,
		Currency:          "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, "rv_7", resp.ProviderRefundID)
	require.Equal(t, ledger.RefundSucceeded, resp.Status)
}

func bankwireSign(secret, eventID, transferID, amount string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(eventID))
	mac.Write([]byte(transferID))
	mac.Write([]byte(amount))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func bankwireBody(secret, eventID, event, transferID, amount string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"event":%q,"transfer_id":%q,"amount":%q,"occurred_at":"2026-08-24T10:00:00Z","signature":%q}`,
		eventID, event, transferID, amount, bankwireSign(secret, eventID, transferID, amount),
	))
}

func TestBankwireVerifyWebhook(t *testing.T) {
	adapter := Bankwire{Secret: "wk_hook"}
	body := bankwireBody("wk_hook", "evt_77", "transfer.settled", "tr_55", "10000")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/bankwire", strings.NewReader(string(body)))

	evt, err := adapter.VerifyAndParseWebhook(req, body)
	require.NoError(t, err)
	require.Equal(t, "evt_77", evt.ProviderEventID)
	require.Equal(t, EventPaymentSucceeded, evt.Type)
	require.Equal(t, "tr_55", evt.ProviderPaymentID)
	require.Equal(t, int64(10000), evt.Amount)
	require.Equal(t, "2026-08-24T10:00:00Z", evt.OccurredAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func TestBankwireVerifyWebhookBadSignature(t *testing.T) {
	adapter := Bankwire{Secret: "wk_hook"}

	// Signed with a different secret.
	body := bankwireBody("wrong_secret", "evt_77", "transfer.settled", "tr_55", "10000")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/bankwire", strings.NewReader(string(body)))
	_, err := adapter.VerifyAndParseWebhook(req, body)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")

	// Amount mutated after signing.
	body = bankwireBody("wk_hook", "evt_77", "transfer.settled", "tr_55", "10000")
	body = []byte(strings.Replace(string(body), `"amount":"10000"`, `"amount":"99999"`, 1))
	_, err = adapter.VerifyAndParseWebhook(req, body)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")
}

func TestBankwireEventTypes(t *testing.T) {
	require.Equal(t, EventPaymentFailed, bankwireEventType("transfer.expired"))
	require.Equal(t, EventRefundSucceeded, bankwireEventType("reversal.completed"))
	require.Equal(t, EventRefundFailed, bankwireEventType("reversal.failed"))
	require.Equal(t, EventUnknown, bankwireEventType("transfer.created"))
}
