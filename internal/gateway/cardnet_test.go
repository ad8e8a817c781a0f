package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/resilience"
)

func testClient(srv *httptest.Server) resilience.HTTPClient {
	return resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}
}

func TestCardnetCreatePayment(t *testing.T) {
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges", r.URL.Path)
		gotIdem = r.Header.Get("Idempotency-Key")
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, float64(2999), payload["amount"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ch_123", "status": "succeeded"})
	}))
	defer srv.Close()

	adapter := Cardnet{Secret: "sk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreatePayment(context.Background(), PaymentRequest{
		IntentID:       "int_1",
		Amount:         2999,
		Currency:       "USD",
		IdempotencyKey: "pi:int_1",
	})
	require.NoError(t, err)
	require.Equal(t, "ch_123", resp.ProviderPaymentID)
	require.Equal(t, StateSucceeded, resp.Status)
	require.Equal(t, "pi:int_1", gotIdem)
}

func TestCardnetCreatePaymentDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "card_declined", "message": "insufficient funds"},
		})
	}))
	defer srv.Close()

	adapter := Cardnet{Secret: "sk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	_, err := adapter.CreatePayment(context.Background(), PaymentRequest{Amount: 100, Currency: "USD"})
	require.Error(t, err)
	require.True(t, IsRejected(err))
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, "card_declined", gwErr.Code)
}

func TestCardnetCreatePaymentTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := Cardnet{Secret: "sk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	_, err := adapter.CreatePayment(context.Background(), PaymentRequest{Amount: 100, Currency: "USD"})
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestCardnetCreateRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "re_9", "status": "pending"})
	}))
	defer srv.Close()

	adapter := Cardnet{Secret: "sk_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreateRefund(context.Background(), RefundRequest{
		ProviderPaymentID: "ch_123",
		Amount:            500,
		Currency:          "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "re_9", resp.ProviderRefundID)
	require.Equal(t, ledger.RefundPending, resp.Status)
}

func cardnetSign(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCardnetVerifyWebhook(t *testing.T) {
	adapter := Cardnet{Secret: "whsec_1"}
	body := []byte(`{"id":"evt_1","type":"charge.succeeded","created":1721900000,"data":{"charge_id":"ch_123","amount":2999}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cardnet", strings.NewReader(string(body)))
	req.Header.Set("X-Cardnet-Signature", cardnetSign(t, "whsec_1", body))

	evt, err := adapter.VerifyAndParseWebhook(req, body)
	require.NoError(t, err)
	require.Equal(t, "evt_1", evt.ProviderEventID)
	require.Equal(t, EventPaymentSucceeded, evt.Type)
	require.Equal(t, "ch_123", evt.ProviderPaymentID)
	require.Equal(t, int64(2999), evt.Amount)
}

func TestCardnetVerifyWebhookBadSignature(t *testing.T) {
	adapter := Cardnet{Secret: "whsec_1"}
	body := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cardnet", strings.NewReader(string(tampered)))
	req.Header.Set("X-Cardnet-Signature", cardnetSign(t, "whsec_1", body))

	_, err := adapter.VerifyAndParseWebhook(req, tampered)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")

	req.Header.Del("X-Cardnet-Signature")
	_, err = adapter.VerifyAndParseWebhook(req, body)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")
}

func TestCardnetUnknownEventType(t *testing.T) {
	adapter := Cardnet{Secret: "whsec_1"}
	body := []byte(`{"id":"evt_2","type":"charge.disputed","data":{"charge_id":"ch_123"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cardnet", strings.NewReader(string(body)))
	req.Header.Set("X-Cardnet-Signature", cardnetSign(t, "whsec_1", body))

	evt, err := adapter.VerifyAndParseWebhook(req, body)
	require.NoError(t, err)
	require.Equal(t, EventUnknown, evt.Type)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(Cardnet{Secret: "a"}, Bankwire{Secret: "b"})

	p, ok := reg.Get(ledger.ProviderCardnet)
	require.True(t, ok)
	require.Equal(t, ledger.ProviderCardnet, p.Name())

	_, ok = reg.Get(ledger.ProviderCryptopay)
	require.False(t, ok)

	require.True(t, Supports(p, "EUR"))
	require.False(t, Supports(p, "JPY"))
}
