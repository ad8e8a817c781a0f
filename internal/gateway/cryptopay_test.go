package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func TestCryptopayCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/charges", r.URL.Path)
		require.Equal(t, "Bearer cp_test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"charge_id":  "crg_42",
			"hosted_url": "https://pay.cryptopay.example/crg_42",
			"address":    "bc1qexample",
		})
	}))
	defer srv.Close()

	adapter := Cryptopay{Secret: "cp_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreatePayment(context.Background(), PaymentRequest{
		IntentID: "int_3",
		Amount:   5000,
		Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "crg_42", resp.ProviderPaymentID)
	require.Equal(t, StateRequiresAction, resp.Status)
	require.Equal(t, "https://pay.cryptopay.example/crg_42", resp.RedirectURL)
	require.Equal(t, "bc1qexample", resp.ConfirmationData["address"])
}

func TestCryptopayCreateRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/refunds", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"refund_id": "crf_8", "state": "pending"})
	}))
	defer srv.Close()

	adapter := Cryptopay{Secret: "cp_test", BaseURL: srv.URL, HTTP: testClient(srv)}
	resp, err := adapter.CreateRefund(context.Background(), RefundRequest{
		ProviderPaymentID: "crg_42",
		Amount:            2500,
	})
	require.NoError(t, err)
	require.Equal(t, "crf_8", resp.ProviderRefundID)
}

func cryptopayToken(t *testing.T, secret, eventID, eventType string, claims map[string]any) string {
	t.Helper()
	builder := jwt.NewBuilder().
		JwtID(eventID).
		IssuedAt(time.Now()).
		Claim("type", eventType)
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func TestCryptopayVerifyWebhook(t *testing.T) {
	adapter := Cryptopay{Secret: "cp_hook"}
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cryptopay", nil)
	req.Header.Set("X-Cryptopay-Token", cryptopayToken(t, "cp_hook", "evt_901", "charge:confirmed", map[string]any{
		"charge_id": "crg_42",
		"amount":    5000,
	}))

	evt, err := adapter.VerifyAndParseWebhook(req, body)
	require.NoError(t, err)
	require.Equal(t, "evt_901", evt.ProviderEventID)
	require.Equal(t, EventPaymentSucceeded, evt.Type)
	require.Equal(t, "crg_42", evt.ProviderPaymentID)
	require.Equal(t, int64(5000), evt.Amount)
	require.False(t, evt.OccurredAt.IsZero())
}

func TestCryptopayVerifyWebhookRefund(t *testing.T) {
	adapter := Cryptopay{Secret: "cp_hook"}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cryptopay", nil)
	req.Header.Set("X-Cryptopay-Token", cryptopayToken(t, "cp_hook", "evt_902", "refund:completed", map[string]any{
		"charge_id": "crg_42",
		"refund_id": "crf_8",
		"amount":    2500,
	}))

	evt, err := adapter.VerifyAndParseWebhook(req, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, EventRefundSucceeded, evt.Type)
	require.Equal(t, "crf_8", evt.ProviderRefundID)
}

func TestCryptopayVerifyWebhookBadToken(t *testing.T) {
	adapter := Cryptopay{Secret: "cp_hook"}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/cryptopay", nil)
	_, err := adapter.VerifyAndParseWebhook(req, nil)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")

	// Signed with a different key.
	req.Header.Set("X-Cryptopay-Token", cryptopayToken(t, "other_secret", "evt_903", "charge:confirmed", nil))
	_, err = adapter.VerifyAndParseWebhook(req, nil)
	require.Error(t, err)
	require.EqualError(t, err, "gateway: webhook verification failed")
}
