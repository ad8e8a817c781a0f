package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payflow/internal/gateway"
	"github.com/noah-isme/payflow/internal/ledger"
)

func TestListRefundsPaginated(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundSucceeded}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 1000)

	for i := 0; i < 5; i++ {
		_, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 100})
		require.NoError(t, err)
	}

	router := chi.NewRouter()
	router.Get("/api/v1/payments/{id}/refunds", (&Handler{Svc: svc}).List)

	list := func(query string) map[string]any {
		t.Helper()
		target := fmt.Sprintf("/api/v1/payments/%s/refunds%s", intent.ID, query)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	body := list("")
	require.Len(t, body["refunds"], 5)
	meta := body["pagination"].(map[string]any)
	require.EqualValues(t, 1, meta["page"])
	require.EqualValues(t, 5, meta["total_items"])

	body = list("?page=2&limit=2")
	require.Len(t, body["refunds"], 2)
	meta = body["pagination"].(map[string]any)
	require.EqualValues(t, 2, meta["page"])
	require.EqualValues(t, 2, meta["per_page"])
	require.EqualValues(t, 5, meta["total_items"])

	body = list("?page=4&limit=2")
	require.Len(t, body["refunds"], 0)
}
