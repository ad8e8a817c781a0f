package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRenderErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, ErrValidation("billing address required", map[string]string{"field": "billing_address"}))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Success bool      `json:"success"`
		Error   ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, CodeValidation, body.Error.Code)
	require.Equal(t, "billing address required", body.Error.Message)
}

func TestRenderErrorOpaqueInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
	require.Contains(t, rec.Body.String(), CodeInternal)
}

func TestOKEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, http.StatusCreated, map[string]any{"paymentIntent": map[string]string{"id": "pi_1"}})

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["success"])
	require.Contains(t, body, "paymentIntent")
}

func TestIdemMiddlewareBlocksReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idem := Idem{R: client, TTL: time.Minute}

	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	req.Header.Set("Idempotency-Key", "order-42")
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Contains(t, second.Body.String(), CodeIdempotentReplay)
	require.Equal(t, 1, calls)
}

func TestIdemMiddlewareNoKeyPassesThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idem := Idem{R: client, TTL: time.Minute}

	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSha256Hex(t *testing.T) {
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Sha256Hex(""))
	require.Equal(t, Sha256Hex("order-42"), Sha256Hex("order-42"))
	require.NotEqual(t, Sha256Hex("order-42"), Sha256Hex("order-43"))
}

func TestIdemKeysAreHashed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idem := Idem{R: client, TTL: time.Minute}

	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	req.Header.Set("Idempotency-Key", "order-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// The raw client-supplied key must never reach Redis.
	require.False(t, mr.Exists("idem:order-42"))
	require.True(t, mr.Exists("idem:"+Sha256Hex("order-42")))
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/x/refunds?page=3&limit=5", nil)
	page, perPage := ParsePagination(req, 20)
	require.Equal(t, 3, page)
	require.Equal(t, 5, perPage)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/payments/x/refunds?page=-1&limit=junk", nil)
	page, perPage = ParsePagination(req, 20)
	require.Equal(t, 1, page)
	require.Equal(t, 20, perPage)
}
