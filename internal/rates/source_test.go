package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payflow/internal/resilience"
)

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest", r.URL.Path)
		require.Equal(t, "EUR", r.URL.Query().Get("base"))
		require.Equal(t, "USD", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{"USD":1.0873}}`))
	}))
	defer srv.Close()

	src := HTTPSource{BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}}
	rate, err := src.Fetch(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, "1.0873", rate.String())
}

func TestHTTPSourceFetchMissingPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{}}`))
	}))
	defer srv.Close()

	src := HTTPSource{BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}}
	_, err := src.Fetch(context.Background(), "EUR", "USD")
	require.Error(t, err)
}
