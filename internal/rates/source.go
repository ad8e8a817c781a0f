package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/payflow/internal/resilience"
)

// Source provides the current market rate for a currency pair.
type Source interface {
	Fetch(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// HTTPSource queries an external rate API of the frankfurter shape:
// GET {base}/latest?base=EUR&symbols=USD -> {"base":"EUR","rates":{"USD":1.0873}}.
type HTTPSource struct {
	BaseURL string
	HTTP    resilience.HTTPClient
}

// Fetch returns the quoted rate for one unit of from in to.
func (s HTTPSource) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/latest?base=%s&symbols=%s",
		strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"), from, to)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("rate source: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Rates map[string]json.Number `json:"rates"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("rate source: decode: %w", err)
	}
	raw, ok := payload.Rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("rate source: pair %s/%s not quoted", from, to)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("rate source: invalid rate %q for %s/%s", raw, from, to)
	}
	return rate, nil
}
