package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/noah-isme/payflow/internal/resilience"
)

// postJSON sends a JSON payload through the resilient client and returns the
// final status code and drained body. Any returned error is transport-level
// (connection failure, timeout, 5xx exhaustion, open breaker) and therefore
// transient from the adapter's point of view.
func postJSON(ctx context.Context, cl resilience.HTTPClient, url string, headers map[string]string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// declineFrom extracts a provider error envelope from a non-2xx body, falling
// back to a generic code when the body is not parseable.
func declineFrom(body []byte) *Error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Code != "" {
		return Rejected(payload.Error.Code, payload.Error.Message)
	}
	return Rejected("provider_declined", "provider declined the request")
}
