package auth

import (
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payflow/internal/common"
)

// APIKey guards the payment endpoints with a service API key. The accepted
// key is configured as an argon2id hash so the plaintext never lives in the
// environment. Failures always produce the same response shape.
type APIKey struct {
	Hash   string
	Logger zerolog.Logger
}

// Middleware rejects requests without a matching X-Api-Key header.
func (a APIKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(a.Hash) == "" {
			a.Logger.Error().Msg("api key hash not configured")
			common.RenderError(w, common.ErrUnauthenticated())
			return
		}
		key := strings.TrimSpace(r.Header.Get("X-Api-Key"))
		if key == "" {
			common.RenderError(w, common.ErrUnauthenticated())
			return
		}
		match, err := argon2id.ComparePasswordAndHash(key, a.Hash)
		if err != nil || !match {
			if err != nil {
				a.Logger.Warn().Err(err).Msg("api key comparison failed")
			}
			common.RenderError(w, common.ErrUnauthenticated())
			return
		}
		next.ServeHTTP(w, r)
	})
}
