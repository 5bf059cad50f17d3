package middleware

import (
	"context"
	"net/http"

	"github.com/chap-sh/chap/internal/api/response"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
)

type contextKey string

const APIKeyIDKey contextKey = "api_key_id"

// KeyAuthenticator resolves a plaintext API key to its record.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, plaintext string) (*model.APIKey, error)
}

// Auth returns a middleware that validates the X-API-Key header.
func Auth(keys KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			record, err := keys.Authenticate(r.Context(), key)
			if err != nil {
				if core.IsAuthFailure(err) {
					response.WriteError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				response.WriteError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyIDKey, record.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
