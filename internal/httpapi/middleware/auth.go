// Package middleware holds chi-compatible HTTP middleware, adapted
// from rezkam-mono/internal/infrastructure/http/middleware and
// rezkam-mono/internal/http/middleware.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/vidforge/orchestrator/internal/httpapi/response"
)

// Auth is API-key middleware matching every request's X-API-Key
// header against a single configured constant (§6: "matching a
// configured constant" — no per-key lookup, unlike the teacher's
// database-backed Authenticator in
// rezkam-mono/internal/application/auth/authenticator.go).
type Auth struct {
	apiKey string
}

// NewAuth constructs the Auth middleware.
func NewAuth(apiKey string) *Auth {
	return &Auth{apiKey: apiKey}
}

// Validate is a chi middleware that checks X-API-Key in constant time.
func (a *Auth) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get("X-API-Key")
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(a.apiKey)) != 1 {
			slog.WarnContext(r.Context(), "authentication failed", "path", r.URL.Path, "method", r.Method)
			response.Unauthorized(w, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
