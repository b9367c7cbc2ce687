package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
)

// WorkerAuthMiddleware validates the bearer token on worker endpoints and
// stores the resolved principal on the request context.
func WorkerAuthMiddleware(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing Authorization header")
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "Invalid Authorization header format. Use: Bearer <token>")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == "" {
				unauthorized(w, "Empty token")
				return
			}

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					forbidden(w, "Account is not authorized for worker access")
					return
				}
				unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// APIKeyMiddleware guards the internal endpoints with the shared x-api-key.
func APIKeyMiddleware(expectedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.ValidateAPIKey(r.Header.Get("x-api-key"), expectedKey) {
				unauthorized(w, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}

func forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"forbidden","message":"` + message + `"}`))
}
