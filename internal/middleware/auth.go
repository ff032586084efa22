package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth creates middleware for API key authentication. The configured
// key may be a bcrypt hash (prefix "$2"), in which case provided keys are
// verified against it; otherwise a constant-time equality check is used.
func APIKeyAuth(apiKey, headerName string) func(http.Handler) http.Handler {
	hashed := strings.HasPrefix(apiKey, "$2")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path

			// Health and the event socket stay open; the socket carries
			// no commands, only status broadcasts.
			if path == "/health" || path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			// Only authenticate API routes
			if !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key is required.")
				return
			}

			valid := false
			if hashed {
				valid = bcrypt.CompareHashAndPassword([]byte(apiKey), []byte(providedKey)) == nil
			} else {
				valid = constantTimeEquals(apiKey, providedKey)
			}

			if !valid {
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// constantTimeEquals performs a constant-time string comparison
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
