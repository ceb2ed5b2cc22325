package handlers

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/metrics"
)

// HashToken returns the bcrypt hash to configure as API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthMiddleware protects the API with a bearer token. It is a pass-through
// when no token hash is configured.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.tokenHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		// Health check endpoints
		if r.URL.Path == "/health" ||
			r.URL.Path == "/healthz" ||
			r.URL.Path == "/livez" ||
			r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			metrics.AuthAttemptsTotal.WithLabelValues("missing").Inc()
			w.Header().Set("WWW-Authenticate", `Bearer realm="webp-migrator"`)
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)); err != nil {
			logging.Warn("Rejected API request from %s: invalid token", r.RemoteAddr)
			metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		next.ServeHTTP(w, r)
	})
}
