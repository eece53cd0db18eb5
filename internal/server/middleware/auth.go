package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/loopbot/internal/crypto"
)

// maxSignedBody bounds the body read for signature checks.
const maxSignedBody = 64 << 10

// Auth validates a Bearer token or X-API-Key header against apiKey. An empty
// apiKey disables the check. The health endpoint is always public.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Signed requires an HMAC signature on every mutating request: deposits,
// closes and other commands move funds, so a leaked API key alone must not be
// enough to issue them. An empty secret disables the check.
func Signed(secret string, now func() time.Time) func(http.Handler) http.Handler {
	auth := &crypto.RequestAuth{Secret: secret}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = auth.Verify(r.Method, r.URL.Path, string(body),
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), now())
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid request signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// extractToken reads "Authorization: Bearer <token>" or X-API-Key.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	// Browsers cannot set headers on websocket upgrades.
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
