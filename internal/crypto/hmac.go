package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by signed control API requests.
const (
	HeaderTimestamp = "X-Loopbot-Timestamp"
	HeaderSignature = "X-Loopbot-Signature"
)

// defaultMaxSkew bounds how far a request timestamp may drift from the server clock.
const defaultMaxSkew = 30 * time.Second

// RequestAuth signs and verifies control API requests with
// HMAC-SHA256(secret, timestamp+method+path+body), base64 encoded.
type RequestAuth struct {
	Secret  string
	MaxSkew time.Duration
}

// Headers returns the signature headers for a request sent now.
func (h *RequestAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (h *RequestAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a request signature and its timestamp window.
func (h *RequestAuth) Verify(method, path, body, ts, sig string, now time.Time) error {
	if ts == "" || sig == "" {
		return errors.New("crypto/hmac: missing signature headers")
	}
	unixTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: bad timestamp %q", ts)
	}
	skew := h.MaxSkew
	if skew <= 0 {
		skew = defaultMaxSkew
	}
	if d := now.Sub(time.Unix(unixTS, 0)); d > skew || d < -skew {
		return fmt.Errorf("crypto/hmac: timestamp outside %s window", skew)
	}

	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return errors.New("crypto/hmac: signature mismatch")
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *RequestAuth) String() string {
	s := h.Secret
	if len(s) <= 4 {
		s = "****"
	} else {
		s = s[:4] + "****"
	}
	return fmt.Sprintf("RequestAuth{secret=%s}", s)
}
