package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// maxBodyBytes bounds request bodies; every request here is a few fields.
const maxBodyBytes = 64 << 10

// tokenDecimals is the precision of collateral and debt amounts.
const tokenDecimals = 18

// writeJSON marshals v and writes it with status. A marshal failure becomes
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error  string           `json:"error"`
	Kind   domain.ErrorKind `json:"kind,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps a classified engine error onto an HTTP status and
// returns the error message verbatim, revert reasons included.
func writeDomainError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: domain.KindOf(err)}
	var e *domain.Error
	if errors.As(err, &e) {
		resp.Reason = e.Reason
	}
	writeJSON(w, statusFor(err), resp)
}

// statusFor picks the HTTP status of err.
//
//	not configured, command in flight, replayed permit -> 409
//	authorization -> 401, submission -> 422, configuration -> 412
//	observation -> 503, timeout -> 504
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotConfigured),
		errors.Is(err, domain.ErrCommandInFlight),
		errors.Is(err, domain.ErrLoopInProgress),
		errors.Is(err, domain.ErrStaleNonce):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindAuthorization:
		return http.StatusUnauthorized
	case domain.KindSubmission:
		return http.StatusUnprocessableEntity
	case domain.KindConfiguration:
		return http.StatusPreconditionFailed
	case domain.KindObservation:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseAmount converts a decimal token amount such as "0.04" to base units.
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("amount %q is not a number", s)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	if d.Exponent() < -tokenDecimals && !d.Equal(d.Truncate(tokenDecimals)) {
		return nil, fmt.Errorf("amount has more than %d decimals", tokenDecimals)
	}
	return domain.ToUnits(d, tokenDecimals), nil
}

// parseListOpts reads limit (default 50, max 500), offset and the optional
// RFC3339 since/until bounds. A malformed bound is an error.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	opts := domain.ListOpts{Limit: limit, Offset: offset}
	for _, b := range []struct {
		key string
		dst **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(b.key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, fmt.Errorf("%s must be an RFC3339 timestamp, got %q", b.key, v)
		}
		ts = ts.UTC()
		*b.dst = &ts
	}
	if opts.Since != nil && opts.Until != nil && opts.Until.Before(*opts.Since) {
		return domain.ListOpts{}, errors.New("until is before since")
	}
	return opts, nil
}
