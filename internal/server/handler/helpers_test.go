package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.NewError(domain.KindConfiguration, "deposit", domain.ErrNotConfigured, nil), http.StatusConflict},
		{domain.NewError(domain.KindSubmission, "deposit", domain.ErrCommandInFlight, nil), http.StatusConflict},
		{domain.NewError(domain.KindAuthorization, "deposit", domain.ErrStaleNonce, nil), http.StatusConflict},
		{domain.NewError(domain.KindSubmission, "repay", domain.ErrInvalidAmount, nil), http.StatusBadRequest},
		{domain.NewError(domain.KindAuthorization, "permit", domain.ErrSigningDeclined, nil), http.StatusUnauthorized},
		{domain.NewError(domain.KindSubmission, "close", domain.ErrTxReverted, nil), http.StatusUnprocessableEntity},
		{domain.NewError(domain.KindConfiguration, "configure", domain.ErrCallerMismatch, nil), http.StatusPreconditionFailed},
		{domain.NewError(domain.KindObservation, "poll", domain.ErrChainRead, nil), http.StatusServiceUnavailable},
		{domain.NewError(domain.KindTimeout, "deposit", context.DeadlineExceeded, nil), http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestParseAmount(t *testing.T) {
	got, err := parseAmount(" 0.04 ")
	require.NoError(t, err)
	require.Equal(t, "40000000000000000", got.String())

	got, err = parseAmount("2")
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", got.String())

	for _, bad := range []string{"", "0", "-1", "1e", "0.0000000000000000001"} {
		_, err := parseAmount(bad)
		require.Error(t, err, bad)
	}
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/sessions?limit=9999&offset=-3", nil)
	opts, err := parseListOpts(r)
	require.NoError(t, err)
	require.Equal(t, 500, opts.Limit)
	require.Equal(t, 0, opts.Offset)
	require.Nil(t, opts.Since)
	require.Nil(t, opts.Until)

	r = httptest.NewRequest(http.MethodGet, "/api/sessions?limit=10&offset=20", nil)
	opts, err = parseListOpts(r)
	require.NoError(t, err)
	require.Equal(t, 10, opts.Limit)
	require.Equal(t, 20, opts.Offset)
}

func TestParseListOptsTimeBounds(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/api/sessions?limit=10&since=2026-01-01T00:00:00Z&until=2026-02-01T08:00:00%2B08:00", nil)
	opts, err := parseListOpts(r)
	require.NoError(t, err)
	require.Equal(t, 10, opts.Limit)
	require.NotNil(t, opts.Since)
	require.NotNil(t, opts.Until)
	require.True(t, opts.Since.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, opts.Until.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	for _, q := range []string{
		"since=yesterday",
		"until=2026-02-01",
		"since=2026-02-01T00:00:00Z&until=2026-01-01T00:00:00Z",
	} {
		_, err := parseListOpts(httptest.NewRequest(http.MethodGet, "/api/sessions?"+q, nil))
		require.Error(t, err, q)
	}
}

func TestWriteDomainErrorCarriesReason(t *testing.T) {
	w := httptest.NewRecorder()
	writeDomainError(w, &domain.Error{Kind: domain.KindObservation, Op: "backfill", Reason: "event gap blocks 10..20", Err: domain.ErrEventGap})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, domain.KindObservation, body.Kind)
	require.Equal(t, "event gap blocks 10..20", body.Reason)
	require.Contains(t, body.Error, "backfill")
}
