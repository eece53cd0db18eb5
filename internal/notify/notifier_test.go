package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

type countingLimiter struct{ keys []string }

func (c *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (c *countingLimiter) Wait(_ context.Context, key string) error {
	c.keys = append(c.keys, key)
	return nil
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"loop_completed", " "}, logger())

	require.NoError(t, n.Notify(context.Background(), "error", "dropped", ""))
	require.NoError(t, n.Notify(context.Background(), "loop_completed", "kept", ""))
	require.NoError(t, n.NotifyAll(context.Background(), "forced", ""))
	require.Equal(t, []string{"kept", "forced"}, s.got)
}

func TestNotifyContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	limiter := &countingLimiter{}
	n := NewNotifier([]Sender{bad, good}, nil, logger()).WithThrottle(limiter)

	err := n.Notify(context.Background(), "error", "t", "m")
	require.ErrorContains(t, err, "bad: boom")
	require.Len(t, good.got, 1)
	require.Equal(t, []string{"notify:bad", "notify:good"}, limiter.keys)
	require.True(t, n.Enabled())
}

func TestTelegramSenderEscapesAndPosts(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Loop error", "revert: LTV_too_high"))
	require.Equal(t, "42", payload["chat_id"])
	require.Equal(t, "*Loop error*\nrevert: LTV\\_too\\_high", payload["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.ErrorContains(t, err, "unexpected status 429")
}

func TestTruncateKeepsRunes(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	out := truncate(strings.Repeat("é", 10), 8)
	require.LessOrEqual(t, len(out), 8)
	require.True(t, strings.HasSuffix(out, "…"))
	require.NotContains(t, out, "�")
}
