// Package notify delivers loop alerts (completion, watchdog timeout, close,
// errors) to Telegram and Discord. Operators pick the events they receive.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs and throttle keys, e.g. "telegram".
	Name() string
}

// Notifier dispatches notifications to every Sender. Notify forwards only
// allowed events; NotifyAll bypasses the filter.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle domain.RateLimiter
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// WithThrottle paces each sender to one message per second across replicas,
// which keeps a burst of loop errors under the chat APIs' flood limits.
func (n *Notifier) WithThrottle(rl domain.RateLimiter) *Notifier {
	n.throttle = rl
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends title and message if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to every sender regardless of event.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if n.throttle != nil {
			if err := n.throttle.Wait(ctx, "notify:"+s.Name()); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
				continue
			}
		}
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// truncate cuts s to max bytes on a rune boundary, marking the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("…")
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
