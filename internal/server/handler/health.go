package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks  []Check
	mode    string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing checks on every request.
func NewHealthHandler(mode string, checks []Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, mode: mode, started: time.Now(), logger: logger}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Mode          string            `json:"mode"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// HealthCheck reports "ok", or "degraded" with 503 when a dependency fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Components = make(map[string]string, len(h.checks))
	}
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("component", c.Name),
				slog.String("error", err.Error()),
			)
			resp.Components[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}
