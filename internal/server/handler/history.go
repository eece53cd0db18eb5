package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// HistoryService reads finished and live sessions of the owner.
type HistoryService interface {
	History(ctx context.Context, opts domain.ListOpts) ([]domain.LoopSession, error)
	SessionTimeline(ctx context.Context, id string) ([]domain.ActivityEntry, error)
	SessionIterations(ctx context.Context, id string) ([]domain.LoopIteration, error)
}

// HistoryHandler serves session history.
type HistoryHandler struct {
	history HistoryService
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(history HistoryService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger}
}

type listSessionsResponse struct {
	Sessions []domain.LoopSession `json:"sessions"`
}

// ListSessions returns the owner's sessions, newest first.
// GET /api/sessions?limit=50&offset=0&since=<RFC3339>&until=<RFC3339>
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := h.history.History(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list sessions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.LoopSession{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

type timelineResponse struct {
	SessionID string                 `json:"session_id"`
	Timeline  []domain.ActivityEntry `json:"timeline"`
}

// Timeline returns every entry of a session, superseded placeholders
// included.
// GET /api/sessions/{id}/timeline
func (h *HistoryHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.history.SessionTimeline(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, timelineResponse{SessionID: id, Timeline: entries})
}

type iterationsResponse struct {
	SessionID  string                 `json:"session_id"`
	Iterations []domain.LoopIteration `json:"iterations"`
}

// Iterations returns the observed loop iterations of a session.
// GET /api/sessions/{id}/iterations
func (h *HistoryHandler) Iterations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	its, err := h.history.SessionIterations(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if its == nil {
		its = []domain.LoopIteration{}
	}
	writeJSON(w, http.StatusOK, iterationsResponse{SessionID: id, Iterations: its})
}
