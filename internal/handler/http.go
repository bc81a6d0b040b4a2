package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/service"
)

// Roster lists logged-in players
type Roster interface {
	List() []string
	Count() int
}

// Invites lists pending challenges
type Invites interface {
	Pending() []domain.InviteSummary
}

// Matches exposes the active match set
type Matches interface {
	Active() []domain.MatchSummary
	Get(id string) (domain.MatchSummary, bool)
	Count() int
}

// History serves finished matches
type History interface {
	GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error)
	ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error)
	Stats(ctx context.Context) service.HistoryStats
}

// Sessions reports on open game connections
type Sessions interface {
	SessionCount() int
	DroppedFrames() int64
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Handler provides the admin HTTP API and mounts the WebSocket game endpoint
type Handler struct {
	roster   Roster
	invites  Invites
	matches  Matches
	history  History
	sessions Sessions
	pingers  []Pinger
	ws       http.Handler
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler. ws may be nil to disable /ws.
func NewHandler(roster Roster, invites Invites, matches Matches, history History, sessions Sessions, pingers []Pinger, ws http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		roster:   roster,
		invites:  invites,
		matches:  matches,
		history:  history,
		sessions: sessions,
		pingers:  pingers,
		ws:       ws,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MatchView is an active match or a finished one
type MatchView struct {
	Status string               `json:"status"`
	Active *domain.MatchSummary `json:"active,omitempty"`
	Record *domain.MatchRecord  `json:"record,omitempty"`
}

// Stats is the body of GET /api/v1/stats
type Stats struct {
	OnlinePlayers  int                  `json:"online_players"`
	ActiveMatches  int                  `json:"active_matches"`
	PendingInvites int                  `json:"pending_invites"`
	OpenSessions   int                  `json:"open_sessions"`
	DroppedFrames  int64                `json:"dropped_frames"`
	History        service.HistoryStats `json:"history"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket game endpoint
	if h.ws != nil {
		r.Get("/ws", h.ws.ServeHTTP)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/users", h.ListUsers)
		r.Get("/invites", h.ListInvites)
		r.Get("/stats", h.GetStats)
		r.Get("/history", h.ListHistory)

		r.Route("/matches", func(r chi.Router) {
			r.Get("/", h.ListMatches)
			r.Get("/{matchID}", h.GetMatch)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every storage dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.pingers))
	ready := true
	for _, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", p.Name(), "error", err)
			checks[p.Name()] = err.Error()
			ready = false
			continue
		}
		checks[p.Name()] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    map[string]interface{}{"status": "not ready", "checks": checks},
			Error:   "dependency unavailable",
		})
		return
	}
	h.writeSuccess(w, map[string]interface{}{"status": "ready", "checks": checks})
}

// ListUsers returns the logged-in players in login order
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"users": h.roster.List(),
		"count": h.roster.Count(),
	})
}

// ListInvites returns pending challenges
func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.invites.Pending())
}

// ListMatches returns matches in progress
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.matches.Active())
}

// GetMatch returns a match in progress, falling back to history
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if summary, ok := h.matches.Get(matchID); ok {
		h.writeSuccess(w, MatchView{Status: "active", Active: &summary})
		return
	}

	rec, err := h.history.GetMatch(r.Context(), matchID)
	if err != nil {
		if domain.IsNotFoundError(err) || errors.Is(err, service.ErrNoReadableStore) {
			h.writeError(w, http.StatusNotFound, domain.ErrMatchNotFound)
			return
		}
		h.logger.Error("failed to get match", "match_id", matchID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, MatchView{Status: "finished", Record: rec})
}

// ListHistory returns recently finished matches
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = min(l, 500)
	}

	recs, err := h.history.ListMatches(r.Context(), limit)
	if err != nil {
		if errors.Is(err, service.ErrNoReadableStore) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to list history", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	if recs == nil {
		recs = []domain.MatchRecord{}
	}

	h.writeSuccess(w, recs)
}

// GetStats returns lobby and history counters
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, Stats{
		OnlinePlayers:  h.roster.Count(),
		ActiveMatches:  h.matches.Count(),
		PendingInvites: len(h.invites.Pending()),
		OpenSessions:   h.sessions.SessionCount(),
		DroppedFrames:  h.sessions.DroppedFrames(),
		History:        h.history.Stats(r.Context()),
	})
}
