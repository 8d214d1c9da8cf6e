// ABOUTME: HTTP handlers for the hikmaai-tif status and lookup API
// ABOUTME: Serves feed schedules, manual refreshes, IOC lookups, index state, and run history

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
	"github.com/hikmaai-io/hikmaai-tif/internal/redis"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// Actor is recorded in audit logs for changes made over HTTP.
const Actor = "http"

// FeedScheduler is the subset of the feed manager the API exposes.
type FeedScheduler interface {
	Statuses() []feedsync.FeedStatus
	Status(feedID string) *feedsync.FeedStatus
	TriggerNow(ctx context.Context, feedID string) error
}

// IOCReader reads stored indicators.
type IOCReader interface {
	Get(ctx context.Context, feedID, iocID string) (types.IOC, error)
	Count(ctx context.Context, feedID string) (int, error)
	Feeds(ctx context.Context) ([]string, error)
	Segments(ctx context.Context) ([]store.SegmentInfo, error)
	FilterStats() (store.FilterStats, bool)
}

// RunHistory returns recent run events, newest first.
type RunHistory interface {
	Recent(ctx context.Context, count int64) ([]redis.RunEvent, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	scheduler FeedScheduler
	store     IOCReader
	history   RunHistory
	started   time.Time
}

// HandlerConfig holds configuration for API handlers.
type HandlerConfig struct {
	Scheduler FeedScheduler
	Store     IOCReader

	// History is optional; /api/v1/runs returns 503 without it.
	History RunHistory
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		scheduler: cfg.Scheduler,
		store:     cfg.Store,
		history:   cfg.History,
		started:   time.Now(),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.HandleHealth)
	mux.HandleFunc("GET /api/v1/feeds", h.HandleListFeeds)
	mux.HandleFunc("GET /api/v1/feeds/{id}", h.HandleGetFeed)
	mux.HandleFunc("POST /api/v1/feeds/{id}/refresh", h.HandleRefreshFeed)
	mux.HandleFunc("GET /api/v1/feeds/{id}/iocs/{ioc}", h.HandleGetIOC)
	mux.HandleFunc("GET /api/v1/index", h.HandleIndex)
	mux.HandleFunc("GET /api/v1/runs", h.HandleRuns)
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string             `json:"status"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Feeds         int                `json:"feeds"`
	FailingFeeds  []string           `json:"failing_feeds,omitempty"`
	Filter        *store.FilterStats `json:"filter,omitempty"`
}

// HandleHealth reports liveness and a summary of feed health.
// GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := h.scheduler.Statuses()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Feeds:         len(statuses),
	}
	for _, s := range statuses {
		if s.Status == feedsync.StatusFailed {
			resp.FailingFeeds = append(resp.FailingFeeds, s.FeedID)
		}
	}
	if len(resp.FailingFeeds) > 0 {
		resp.Status = "degraded"
	}
	if stats, ok := h.store.FilterStats(); ok {
		resp.Filter = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleListFeeds lists every registered feed's status.
// GET /api/v1/feeds
func (h *Handler) HandleListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"feeds": h.scheduler.Statuses(),
	})
}

// FeedResponse is a feed status plus its stored record count.
type FeedResponse struct {
	feedsync.FeedStatus
	Stored int `json:"stored"`
}

// HandleGetFeed returns one feed's status.
// GET /api/v1/feeds/{id}
func (h *Handler) HandleGetFeed(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")

	status := h.scheduler.Status(feedID)
	if status == nil {
		writeError(w, http.StatusNotFound, "feed not registered")
		return
	}

	count, err := h.store.Count(r.Context(), feedID)
	if err != nil && !errors.Is(err, store.ErrIndexNotFound) {
		writeError(w, http.StatusInternalServerError, "counting stored records: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, FeedResponse{FeedStatus: *status, Stored: count})
}

// HandleRefreshFeed starts a run outside the feed's schedule.
// POST /api/v1/feeds/{id}/refresh
// Returns 202 Accepted; poll the feed status for the outcome.
func (h *Handler) HandleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")

	err := h.scheduler.TriggerNow(feedsync.WithActor(r.Context(), Actor), feedID)
	switch {
	case errors.Is(err, feedsync.ErrFeedNotRegistered):
		writeError(w, http.StatusNotFound, "feed not registered")
		return
	case errors.Is(err, feedsync.ErrManagerStopped):
		writeError(w, http.StatusServiceUnavailable, "feed manager stopped")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"feed_id": feedID,
		"status":  "triggered",
	})
}

// IOCResponse wraps a stored indicator.
type IOCResponse struct {
	FeedID string    `json:"feed_id"`
	IOCID  string    `json:"ioc_id"`
	Schema string    `json:"schema"`
	IOC    types.IOC `json:"ioc"`
}

// HandleGetIOC looks up one stored indicator.
// GET /api/v1/feeds/{id}/iocs/{ioc}
func (h *Handler) HandleGetIOC(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")
	iocID := r.PathValue("ioc")

	ioc, err := h.store.Get(r.Context(), feedID, iocID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrIndexNotFound):
		writeError(w, http.StatusNotFound, "ioc not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "lookup failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, IOCResponse{
		FeedID: feedID,
		IOCID:  iocID,
		Schema: ioc.Schema().String(),
		IOC:    ioc,
	})
}

// HandleIndex reports the rolling index segments and stored feeds.
// GET /api/v1/index
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	segments, err := h.store.Segments(ctx)
	if errors.Is(err, store.ErrIndexNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"segments": []store.SegmentInfo{}, "feeds": []string{}})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading segments: "+err.Error())
		return
	}

	feeds, err := h.store.Feeds(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing feeds: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"segments": segments,
		"feeds":    feeds,
	})
}

// HandleRuns returns recent run events.
// GET /api/v1/runs?limit=N
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history requires redis")
		return
	}

	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading run history: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": events})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs each request except health checks.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if strings.HasSuffix(r.URL.Path, "/health") {
			return
		}
		observability.LogWithContext(r.Context(), logger, slog.LevelInfo, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
