package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/riverstack/useraggd/internal/eventagg"
	"github.com/riverstack/useraggd/internal/logging"
)

// parseUserID parses the userID URL parameter, enforcing the same
// positive-integer invariant UserEvent.Validate enforces on ingest.
func parseUserID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// Response is the envelope every handler responds with, mirroring the
// success/error shape a dashboard or curl caller expects from a small
// observability API.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries a machine-readable code alongside a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler holds the dependencies every observability handler reads from.
// It never writes to the cache or store — this surface is read-only by
// design, matching the durable store's non-goal of not being a query API.
type Handler struct {
	service   *eventagg.Service
	startTime time.Time
}

// NewHandler creates a Handler backed by service.
func NewHandler(service *eventagg.Service) *Handler {
	return &Handler{service: service, startTime: time.Now()}
}

func respondJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now()
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, Response{Status: "error", Error: &APIError{Code: code, Message: message}})
}

// Live handles the liveness probe: 200 OK as long as the process is
// alive, regardless of broker or database connectivity.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, Response{
		Status: "success",
		Data: map[string]interface{}{
			"alive":  true,
			"uptime": time.Since(h.startTime).Seconds(),
		},
	})
}

// Ready handles the readiness probe: 200 only if every registered
// component (Consumer, Aggregator) reports healthy; 503 otherwise, so a
// load balancer or orchestrator stops routing traffic to a pipeline that
// cannot currently make progress.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := h.service.Health().CheckAll(r.Context())

	status := http.StatusOK
	label := "ready"
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
		label = "not_ready"
	}

	respondJSON(w, status, Response{Status: label, Data: overall})
}

// Health returns the full per-component health breakdown, for operators
// rather than orchestrators.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	overall := h.service.Health().CheckAll(r.Context())

	status := http.StatusOK
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, Response{Status: "success", Data: overall})
}

// UserStats returns every event_type counter for the requested user,
// merged from the in-memory cache (not yet flushed) and the durable
// store (already flushed). Outside a flush the total is the current count;
// while a flush is writing, the counts it has drained from the cache are
// in neither source yet, so the total reads low until that flush ends.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(chi.URLParam(r, "userID"))
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a positive integer")
		return
	}

	merged := make(map[string]int64)

	stored, err := h.service.Store().GetUserStats(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to read durable store")
		return
	}
	for _, row := range stored {
		merged[row.EventType] += row.Count
	}

	for eventType, count := range h.service.Cache().GetByUser(userID) {
		merged[eventType] += count
	}

	respondJSON(w, http.StatusOK, Response{
		Status: "success",
		Data: map[string]interface{}{
			"user_id": userID,
			"counts":  merged,
		},
	})
}

// EventStat returns the counter for one (user_id, event_type) pair,
// merged the same way UserStats is.
func (h *Handler) EventStat(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(chi.URLParam(r, "userID"))
	eventType := chi.URLParam(r, "eventType")
	if !ok || eventType == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a positive integer and event_type is required")
		return
	}

	key := eventagg.CounterKey{UserID: userID, EventType: eventType}

	var total int64
	var found bool

	stat, ok, err := h.service.Store().GetStat(r.Context(), userID, eventType)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to read durable store")
		return
	}
	if ok {
		total += stat.Count
		found = true
	}

	if pending, ok := h.service.Cache().Get(key); ok {
		total += pending
		found = true
	}

	if !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no counter for this user and event type")
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Status: "success",
		Data: map[string]interface{}{
			"user_id":    userID,
			"event_type": eventType,
			"count":      total,
		},
	})
}
