package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/common/logger"
)

type Handler struct {
	repo *Repository
	now  func() time.Time
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo, now: time.Now}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/audit/entries", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/audit/errors", h.handleErrors).Methods(http.MethodGet)
	r.HandleFunc("/audit/performance", h.handlePerformance).Methods(http.MethodGet)
	r.HandleFunc("/audit/health", h.handleHealth).Methods(http.MethodGet)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		ConnectionID:  q.Get("connection_id"),
		Status:        q.Get("status"),
		ErrorCategory: q.Get("category"),
		Limit:         parseLimit(r, 100),
	}
	if raw := q.Get("window"); raw != "" {
		window, ok := parseWindow(raw)
		if !ok {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		filter.Since = h.now().UTC().Add(-window)
	}
	entries, err := h.repo.List(r.Context(), filter)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list audit entries")
		http.Error(w, "failed to list audit entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

func (h *Handler) handleErrors(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	counts, err := h.repo.ErrorCountsByCategory(r.Context(), since)
	if err != nil {
		logger.Log.WithError(err).Error("failed to aggregate audit errors")
		http.Error(w, "failed to aggregate errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"since": since, "items": counts})
}

func (h *Handler) handlePerformance(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	bucket := time.Hour
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < time.Minute {
			http.Error(w, "invalid bucket", http.StatusBadRequest)
			return
		}
		bucket = parsed
	}
	points, err := h.repo.PerformanceTrend(r.Context(), since, bucket)
	if err != nil {
		logger.Log.WithError(err).Error("failed to build performance trend")
		http.Error(w, "failed to build performance trend", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"since": since, "bucket": bucket.String(), "items": points})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	health, err := h.repo.Health(r.Context(), since)
	if err != nil {
		logger.Log.WithError(err).Error("failed to derive audit health")
		http.Error(w, "failed to derive health", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) since(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, ok := parseWindow(raw)
		if !ok {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return time.Time{}, false
		}
		window = parsed
	}
	return h.now().UTC().Add(-window), true
}

// parseWindow accepts Go durations plus a "d" suffix for days.
func parseWindow(raw string) (time.Duration, bool) {
	if n := len(raw); n > 1 && raw[n-1] == 'd' {
		days, err := strconv.Atoi(raw[:n-1])
		if err != nil || days <= 0 {
			return 0, false
		}
		return time.Duration(days) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
