package keepalive

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/common/logger"
)

const SecretHeader = "X-Cron-Secret"

type Handler struct {
	job    *Job
	secret string
}

func NewHandler(job *Job, secret string) *Handler {
	if secret == "" {
		logger.Log.Warn("cron secret not configured, keep-alive endpoint will reject all calls")
	}
	return &Handler{job: job, secret: secret}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/cron/keepalive", h.handleRun).Methods(http.MethodPost, http.MethodGet)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if !ValidSecret(h.secret, r.Header.Get(SecretHeader)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	summary, err := h.job.Run(r.Context())
	switch {
	case errors.Is(err, ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		logger.Log.WithError(err).Error("keep-alive run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "keep-alive run failed", "summary": summary})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// ValidSecret compares in constant time. An empty expected secret never
// matches.
func ValidSecret(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
