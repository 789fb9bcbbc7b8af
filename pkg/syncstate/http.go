package syncstate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/common/logger"
)

type Handler struct {
	repo     *Repository
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo, validate: validator.New(), now: time.Now}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/connections/{id}/sync-state", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/sync-state/enable", h.handleEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/sync-state/disable", h.handleEnabled(false)).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/sync-state/bootstrap", h.handleBootstrap).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/sync-state/{entity}", h.handleRecordSync).Methods(http.MethodPost)
}

type syncRequest struct {
	At *time.Time `json:"at"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, mux.Vars(r)["id"])
}

func (h *Handler) handleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.repo.SetEnabled(r.Context(), id, enabled); err != nil {
			logger.WithConnection(id).WithError(err).Error("failed to update sync state")
			http.Error(w, "failed to update sync state", http.StatusInternalServerError)
			return
		}
		h.writeState(w, r, id)
	}
}

func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	at, ok := h.readAt(w, r)
	if !ok {
		return
	}
	if err := h.repo.MarkBootstrapped(r.Context(), id, at); err != nil {
		logger.WithConnection(id).WithError(err).Error("failed to mark bootstrap")
		http.Error(w, "failed to mark bootstrap", http.StatusInternalServerError)
		return
	}
	h.writeState(w, r, id)
}

func (h *Handler) handleRecordSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, entity := vars["id"], vars["entity"]
	if err := h.validate.Var(entity, "required,max=64,alphanum"); err != nil {
		http.Error(w, "invalid entity type", http.StatusBadRequest)
		return
	}
	at, ok := h.readAt(w, r)
	if !ok {
		return
	}
	if err := h.repo.RecordSync(r.Context(), id, entity, at); err != nil {
		logger.WithConnection(id).WithError(err).Error("failed to record sync")
		http.Error(w, "failed to record sync", http.StatusInternalServerError)
		return
	}
	h.writeState(w, r, id)
}

// readAt takes an optional {"at": RFC3339} body, defaulting to now.
func (h *Handler) readAt(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return time.Time{}, false
	}
	if req.At == nil {
		return h.now().UTC(), true
	}
	return req.At.UTC(), true
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, id string) {
	state, err := h.repo.Get(r.Context(), id)
	if err != nil {
		logger.WithConnection(id).WithError(err).Error("failed to load sync state")
		http.Error(w, "failed to load sync state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
