package connection

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/common/logger"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/connections", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/credential", h.handleReplaceCredential).Methods(http.MethodPut)
	r.HandleFunc("/connections/{id}/deactivate", h.handleDeactivate).Methods(http.MethodPost)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	conn, err := h.service.Create(r.Context(), req)
	if err != nil {
		if IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to create connection")
		http.Error(w, "failed to create connection", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"connection": conn})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "failed to get connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connection": conn})
}

func (h *Handler) handleReplaceCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.service.ReplaceCredential(r.Context(), mux.Vars(r)["id"], req); err != nil {
		writeError(w, err, "failed to replace credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Deactivate(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err, "failed to deactivate connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "connection not found", http.StatusNotFound)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
