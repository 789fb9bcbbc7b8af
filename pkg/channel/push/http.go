package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/logger"
)

type Handler struct {
	orchestrator *Orchestrator
	validate     *validator.Validate
}

func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator, validate: validator.New()}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/connections/{id}/push", h.handlePush).Methods(http.MethodPost)
}

type pushRequest struct {
	Kind     string                 `json:"kind" validate:"required,oneof=rates availability restrictions"`
	HotelID  string                 `json:"hotel_id"`
	TargetID string                 `json:"target_id" validate:"required"`
	Start    string                 `json:"start" validate:"required,datetime=2006-01-02"`
	End      string                 `json:"end" validate:"required,datetime=2006-01-02"`
	Changes  map[string]interface{} `json:"changes" validate:"required"`
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, _ := time.Parse(dateLayout, req.Start)
	end, _ := time.Parse(dateLayout, req.End)

	result, err := h.orchestrator.PushRange(r.Context(), Request{
		ConnectionID: mux.Vars(r)["id"],
		HotelID:      req.HotelID,
		Kind:         Kind(req.Kind),
		TargetID:     req.TargetID,
		Start:        start,
		End:          end,
		Changes:      req.Changes,
	})
	switch {
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, token.ErrCredentialMissing), errors.Is(err, token.ErrUnknownConnection):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "result": result})
		return
	case err != nil:
		logger.Log.WithError(err).Error("push aborted")
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error(), "result": result})
		return
	}

	status := http.StatusOK
	switch {
	case result.Succeeded == 0:
		status = http.StatusBadGateway
	case result.Failed > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
