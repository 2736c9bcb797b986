package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeDomainError maps the booking error taxonomy onto HTTP statuses.
// Anything unrecognized is a 500 with a generic body; the real error goes to
// the log, not the client.
func writeDomainError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, model.ErrSlotUnavailable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "slot_unavailable"})
	case errors.Is(err, model.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_terminal"})
	case errors.Is(err, model.ErrIllegalStateTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "illegal_transition"})
	case errors.Is(err, model.ErrScheduleConflict):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "schedule_conflict"})
	case errors.Is(err, model.ErrInvalidTimeRange):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_time_range"})
	case errors.Is(err, model.ErrBookingTimeout):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "booking_timeout"})
	default:
		return false
	}
	return true
}
