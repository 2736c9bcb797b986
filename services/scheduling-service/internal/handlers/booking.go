package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turnomed/turnomed/libs/metrics"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/booking"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/storage"
)

type BookingHandler struct {
	coordinator *booking.Coordinator
	repo        *storage.Repository
	logger      *slog.Logger
	metrics     *metrics.BookingMetrics
}

func NewBookingHandler(coordinator *booking.Coordinator, repo *storage.Repository, logger *slog.Logger, m *metrics.BookingMetrics) *BookingHandler {
	return &BookingHandler{coordinator: coordinator, repo: repo, logger: logger, metrics: m}
}

type createAppointmentRequest struct {
	DoctorID  string `json:"doctor_id"`
	OfficeID  string `json:"office_id"`
	PatientID string `json:"patient_id"`
	StartAt   string `json:"start_at"`
}

type cancelAppointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
	Note          string `json:"note"`
	CancelledBy   string `json:"cancelled_by"`
}

type rescheduleAppointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	NewStartAt    string `json:"new_start_at"`
}

type appointmentIDRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type appointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	OfficeID      string `json:"office_id"`
	PatientID     string `json:"patient_id"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	Status        string `json:"status"`
	Fee           string `json:"fee"`
	ConfirmedAt   string `json:"confirmed_at,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	Reason        string `json:"cancellation_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		OfficeID:      a.OfficeID,
		PatientID:     a.PatientID,
		StartAt:       a.StartAt.UTC().Format(time.RFC3339),
		EndAt:         a.EndAt.UTC().Format(time.RFC3339),
		Status:        string(a.Status),
		Fee:           a.Fee.String(),
		Reason:        string(a.CancellationReason),
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.ConfirmedAt != nil {
		resp.ConfirmedAt = a.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		resp.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	if a.CompletedAt != nil {
		resp.CompletedAt = a.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.OfficeID = strings.TrimSpace(req.OfficeID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.DoctorID == "" || req.OfficeID == "" || req.PatientID == "" {
		http.Error(w, "doctor_id, office_id and patient_id required", http.StatusBadRequest)
		return
	}
	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		http.Error(w, "invalid start_at", http.StatusBadRequest)
		return
	}

	appt, err := h.coordinator.Create(r.Context(), req.DoctorID, req.OfficeID, req.PatientID, startAt)
	if err != nil {
		h.metrics.ObserveBooking("create", "error")
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("create appointment failed", "err", err, "doctor_id", req.DoctorID)
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveBooking("create", "ok")
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := h.coordinator.Cancel(r.Context(), req.AppointmentID,
		model.CancellationReason(strings.TrimSpace(req.Reason)), strings.TrimSpace(req.Note), strings.TrimSpace(req.CancelledBy))
	if err != nil {
		h.metrics.ObserveBooking("cancel", "error")
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("cancel appointment failed", "err", err, "appointment_id", req.AppointmentID)
		http.Error(w, "failed to cancel appointment", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveBooking("cancel", "ok")
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rescheduleAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	newStart, err := time.Parse(time.RFC3339, req.NewStartAt)
	if err != nil {
		http.Error(w, "invalid new_start_at", http.StatusBadRequest)
		return
	}

	repl, err := h.coordinator.Reschedule(r.Context(), req.AppointmentID, newStart)
	if err != nil {
		h.metrics.ObserveBooking("reschedule", "error")
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("reschedule failed", "err", err, "appointment_id", req.AppointmentID)
		http.Error(w, "failed to reschedule appointment", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveBooking("reschedule", "ok")
	writeJSON(w, http.StatusCreated, toAppointmentResponse(repl))
}

func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, "confirm", h.coordinator.Confirm)
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, "complete", h.coordinator.Complete)
}

func (h *BookingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, "no_show", h.coordinator.MarkNoShow)
}

func (h *BookingHandler) statusChange(w http.ResponseWriter, r *http.Request, op string, apply func(ctx context.Context, id string) (model.Appointment, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appointmentIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := apply(r.Context(), req.AppointmentID)
	if err != nil {
		h.metrics.ObserveBooking(op, "error")
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("status change failed", "err", err, "operation", op, "appointment_id", req.AppointmentID)
		http.Error(w, "failed to update appointment", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveBooking(op, "ok")
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if (doctorID == "") == (patientID == "") {
		http.Error(w, "exactly one of doctor_id or patient_id required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var (
		appts []model.Appointment
		err   error
	)
	if doctorID != "" {
		appts, err = h.repo.ListByDoctor(r.Context(), doctorID, limit)
	} else {
		appts, err = h.repo.ListByPatient(r.Context(), patientID, limit)
	}
	if err != nil {
		h.logger.Error("list appointments failed", "err", err)
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		items = append(items, toAppointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, items)
}
