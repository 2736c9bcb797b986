package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/availability"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/schedule"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/storage"
)

// AdminHandler manages doctors, offices, recurring schedules and date
// exceptions. Schedule and exception writes validate against the stored rows
// before inserting; the availability engine can then trust what it reads.
type AdminHandler struct {
	repo   *storage.Repository
	logger *slog.Logger
}

func NewAdminHandler(repo *storage.Repository, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{repo: repo, logger: logger}
}

type createDoctorRequest struct {
	UserID                  string `json:"user_id"`
	Specialty               string `json:"specialty"`
	Bio                     string `json:"bio"`
	LicenseNumber           string `json:"license_number"`
	ConsultationDuration    int    `json:"consultation_duration"`
	BufferMinutes           int    `json:"buffer_minutes"`
	AutoConfirmAppointments bool   `json:"auto_confirm_appointments"`
	ConsultationFee         string `json:"consultation_fee"`
}

func (h *AdminHandler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createDoctorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if req.ConsultationDuration <= 0 || req.ConsultationDuration > 8*60 {
		http.Error(w, "consultation_duration must be 1..480 minutes", http.StatusBadRequest)
		return
	}
	if req.BufferMinutes < 0 || req.BufferMinutes > 120 {
		http.Error(w, "buffer_minutes must be 0..120", http.StatusBadRequest)
		return
	}
	fee := decimal.Zero
	if req.ConsultationFee != "" {
		var err error
		fee, err = decimal.NewFromString(req.ConsultationFee)
		if err != nil || fee.IsNegative() {
			http.Error(w, "invalid consultation_fee", http.StatusBadRequest)
			return
		}
	}

	doctor := model.Doctor{
		UserID:                  req.UserID,
		Specialty:               strings.TrimSpace(req.Specialty),
		Bio:                     strings.TrimSpace(req.Bio),
		LicenseNumber:           strings.TrimSpace(req.LicenseNumber),
		ConsultationDuration:    req.ConsultationDuration,
		BufferMinutes:           req.BufferMinutes,
		AutoConfirmAppointments: req.AutoConfirmAppointments,
		IsActive:                true,
		ConsultationFee:         fee,
	}
	if err := h.repo.CreateDoctor(r.Context(), &doctor); err != nil {
		h.logger.Error("create doctor failed", "err", err)
		http.Error(w, "failed to create doctor", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"doctor_id": doctor.ID})
}

type createOfficeRequest struct {
	DoctorID string `json:"doctor_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	City     string `json:"city"`
	Phone    string `json:"phone"`
	Timezone string `json:"timezone"`
}

func (h *AdminHandler) CreateOffice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createOfficeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.Name = strings.TrimSpace(req.Name)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.DoctorID == "" || req.Name == "" || req.Timezone == "" {
		http.Error(w, "doctor_id, name and timezone required", http.StatusBadRequest)
		return
	}
	// Reject unknown zone names at write time so slot queries never fail on
	// a stored office.
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		http.Error(w, "invalid timezone", http.StatusBadRequest)
		return
	}
	if _, err := h.repo.Doctor(r.Context(), req.DoctorID); err != nil {
		if writeDomainError(w, err) {
			return
		}
		http.Error(w, "failed to load doctor", http.StatusInternalServerError)
		return
	}

	office := model.Office{
		DoctorID: req.DoctorID,
		Name:     req.Name,
		Address:  strings.TrimSpace(req.Address),
		City:     strings.TrimSpace(req.City),
		Phone:    strings.TrimSpace(req.Phone),
		Timezone: req.Timezone,
		IsActive: true,
	}
	if err := h.repo.CreateOffice(r.Context(), &office); err != nil {
		h.logger.Error("create office failed", "err", err)
		http.Error(w, "failed to create office", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"office_id": office.ID})
}

type createScheduleRequest struct {
	OfficeID  string `json:"office_id"`
	Weekday   int    `json:"weekday"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Notes     string `json:"notes"`
}

func (h *AdminHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.OfficeID = strings.TrimSpace(req.OfficeID)
	if req.OfficeID == "" {
		http.Error(w, "office_id required", http.StatusBadRequest)
		return
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		http.Error(w, "weekday must be 0..6", http.StatusBadRequest)
		return
	}
	window, err := schedule.WindowFromClocks(req.StartTime, req.EndTime)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		http.Error(w, "invalid window", http.StatusBadRequest)
		return
	}

	existing, err := h.repo.OfficeSchedules(r.Context(), req.OfficeID)
	if err != nil {
		h.logger.Error("load schedules failed", "err", err, "office_id", req.OfficeID)
		http.Error(w, "failed to load schedules", http.StatusInternalServerError)
		return
	}
	if err := schedule.ValidateNewWindow(existing, req.Weekday, window); err != nil {
		if writeDomainError(w, err) {
			return
		}
		http.Error(w, "schedule validation failed", http.StatusInternalServerError)
		return
	}

	row := model.Schedule{
		OfficeID:  req.OfficeID,
		Weekday:   req.Weekday,
		StartTime: strings.TrimSpace(req.StartTime),
		EndTime:   strings.TrimSpace(req.EndTime),
		IsActive:  true,
		Notes:     strings.TrimSpace(req.Notes),
	}
	if err := h.repo.CreateSchedule(r.Context(), &row); err != nil {
		h.logger.Error("create schedule failed", "err", err)
		http.Error(w, "failed to create schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"schedule_id": row.ID})
}

type createExceptionRequest struct {
	OfficeID  string `json:"office_id"`
	Date      string `json:"date"`
	Type      string `json:"type"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
}

func (h *AdminHandler) CreateException(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.OfficeID = strings.TrimSpace(req.OfficeID)
	req.Date = strings.TrimSpace(req.Date)
	if req.OfficeID == "" || req.Date == "" {
		http.Error(w, "office_id and date required", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse(availability.DateLayout, req.Date); err != nil {
		http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	candidate := model.Exception{
		OfficeID:        req.OfficeID,
		Date:            req.Date,
		StartTime:       strings.TrimSpace(req.StartTime),
		EndTime:         strings.TrimSpace(req.EndTime),
		Type:            model.ExceptionType(strings.TrimSpace(req.Type)),
		Reason:          strings.TrimSpace(req.Reason),
		IsActive:        true,
		CreatedByUserID: strings.TrimSpace(req.CreatedBy),
	}

	existing, err := h.repo.OfficeExceptions(r.Context(), req.OfficeID, req.Date, req.Date)
	if err != nil {
		h.logger.Error("load exceptions failed", "err", err, "office_id", req.OfficeID)
		http.Error(w, "failed to load exceptions", http.StatusInternalServerError)
		return
	}
	if err := schedule.ValidateNewException(existing, candidate); err != nil {
		if writeDomainError(w, err) {
			return
		}
		http.Error(w, "exception validation failed", http.StatusInternalServerError)
		return
	}

	if err := h.repo.CreateException(r.Context(), &candidate); err != nil {
		h.logger.Error("create exception failed", "err", err)
		http.Error(w, "failed to create exception", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"exception_id": candidate.ID})
}
