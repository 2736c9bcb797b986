package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusCompleted   AppointmentStatus = "completed"
	StatusNoShow      AppointmentStatus = "no_show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// Terminal reports whether no further status change is legal. Terminal
// appointments no longer occupy the doctor's ledger for conflict checks.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

type CancellationReason string

const (
	ReasonPatientRequest    CancellationReason = "patient_request"
	ReasonDoctorUnavailable CancellationReason = "doctor_unavailable"
	ReasonEmergency         CancellationReason = "emergency"
	ReasonIllness           CancellationReason = "illness"
	ReasonScheduleConflict  CancellationReason = "schedule_conflict"
	ReasonOther             CancellationReason = "other"
)

func (r CancellationReason) Valid() bool {
	switch r {
	case ReasonPatientRequest, ReasonDoctorUnavailable, ReasonEmergency,
		ReasonIllness, ReasonScheduleConflict, ReasonOther:
		return true
	}
	return false
}

type ExceptionType string

const (
	ExceptionBlocked   ExceptionType = "blocked"
	ExceptionSpecial   ExceptionType = "special"
	ExceptionHoliday   ExceptionType = "holiday"
	ExceptionVacation  ExceptionType = "vacation"
	ExceptionEmergency ExceptionType = "emergency"
)

func (t ExceptionType) Valid() bool {
	switch t {
	case ExceptionBlocked, ExceptionSpecial, ExceptionHoliday, ExceptionVacation, ExceptionEmergency:
		return true
	}
	return false
}

// ClosesDay reports whether the exception removes all availability for its
// date regardless of the recurring schedule.
func (t ExceptionType) ClosesDay() bool {
	return t != ExceptionSpecial
}

type Doctor struct {
	ID                      string
	UserID                  string
	Specialty               string
	Bio                     string
	LicenseNumber           string
	ConsultationDuration    int // minutes
	BufferMinutes           int // idle time after each appointment
	AutoConfirmAppointments bool
	IsActive                bool
	ConsultationFee         decimal.Decimal
	CreatedAt               time.Time
}

func (d Doctor) Duration() time.Duration { return time.Duration(d.ConsultationDuration) * time.Minute }
func (d Doctor) Buffer() time.Duration   { return time.Duration(d.BufferMinutes) * time.Minute }

type Office struct {
	ID        string
	DoctorID  string
	Name      string
	Address   string
	City      string
	Phone     string
	Timezone  string // IANA name, e.g. "America/New_York"
	IsActive  bool
	CreatedAt time.Time
}

// Schedule is one recurring weekly open window for an office. Multiple rows
// per weekday model split shifts; rows for the same office+weekday must not
// overlap.
type Schedule struct {
	ID        string
	OfficeID  string
	Weekday   int    // 0=Sunday .. 6=Saturday
	StartTime string // local wall clock "09:00"
	EndTime   string // local wall clock "17:00"
	IsActive  bool
	Notes     string
	CreatedAt time.Time
}

// Exception is a date-specific override for an office. Day-closing types
// nullify the whole date; "special" replaces the recurring windows with
// StartTime..EndTime for that date only.
type Exception struct {
	ID              string
	OfficeID        string
	Date            string // "2025-12-25"
	StartTime       string // "" unless type is special
	EndTime         string // "" unless type is special
	Type            ExceptionType
	Reason          string
	IsActive        bool
	CreatedByUserID string
	CreatedAt       time.Time
}

type Appointment struct {
	ID                 string
	DoctorID           string
	OfficeID           string
	PatientID          string
	StartAt            time.Time
	EndAt              time.Time
	Status             AppointmentStatus
	Notes              string
	PatientNotes       string
	DoctorNotes        string
	CancellationReason CancellationReason
	CancellationNote   string
	CancelledAt        *time.Time
	CancelledByUserID  string
	ConfirmedAt        *time.Time
	CompletedAt        *time.Time
	Fee                decimal.Decimal
	IsPaid             bool
	PaidAt             *time.Time
	Metadata           map[string]any
	CreatedAt          time.Time
}
