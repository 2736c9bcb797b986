package model

import "errors"

// Stable error kinds surfaced by the scheduling core. Callers distinguish
// them with errors.Is; each maps to a distinct HTTP status at the edge.
var (
	// ErrScheduleConflict rejects a recurring-schedule write that would
	// overlap an existing window for the same office and weekday.
	ErrScheduleConflict = errors.New("schedule windows overlap")

	// ErrSlotUnavailable means the requested interval is not a bookable
	// slot: taken by another appointment, outside open hours, or lost to a
	// concurrent booking.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrIllegalStateTransition rejects a status change the state machine
	// does not allow from the appointment's current status.
	ErrIllegalStateTransition = errors.New("illegal status transition")

	// ErrAlreadyTerminal rejects any state change on a cancelled, completed,
	// no-show, or rescheduled appointment.
	ErrAlreadyTerminal = errors.New("appointment is in a terminal status")

	// ErrBookingTimeout is returned when the per-doctor booking lock could
	// not be acquired within the configured wait. Safe to retry.
	ErrBookingTimeout = errors.New("timed out waiting for booking lock")

	ErrNotFound = errors.New("not found")

	// ErrInvalidTimeRange covers malformed wall-clock or instant ranges
	// (start >= end) and non-positive durations.
	ErrInvalidTimeRange = errors.New("invalid time range")
)
