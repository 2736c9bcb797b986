package booking

import (
	"fmt"
	"time"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

// legalTransitions is the full appointment state machine. Anything absent is
// illegal; terminal source states reject everything.
var legalTransitions = map[model.AppointmentStatus]map[model.AppointmentStatus]bool{
	model.StatusPending: {
		model.StatusConfirmed:   true,
		model.StatusCancelled:   true,
		model.StatusRescheduled: true,
	},
	model.StatusConfirmed: {
		model.StatusCancelled:   true,
		model.StatusCompleted:   true,
		model.StatusNoShow:      true,
		model.StatusRescheduled: true,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to model.AppointmentStatus) bool {
	return legalTransitions[from][to]
}

// Transition applies a status change and stamps the timestamp owned by the
// target state. Retrying an already-applied transition fails: with
// ErrAlreadyTerminal when the appointment has reached a terminal status,
// otherwise with ErrIllegalStateTransition.
func Transition(appt *model.Appointment, to model.AppointmentStatus, at time.Time) error {
	if appt.Status.Terminal() {
		return fmt.Errorf("%w: %s", model.ErrAlreadyTerminal, appt.Status)
	}
	if !CanTransition(appt.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrIllegalStateTransition, appt.Status, to)
	}

	appt.Status = to
	switch to {
	case model.StatusConfirmed:
		t := at
		appt.ConfirmedAt = &t
	case model.StatusCancelled:
		t := at
		appt.CancelledAt = &t
	case model.StatusCompleted:
		t := at
		appt.CompletedAt = &t
	}
	return nil
}
