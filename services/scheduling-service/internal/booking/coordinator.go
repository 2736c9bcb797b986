package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/availability"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/outbox"
)

// Ledger is the authoritative appointment store. Write methods persist the
// appointment and the given outbox events in one transaction; no partial
// state is observable.
type Ledger interface {
	Doctor(ctx context.Context, id string) (model.Doctor, error)
	Office(ctx context.Context, id string) (model.Office, error)
	Appointment(ctx context.Context, id string) (model.Appointment, error)

	// ActiveOverlaps returns non-terminal appointments for the doctor whose
	// [StartAt, EndAt) intersects [from, to). excludeID is skipped, which
	// lets a reschedule ignore the appointment it supersedes.
	ActiveOverlaps(ctx context.Context, doctorID string, from, to time.Time, excludeID string) ([]model.Appointment, error)

	Insert(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error
	Update(ctx context.Context, appt model.Appointment, events ...outbox.Event) error
	// Supersede atomically updates the original and inserts its replacement.
	Supersede(ctx context.Context, orig model.Appointment, repl *model.Appointment, events ...outbox.Event) error
}

// Coordinator validates and commits booking operations. Mutations for the
// same doctor run inside a per-doctor critical section so that concurrent
// attempts on overlapping windows serialize; distinct doctors never block
// each other.
type Coordinator struct {
	ledger   Ledger
	engine   *availability.Engine
	logger   *slog.Logger
	locks    *keyedLock
	lockWait time.Duration
	now      func() time.Time
}

const DefaultLockWait = 5 * time.Second

func NewCoordinator(ledger Ledger, engine *availability.Engine, logger *slog.Logger, lockWait time.Duration) *Coordinator {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Coordinator{
		ledger:   ledger,
		engine:   engine,
		logger:   logger,
		locks:    newKeyedLock(),
		lockWait: lockWait,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) lockDoctor(ctx context.Context, doctorID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()
	release, err := c.locks.acquire(waitCtx, doctorID)
	if err != nil {
		if ctx.Err() != nil {
			// Caller went away; nothing was written.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: doctor %s", model.ErrBookingTimeout, doctorID)
	}
	return release, nil
}

// Create books the slot starting at startAt. The slot is re-validated
// against the live ledger inside the per-doctor critical section, so a race
// lost to a concurrent booking surfaces as ErrSlotUnavailable rather than an
// overlapping ledger.
func (c *Coordinator) Create(ctx context.Context, doctorID, officeID, patientID string, startAt time.Time) (model.Appointment, error) {
	doctor, err := c.ledger.Doctor(ctx, doctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	office, err := c.ledger.Office(ctx, officeID)
	if err != nil {
		return model.Appointment{}, err
	}
	if office.DoctorID != doctor.ID {
		return model.Appointment{}, fmt.Errorf("%w: office %s does not belong to doctor %s", model.ErrNotFound, officeID, doctorID)
	}
	if doctor.ConsultationDuration <= 0 || doctor.BufferMinutes < 0 {
		return model.Appointment{}, fmt.Errorf("%w: duration %dm buffer %dm", model.ErrInvalidTimeRange,
			doctor.ConsultationDuration, doctor.BufferMinutes)
	}

	release, err := c.lockDoctor(ctx, doctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer release()

	if err := c.checkBookable(ctx, doctor, office, startAt, ""); err != nil {
		return model.Appointment{}, err
	}

	now := c.now().UTC()
	appt := model.Appointment{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		OfficeID:  officeID,
		PatientID: patientID,
		StartAt:   startAt.UTC(),
		EndAt:     startAt.Add(doctor.Duration()).UTC(),
		Status:    model.StatusPending,
		Fee:       doctor.ConsultationFee,
	}
	if doctor.AutoConfirmAppointments {
		appt.Status = model.StatusConfirmed
		t := now
		appt.ConfirmedAt = &t
	}

	evt, err := appointmentEvent(outbox.EventAppointmentCreated, appt, now)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := c.ledger.Insert(ctx, &appt, evt); err != nil {
		return model.Appointment{}, err
	}
	c.logger.Info("appointment created",
		"appointment_id", appt.ID, "doctor_id", doctorID, "start_at", appt.StartAt, "status", appt.Status)
	return appt, nil
}

// Cancel moves the appointment to cancelled and records who and why. The
// freed window is visible to availability queries as soon as the ledger
// write commits.
func (c *Coordinator) Cancel(ctx context.Context, appointmentID string, reason model.CancellationReason, note, actorID string) (model.Appointment, error) {
	if !reason.Valid() {
		return model.Appointment{}, fmt.Errorf("%w: cancellation reason %q", model.ErrInvalidTimeRange, reason)
	}
	appt, err := c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}

	release, err := c.lockDoctor(ctx, appt.DoctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer release()

	// Re-read inside the critical section; the first read only located the
	// doctor to lock.
	appt, err = c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}

	now := c.now().UTC()
	if err := Transition(&appt, model.StatusCancelled, now); err != nil {
		return model.Appointment{}, err
	}
	appt.CancellationReason = reason
	appt.CancellationNote = note
	appt.CancelledByUserID = actorID

	evt, err := appointmentEvent(outbox.EventAppointmentCancelled, appt, now)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := c.ledger.Update(ctx, appt, evt); err != nil {
		return model.Appointment{}, err
	}
	c.logger.Info("appointment cancelled",
		"appointment_id", appt.ID, "doctor_id", appt.DoctorID, "reason", reason)
	return appt, nil
}

// Reschedule supersedes the original appointment with a new one at newStart.
// All-or-nothing: if the new slot fails validation the original is left
// byte-for-byte untouched.
func (c *Coordinator) Reschedule(ctx context.Context, appointmentID string, newStart time.Time) (model.Appointment, error) {
	orig, err := c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	doctor, err := c.ledger.Doctor(ctx, orig.DoctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	office, err := c.ledger.Office(ctx, orig.OfficeID)
	if err != nil {
		return model.Appointment{}, err
	}

	release, err := c.lockDoctor(ctx, orig.DoctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer release()

	orig, err = c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if orig.Status.Terminal() {
		return model.Appointment{}, fmt.Errorf("%w: %s", model.ErrAlreadyTerminal, orig.Status)
	}
	if !CanTransition(orig.Status, model.StatusRescheduled) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", model.ErrIllegalStateTransition, orig.Status, model.StatusRescheduled)
	}

	// The original is superseded in the same commit, so it must not block
	// its own replacement.
	if err := c.checkBookable(ctx, doctor, office, newStart, orig.ID); err != nil {
		return model.Appointment{}, err
	}

	now := c.now().UTC()
	updated := orig
	if err := Transition(&updated, model.StatusRescheduled, now); err != nil {
		return model.Appointment{}, err
	}

	repl := model.Appointment{
		ID:        uuid.NewString(),
		DoctorID:  orig.DoctorID,
		OfficeID:  orig.OfficeID,
		PatientID: orig.PatientID,
		StartAt:   newStart.UTC(),
		EndAt:     newStart.Add(doctor.Duration()).UTC(),
		Status:    model.StatusPending,
		Fee:       orig.Fee,
	}
	if doctor.AutoConfirmAppointments {
		repl.Status = model.StatusConfirmed
		t := now
		repl.ConfirmedAt = &t
	}

	rescheduledEvt, err := appointmentEvent(outbox.EventAppointmentRescheduled, updated, now)
	if err != nil {
		return model.Appointment{}, err
	}
	createdEvt, err := appointmentEvent(outbox.EventAppointmentCreated, repl, now)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := c.ledger.Supersede(ctx, updated, &repl, rescheduledEvt, createdEvt); err != nil {
		return model.Appointment{}, err
	}
	c.logger.Info("appointment rescheduled",
		"appointment_id", orig.ID, "replacement_id", repl.ID, "doctor_id", orig.DoctorID, "start_at", repl.StartAt)
	return repl, nil
}

// Confirm is a pure status transition; the slot does not move, so no
// availability re-validation is needed.
func (c *Coordinator) Confirm(ctx context.Context, appointmentID string) (model.Appointment, error) {
	return c.transition(ctx, appointmentID, model.StatusConfirmed, outbox.EventAppointmentConfirmed)
}

func (c *Coordinator) Complete(ctx context.Context, appointmentID string) (model.Appointment, error) {
	return c.transition(ctx, appointmentID, model.StatusCompleted, outbox.EventAppointmentCompleted)
}

// MarkNoShow records that the patient did not attend. No event topic exists
// for no-shows; the log line is the only side channel.
func (c *Coordinator) MarkNoShow(ctx context.Context, appointmentID string) (model.Appointment, error) {
	return c.transition(ctx, appointmentID, model.StatusNoShow, "")
}

func (c *Coordinator) transition(ctx context.Context, appointmentID string, to model.AppointmentStatus, eventType string) (model.Appointment, error) {
	appt, err := c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}

	release, err := c.lockDoctor(ctx, appt.DoctorID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer release()

	appt, err = c.ledger.Appointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}

	now := c.now().UTC()
	if err := Transition(&appt, to, now); err != nil {
		return model.Appointment{}, err
	}

	var events []outbox.Event
	if eventType != "" {
		evt, err := appointmentEvent(eventType, appt, now)
		if err != nil {
			return model.Appointment{}, err
		}
		events = append(events, evt)
	}
	if err := c.ledger.Update(ctx, appt, events...); err != nil {
		return model.Appointment{}, err
	}
	c.logger.Info("appointment status changed",
		"appointment_id", appt.ID, "doctor_id", appt.DoctorID, "status", to)
	return appt, nil
}

// checkBookable re-validates a requested start against the schedule grid and
// the live ledger. Must run inside the doctor's critical section.
func (c *Coordinator) checkBookable(ctx context.Context, doctor model.Doctor, office model.Office, startAt time.Time, excludeID string) error {
	if startAt.Before(c.now()) {
		return fmt.Errorf("%w: start %s is in the past", model.ErrSlotUnavailable, startAt.UTC().Format(time.RFC3339))
	}

	onGrid, err := c.engine.SlotFitsGrid(ctx, doctor, office, startAt)
	if err != nil {
		return err
	}
	if !onGrid {
		return fmt.Errorf("%w: start %s is not an offered slot", model.ErrSlotUnavailable, startAt.UTC().Format(time.RFC3339))
	}

	// The occupied window of an appointment is [StartAt, EndAt+buffer), for
	// the existing rows and for the candidate alike.
	buffer := doctor.Buffer()
	end := startAt.Add(doctor.Duration() + buffer)
	overlapping, err := c.ledger.ActiveOverlaps(ctx, doctor.ID, startAt.Add(-buffer), end, excludeID)
	if err != nil {
		return err
	}
	for _, other := range overlapping {
		if startAt.Before(other.EndAt.Add(buffer)) && other.StartAt.Before(end) {
			return fmt.Errorf("%w: conflicts with appointment %s", model.ErrSlotUnavailable, other.ID)
		}
	}
	return nil
}

func appointmentEvent(eventType string, appt model.Appointment, at time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"doctor_id":      appt.DoctorID,
		"office_id":      appt.OfficeID,
		"patient_id":     appt.PatientID,
		"status":         appt.Status,
		"start_at":       appt.StartAt.UTC().Format(time.RFC3339),
		"end_at":         appt.EndAt.UTC().Format(time.RFC3339),
		"occurred_at":    at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
