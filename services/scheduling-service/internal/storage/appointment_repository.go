package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/availability"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/outbox"
)

const appointmentColumns = `
	id::text, doctor_id::text, office_id::text, patient_id, start_at, end_at, status,
	COALESCE(notes, ''), COALESCE(patient_notes, ''), COALESCE(doctor_notes, ''),
	COALESCE(cancellation_reason, ''), COALESCE(cancellation_note, ''), cancelled_at,
	COALESCE(cancelled_by_user_id, ''), confirmed_at, completed_at,
	fee::text, is_paid, paid_at, COALESCE(metadata, 'null'::jsonb), created_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var fee string
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.OfficeID,
		&a.PatientID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&a.Notes,
		&a.PatientNotes,
		&a.DoctorNotes,
		&a.CancellationReason,
		&a.CancellationNote,
		&a.CancelledAt,
		&a.CancelledByUserID,
		&a.ConfirmedAt,
		&a.CompletedAt,
		&fee,
		&a.IsPaid,
		&a.PaidAt,
		&a.Metadata,
		&a.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Fee, err = decimal.NewFromString(fee)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %s: bad fee %q: %w", a.ID, fee, err)
	}
	return a, nil
}

func (r *Repository) Appointment(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return model.Appointment{}, mapReadErr(err, "appointment", id)
	}
	return appt, nil
}

// ActiveOverlaps returns non-terminal appointments for the doctor whose
// window intersects [from, to). excludeID may be empty.
func (r *Repository) ActiveOverlaps(ctx context.Context, doctorID string, from, to time.Time, excludeID string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_at < $3
			AND end_at > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_at
	`, doctorID, from, to, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// BusyIntervals feeds the availability engine. Buffer extension happens in
// the engine, not here.
func (r *Repository) BusyIntervals(ctx context.Context, doctorID string, from, to time.Time) ([]availability.Interval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_at, end_at
		FROM appointments
		WHERE doctor_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_at < $3
			AND end_at > $2
		ORDER BY start_at
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

// Insert writes the appointment and its outbox events in one transaction.
// hold_until extends the exclusion-constraint window by the doctor's buffer,
// so overlapping writes racing from another instance fail with 23P01.
func (r *Repository) Insert(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.insertTx(ctx, tx, appt); err != nil {
		return err
	}
	for _, evt := range events {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Update persists a status change plus its bookkeeping fields together with
// the outbox events. Terminal statuses leave the exclusion constraint, which
// frees the window for rebooking.
func (r *Repository) Update(ctx context.Context, appt model.Appointment, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.updateTx(ctx, tx, appt); err != nil {
		return err
	}
	for _, evt := range events {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Supersede atomically retires orig and inserts its replacement. The orig
// row is locked first so a concurrent status change cannot interleave.
func (r *Repository) Supersede(ctx context.Context, orig model.Appointment, repl *model.Appointment, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current model.AppointmentStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM appointments WHERE id = $1 FOR UPDATE`, orig.ID).Scan(&current)
	if err != nil {
		return mapReadErr(err, "appointment", orig.ID)
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s", model.ErrAlreadyTerminal, current)
	}

	if err := r.updateTx(ctx, tx, orig); err != nil {
		return err
	}

	if err := r.insertTx(ctx, tx, repl); err != nil {
		return err
	}
	for _, evt := range events {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// insertTx writes a new appointment row. The caller assigns the id up front
// so the outbox payloads written in the same transaction can reference it.
func (r *Repository) insertTx(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, doctor_id, office_id, patient_id, start_at, end_at, hold_until, status,
			 confirmed_at, fee, notes, patient_notes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6,
			$6 + make_interval(mins => (SELECT buffer_minutes FROM doctors WHERE id = $2)),
			$7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12)
		RETURNING created_at
	`, appt.ID, appt.DoctorID, appt.OfficeID, appt.PatientID, appt.StartAt, appt.EndAt,
		appt.Status, appt.ConfirmedAt, appt.Fee.String(), appt.Notes, appt.PatientNotes, appt.Metadata).
		Scan(&appt.CreatedAt)
	if err != nil && IsConflict(err) {
		return fmt.Errorf("%w: doctor %s at %s", model.ErrSlotUnavailable,
			appt.DoctorID, appt.StartAt.UTC().Format(time.RFC3339))
	}
	return err
}

func (r *Repository) updateTx(ctx context.Context, tx pgx.Tx, appt model.Appointment) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
			cancellation_reason = NULLIF($3, ''),
			cancellation_note = NULLIF($4, ''),
			cancelled_at = $5,
			cancelled_by_user_id = NULLIF($6, ''),
			confirmed_at = $7,
			completed_at = $8,
			doctor_notes = NULLIF($9, '')
		WHERE id = $1
	`, appt.ID, appt.Status, string(appt.CancellationReason), appt.CancellationNote,
		appt.CancelledAt, appt.CancelledByUserID, appt.ConfirmedAt, appt.CompletedAt, appt.DoctorNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s", model.ErrNotFound, appt.ID)
	}
	return nil
}

// ListByDoctor returns the doctor's appointments newest first.
func (r *Repository) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `doctor_id = $1`, doctorID, limit)
}

// ListByPatient returns the patient's appointments newest first.
func (r *Repository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `patient_id = $1`, patientID, limit)
}

func (r *Repository) list(ctx context.Context, where, arg string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+where+`
		ORDER BY start_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}
