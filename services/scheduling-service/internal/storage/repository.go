package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/turnomed/turnomed/libs/db"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/outbox"
)

// querier is the slice of pgxpool.Pool the repository needs. pgxmock
// satisfies it too.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the pgx-backed store for doctors, offices, schedules and
// exceptions. Appointment writes live in appointment_repository.go; they
// insert outbox events in the same transaction.
type Repository struct {
	pool   querier
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, ob *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: ob}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// IsConflict reports an exclusion constraint violation, raised when two
// transactions book overlapping windows for the same doctor.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// mapReadErr folds pgx.ErrNoRows into the domain not-found error.
func mapReadErr(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, kind, id)
	}
	return err
}

func (r *Repository) CreateDoctor(ctx context.Context, d *model.Doctor) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO doctors
			(user_id, specialty, bio, license_number, consultation_duration, buffer_minutes,
			 auto_confirm_appointments, is_active, consultation_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text, created_at
	`, d.UserID, d.Specialty, d.Bio, d.LicenseNumber, d.ConsultationDuration, d.BufferMinutes,
		d.AutoConfirmAppointments, d.IsActive, d.ConsultationFee.String()).
		Scan(&d.ID, &d.CreatedAt)
}

func (r *Repository) Doctor(ctx context.Context, id string) (model.Doctor, error) {
	var d model.Doctor
	var fee string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, user_id, COALESCE(specialty, ''), COALESCE(bio, ''), COALESCE(license_number, ''),
			consultation_duration, buffer_minutes, auto_confirm_appointments, is_active,
			consultation_fee::text, created_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(
		&d.ID,
		&d.UserID,
		&d.Specialty,
		&d.Bio,
		&d.LicenseNumber,
		&d.ConsultationDuration,
		&d.BufferMinutes,
		&d.AutoConfirmAppointments,
		&d.IsActive,
		&fee,
		&d.CreatedAt,
	)
	if err != nil {
		return model.Doctor{}, mapReadErr(err, "doctor", id)
	}
	d.ConsultationFee, err = decimal.NewFromString(fee)
	if err != nil {
		return model.Doctor{}, fmt.Errorf("doctor %s: bad fee %q: %w", id, fee, err)
	}
	return d, nil
}

func (r *Repository) CreateOffice(ctx context.Context, o *model.Office) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO offices (doctor_id, name, address, city, phone, timezone, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id::text, created_at
	`, o.DoctorID, o.Name, o.Address, o.City, o.Phone, o.Timezone, o.IsActive).
		Scan(&o.ID, &o.CreatedAt)
}

func (r *Repository) Office(ctx context.Context, id string) (model.Office, error) {
	var o model.Office
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, doctor_id::text, name, COALESCE(address, ''), COALESCE(city, ''),
			COALESCE(phone, ''), timezone, is_active, created_at
		FROM offices
		WHERE id = $1
	`, id).Scan(
		&o.ID,
		&o.DoctorID,
		&o.Name,
		&o.Address,
		&o.City,
		&o.Phone,
		&o.Timezone,
		&o.IsActive,
		&o.CreatedAt,
	)
	if err != nil {
		return model.Office{}, mapReadErr(err, "office", id)
	}
	return o, nil
}

func (r *Repository) OfficesByDoctor(ctx context.Context, doctorID string) ([]model.Office, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, doctor_id::text, name, COALESCE(address, ''), COALESCE(city, ''),
			COALESCE(phone, ''), timezone, is_active, created_at
		FROM offices
		WHERE doctor_id = $1
		ORDER BY created_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offices []model.Office
	for rows.Next() {
		var o model.Office
		if err := rows.Scan(&o.ID, &o.DoctorID, &o.Name, &o.Address, &o.City, &o.Phone, &o.Timezone, &o.IsActive, &o.CreatedAt); err != nil {
			return nil, err
		}
		offices = append(offices, o)
	}
	return offices, rows.Err()
}

func (r *Repository) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO schedules (office_id, weekday, start_time, end_time, is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text, created_at
	`, s.OfficeID, s.Weekday, s.StartTime, s.EndTime, s.IsActive, s.Notes).
		Scan(&s.ID, &s.CreatedAt)
}

func (r *Repository) OfficeSchedules(ctx context.Context, officeID string) ([]model.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, office_id::text, weekday, start_time, end_time, is_active, COALESCE(notes, ''), created_at
		FROM schedules
		WHERE office_id = $1
		ORDER BY weekday, start_time
	`, officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		var s model.Schedule
		if err := rows.Scan(&s.ID, &s.OfficeID, &s.Weekday, &s.StartTime, &s.EndTime, &s.IsActive, &s.Notes, &s.CreatedAt); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *Repository) DeactivateSchedule(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE schedules SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: schedule %s", model.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) CreateException(ctx context.Context, e *model.Exception) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO schedule_exceptions
			(office_id, date, start_time, end_time, type, reason, is_active, created_by_user_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING id::text, created_at
	`, e.OfficeID, e.Date, e.StartTime, e.EndTime, e.Type, e.Reason, e.IsActive, e.CreatedByUserID).
		Scan(&e.ID, &e.CreatedAt)
}

func (r *Repository) OfficeExceptions(ctx context.Context, officeID, fromDate, toDate string) ([]model.Exception, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, office_id::text, date::text, COALESCE(start_time, ''), COALESCE(end_time, ''),
			type, COALESCE(reason, ''), is_active, COALESCE(created_by_user_id, ''), created_at
		FROM schedule_exceptions
		WHERE office_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time NULLS FIRST
	`, officeID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exceptions []model.Exception
	for rows.Next() {
		var e model.Exception
		if err := rows.Scan(&e.ID, &e.OfficeID, &e.Date, &e.StartTime, &e.EndTime, &e.Type, &e.Reason, &e.IsActive, &e.CreatedByUserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		exceptions = append(exceptions, e)
	}
	return exceptions, rows.Err()
}

func (r *Repository) DeactivateException(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE schedule_exceptions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: exception %s", model.ErrNotFound, id)
	}
	return nil
}
