package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/turnomed/turnomed/libs/db"
)

// NotificationLog is the persisted audit record for one delivery attempt.
type NotificationLog struct {
	AppointmentID   string
	RecipientUserID string
	Channel         string // email | sms
	Type            string // appointment_created, appointment_cancelled, ...
	Status          string // pending | sent | failed
	Subject         string
	Content         string
	Payload         map[string]any
	ErrorMessage    string
	SentAt          *time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n NotificationLog) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notification_logs
			(appointment_id, recipient_user_id, channel, type, status, subject, content, payload, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10)
	`, n.AppointmentID, n.RecipientUserID, n.Channel, n.Type, n.Status,
		n.Subject, n.Content, payload, n.ErrorMessage, n.SentAt)
	return err
}
