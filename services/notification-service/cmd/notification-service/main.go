package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"github.com/turnomed/turnomed/libs/config"
	"github.com/turnomed/turnomed/libs/db"
	"github.com/turnomed/turnomed/libs/httpx"
	"github.com/turnomed/turnomed/libs/kafkax"
	otelx "github.com/turnomed/turnomed/libs/otel"
	"github.com/turnomed/turnomed/libs/runtime"
	"github.com/turnomed/turnomed/services/notification-service/internal/consumer"
	"github.com/turnomed/turnomed/services/notification-service/internal/email"
	"github.com/turnomed/turnomed/services/notification-service/internal/inbox"
	"github.com/turnomed/turnomed/services/notification-service/internal/sms"
	"github.com/turnomed/turnomed/services/notification-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type appointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	OfficeID      string `json:"office_id"`
	PatientID     string `json:"patient_id"`
	Status        string `json:"status"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	OccurredAt    string `json:"occurred_at"`
}

// notificationText maps an event topic to the patient-facing message.
func notificationText(eventType string, evt appointmentEvent) (notifType, subject, content string, ok bool) {
	when := evt.StartAt
	if t, err := time.Parse(time.RFC3339, evt.StartAt); err == nil {
		when = t.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	}
	switch eventType {
	case "appointment.created.v1":
		return "appointment_created", "Appointment scheduled",
			fmt.Sprintf("Your appointment on %s has been scheduled.", when), true
	case "appointment.confirmed.v1":
		return "appointment_confirmed", "Appointment confirmed",
			fmt.Sprintf("Your appointment on %s is confirmed.", when), true
	case "appointment.cancelled.v1":
		return "appointment_cancelled", "Appointment cancelled",
			fmt.Sprintf("Your appointment on %s has been cancelled.", when), true
	case "appointment.rescheduled.v1":
		return "appointment_rescheduled", "Appointment rescheduled",
			fmt.Sprintf("Your appointment has been moved; it was previously on %s.", when), true
	case "appointment.reminder.due.v1":
		return "appointment_reminder", "Appointment reminder",
			fmt.Sprintf("Reminder: you have an appointment on %s.", when), true
	case "appointment.completed.v1":
		return "appointment_completed", "Thanks for your visit",
			"Your appointment has been completed.", true
	default:
		return "", "", "", false
	}
}

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	logsRepo := storage.NewRepository(pool)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@turnomed.local"),
	)
	// Patient contact lookup lives with the accounts system; until that API
	// exists the address is derived from the patient id.
	emailFormat := config.String("PATIENT_EMAIL_FORMAT", "")

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(
			config.String("SMS_WEBHOOK_URL", ""),
			config.String("SMS_WEBHOOK_TOKEN", ""),
		)
	default:
		smsSender = sms.NewNoopSender()
	}

	handle := func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" || evt.PatientID == "" {
			logger.Error("missing event fields", "topic", msg.Topic)
			return nil
		}
		eventType := kafkax.ExtractEventMeta(msg).EventType
		if eventType == "" {
			eventType = msg.Topic
		}
		notifType, subject, content, ok := notificationText(eventType, evt)
		if !ok {
			logger.Warn("unhandled event type", "event_type", eventType)
			return nil
		}

		now := time.Now().UTC()
		payload := map[string]any{
			"doctor_id": evt.DoctorID,
			"office_id": evt.OfficeID,
			"start_at":  evt.StartAt,
			"end_at":    evt.EndAt,
			"status":    evt.Status,
		}

		emailLog := storage.NotificationLog{
			AppointmentID:   evt.AppointmentID,
			RecipientUserID: evt.PatientID,
			Channel:         "email",
			Type:            notifType,
			Status:          "pending",
			Subject:         subject,
			Content:         content,
			Payload:         payload,
		}
		if emailFormat != "" {
			to := fmt.Sprintf(emailFormat, evt.PatientID)
			if err := emailSender.Send(to, subject, content); err != nil {
				emailLog.Status = "failed"
				emailLog.ErrorMessage = err.Error()
				logger.Error("email send failed", "err", err, "appointment_id", evt.AppointmentID)
			} else {
				emailLog.Status = "sent"
				t := now
				emailLog.SentAt = &t
			}
		}
		if err := logsRepo.Insert(ctx, emailLog); err != nil {
			return err
		}

		smsLog := storage.NotificationLog{
			AppointmentID:   evt.AppointmentID,
			RecipientUserID: evt.PatientID,
			Channel:         "sms",
			Type:            notifType,
			Status:          "sent",
			Content:         content,
			Payload:         payload,
		}
		if err := smsSender.Send(ctx, evt.PatientID, content); err != nil {
			smsLog.Status = "failed"
			smsLog.ErrorMessage = err.Error()
			logger.Error("sms send failed", "err", err, "appointment_id", evt.AppointmentID)
		} else {
			t := now
			smsLog.SentAt = &t
		}
		if err := logsRepo.Insert(ctx, smsLog); err != nil {
			return err
		}

		logger.Info("notification processed",
			"appointment_id", evt.AppointmentID, "type", notifType,
			"email_status", emailLog.Status, "sms_status", smsLog.Status)
		return nil
	}

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	topics := strings.Split(config.String("KAFKA_CONSUME_TOPICS",
		"appointment.created.v1,appointment.confirmed.v1,appointment.cancelled.v1,appointment.rescheduled.v1,appointment.completed.v1,appointment.reminder.due.v1"), ",")
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handle)
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
