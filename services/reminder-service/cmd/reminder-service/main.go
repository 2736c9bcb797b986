package main

import (
	"context"
	"encoding/json"
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
	"github.com/turnomed/turnomed/services/reminder-service/internal/consumer"
	"github.com/turnomed/turnomed/services/reminder-service/internal/inbox"
	"github.com/turnomed/turnomed/services/reminder-service/internal/jobs"
	"github.com/turnomed/turnomed/services/reminder-service/internal/outbox"
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

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "reminder-service")
	port, err := config.Port("PORT", "8086")
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

	leadTimes, err := jobs.ParseLeadTimes(config.String("REMINDER_LEAD_TIMES", jobs.DefaultLeadTimes))
	if err != nil {
		panic(err)
	}

	inboxRepo := inbox.NewRepository(pool)
	jobRepo := jobs.NewRepository()
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  config.Duration("REMINDER_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("REMINDER_BATCH_SIZE", 50),
		Backoff:   config.Duration("REMINDER_RETRY_BACKOFF", time.Minute),
	})
	go jobWorker.Run(ctx)

	schedule := func(ctx context.Context, evt appointmentEvent) error {
		startAt, err := time.Parse(time.RFC3339, evt.StartAt)
		if err != nil {
			logger.Error("invalid start_at", "err", err, "appointment_id", evt.AppointmentID)
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		now := time.Now().UTC()
		for _, lead := range leadTimes {
			remindAt := startAt.Add(-lead)
			if !remindAt.After(now) {
				continue
			}
			if err := jobRepo.Insert(ctx, tx, jobs.ReminderJob{
				IdempotencyKey: evt.AppointmentID + "|" + remindAt.UTC().Format(time.RFC3339),
				AppointmentID:  evt.AppointmentID,
				DoctorID:       evt.DoctorID,
				OfficeID:       evt.OfficeID,
				PatientID:      evt.PatientID,
				StartAt:        startAt,
				RemindAt:       remindAt,
			}); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	}

	cancel := func(ctx context.Context, appointmentID string) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := jobRepo.CancelPending(ctx, tx, appointmentID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	handle := func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" {
			logger.Error("missing appointment_id", "topic", msg.Topic)
			return nil
		}
		eventType := kafkax.ExtractEventMeta(msg).EventType
		if eventType == "" {
			eventType = msg.Topic
		}

		switch eventType {
		case "appointment.created.v1":
			return schedule(ctx, evt)
		case "appointment.cancelled.v1":
			return cancel(ctx, evt.AppointmentID)
		case "appointment.rescheduled.v1":
			// The replacement appointment arrives as its own created event.
			return cancel(ctx, evt.AppointmentID)
		default:
			logger.Warn("unhandled event type", "event_type", eventType)
			return nil
		}
	}

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "reminder-service")
	topics := strings.Split(config.String("KAFKA_CONSUME_TOPICS",
		"appointment.created.v1,appointment.cancelled.v1,appointment.rescheduled.v1"), ",")
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
	handler = otelhttp.NewHandler(handler, "reminder")
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
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
