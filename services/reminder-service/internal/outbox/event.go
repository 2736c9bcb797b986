package outbox

// Event is the envelope written to the outbox table. The Kafka topic name
// equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	// EventReminderDue fires when an appointment reminder is ready to be
	// delivered to the patient.
	EventReminderDue = "appointment.reminder.due.v1"
	// EventReminderDLQ carries reminders that exhausted their attempts.
	EventReminderDLQ = "appointment.reminder.dlq.v1"
)
