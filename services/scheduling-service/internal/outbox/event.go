package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the booking coordinator. The notification
// collaborator consumes these; delivery and retry are its problem.
const (
	EventAppointmentCreated     = "appointment.created.v1"
	EventAppointmentConfirmed   = "appointment.confirmed.v1"
	EventAppointmentCancelled   = "appointment.cancelled.v1"
	EventAppointmentRescheduled = "appointment.rescheduled.v1"
	EventAppointmentCompleted   = "appointment.completed.v1"
)
