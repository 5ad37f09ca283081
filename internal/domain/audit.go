package domain

import "time"

// AuditLog — след протокольных событий чата: отправки, смены статусов
// предложений, пакетные отметки о прочтении.
type AuditLog struct {
	ID        int64                  `json:"id"`
	EventTime time.Time              `json:"event_time"`
	ActorID   UserID                 `json:"actor_id"`
	ActorRole string                 `json:"actor_role"`
	MessageID *string                `json:"message_id,omitempty"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
}

const (
	EventTypeMessageSent       = "MESSAGE_SENT"
	EventTypeAppointmentStatus = "APPOINTMENT_STATUS_CHANGED"
	EventTypeMessagesSeen      = "MESSAGES_SEEN"
)
