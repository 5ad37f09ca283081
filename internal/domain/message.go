package domain

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	apperrors "tutor_chat/pkg/errors"
)

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeAppointment MessageType = "appointment"
	MessageTypeQuizResult  MessageType = "quiz_result"
)

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentAccepted  AppointmentStatus = "accepted"
	AppointmentDeclined  AppointmentStatus = "declined"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type AppointmentMode string

const (
	ModeOnline   AppointmentMode = "online"
	ModeInPerson AppointmentMode = "in_person"
)

// AppointmentPayload — встроенное в сообщение предложение занятия.
// Статус живет в самой записи сообщения: обе стороны читают одно и то же поле.
type AppointmentPayload struct {
	StartsAt      time.Time         `json:"starts_at"`
	Mode          AppointmentMode   `json:"mode"`
	Status        AppointmentStatus `json:"status"`
	Subject       string            `json:"subject"`
	Recurring     bool              `json:"recurring"`
	RecurrenceEnd *time.Time        `json:"recurrence_end,omitempty"`
	OfferingID    *string           `json:"offering_id,omitempty"`
}

// QuizResultPayload — уведомление о завершенной попытке теста.
// Записывается один раз и не изменяется; источник истины по баллам
// живет во внешнем сервисе занятий.
type QuizResultPayload struct {
	AppointmentID  string    `json:"appointment_id"`
	Attempt        int       `json:"attempt"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	CompletedAt    time.Time `json:"completed_at"`
	TuteeID        UserID    `json:"tutee_id"`
}

// Message — центральная сущность. Audience всегда ровно 2 различных
// участника; SeenBy ⊆ audience без создателя и только растет.
type Message struct {
	ID          string              `json:"id"`
	CreatorID   UserID              `json:"creator_id"`
	Body        string              `json:"message"`
	CreatedAt   time.Time           `json:"created_at"`
	ReplyTo     *string             `json:"reply_to,omitempty"`
	Audience    []UserID            `json:"recipients"`
	Type        MessageType         `json:"type"`
	SenderRole  Role                `json:"sender_role"`
	SeenBy      []UserID            `json:"seen_by"`
	Appointment *AppointmentPayload `json:"appointment,omitempty"`
	QuizResult  *QuizResultPayload  `json:"quiz_result,omitempty"`
}

// Префикс локального (не подтвержденного хранилищем) идентификатора.
// Канонические идентификаторы - UUID, коллизия форм исключена.
const provisionalPrefix = "local-"

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// ProvisionalID детерминированно выводит локальный идентификатор из
// отправителя, получателя, времени и префикса текста - чтобы эхо того же
// сообщения из realtime-канала можно было сопоставить с pending-строкой.
func ProvisionalID(sender, recipient UserID, at time.Time, body string) string {
	prefix := body
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s", sender, recipient, at.UnixMilli(), prefix)
	return fmt.Sprintf("%s%016x", provisionalPrefix, h.Sum64())
}

// InAudience проверяет членство с нормализацией обеих форм
func (m *Message) InAudience(raw string) bool {
	id := NormalizeUserID(raw)
	for _, a := range m.Audience {
		if a == id {
			return true
		}
	}
	return false
}

// Counterparty возвращает второго участника для данного self
func (m *Message) Counterparty(self UserID) (UserID, bool) {
	if !m.InAudience(self.String()) {
		return "", false
	}
	for _, a := range m.Audience {
		if a != self {
			return a, true
		}
	}
	return "", false
}

// SeenByUser — видел ли участник сообщение (создатель видел всегда)
func (m *Message) SeenByUser(raw string) bool {
	id := NormalizeUserID(raw)
	if id == m.CreatorID {
		return true
	}
	for _, s := range m.SeenBy {
		if s == id {
			return true
		}
	}
	return false
}

// MarkSeenBy добавляет участника в SeenBy с соблюдением инвариантов:
// не создатель, член audience, без дубликатов. Возвращает true если
// множество реально выросло.
func (m *Message) MarkSeenBy(raw string) bool {
	id := NormalizeUserID(raw)
	if id == m.CreatorID || !m.InAudience(raw) || m.SeenByUser(raw) {
		return false
	}
	m.SeenBy = append(m.SeenBy, id)
	return true
}

// CanTransition — машина состояний предложения занятия.
// pending → accepted | declined | cancelled; accepted → cancelled.
// Из терминальных состояний переходов нет.
func CanTransition(from, to AppointmentStatus) bool {
	switch from {
	case AppointmentPending:
		return to == AppointmentAccepted || to == AppointmentDeclined || to == AppointmentCancelled
	case AppointmentAccepted:
		return to == AppointmentCancelled
	default:
		return false
	}
}

// AuthorizeStatusChange: отменить может только создатель,
// принять/отклонить - только второй участник.
func (m *Message) AuthorizeStatusChange(actor UserID, to AppointmentStatus) error {
	if !m.InAudience(actor.String()) {
		return apperrors.ErrUnauthorized
	}
	switch to {
	case AppointmentCancelled:
		if actor != m.CreatorID {
			return apperrors.ErrUnauthorized
		}
	case AppointmentAccepted, AppointmentDeclined:
		if actor == m.CreatorID {
			return apperrors.ErrUnauthorized
		}
	default:
		return apperrors.ErrInvalidTransition
	}
	return nil
}

// Validate проверяет инварианты сообщения перед сохранением
func (m *Message) Validate() error {
	if len(m.Audience) != 2 || m.Audience[0] == m.Audience[1] {
		return fmt.Errorf("%w: audience must contain exactly two distinct participants", apperrors.ErrBadRequest)
	}
	if !m.InAudience(m.CreatorID.String()) {
		return fmt.Errorf("%w: creator must be in audience", apperrors.ErrBadRequest)
	}
	if !m.SenderRole.Valid() {
		return fmt.Errorf("%w: unknown sender role %q", apperrors.ErrBadRequest, m.SenderRole)
	}

	switch m.Type {
	case MessageTypeText:
		if m.Body == "" {
			return fmt.Errorf("%w: empty message body", apperrors.ErrBadRequest)
		}
		if m.Appointment != nil || m.QuizResult != nil {
			return fmt.Errorf("%w: text message must not carry a payload", apperrors.ErrBadRequest)
		}
	case MessageTypeAppointment:
		if m.Appointment == nil {
			return fmt.Errorf("%w: appointment message without payload", apperrors.ErrBadRequest)
		}
		if m.Appointment.Mode != ModeOnline && m.Appointment.Mode != ModeInPerson {
			return fmt.Errorf("%w: unknown appointment mode %q", apperrors.ErrBadRequest, m.Appointment.Mode)
		}
		if m.Appointment.Recurring && m.Appointment.RecurrenceEnd != nil &&
			!m.Appointment.RecurrenceEnd.After(m.Appointment.StartsAt) {
			return fmt.Errorf("%w: recurrence end before first session", apperrors.ErrBadRequest)
		}
	case MessageTypeQuizResult:
		if m.QuizResult == nil {
			return fmt.Errorf("%w: quiz result message without payload", apperrors.ErrBadRequest)
		}
		if m.QuizResult.Attempt != 1 && m.QuizResult.Attempt != 2 {
			return fmt.Errorf("%w: quiz attempt must be 1 or 2", apperrors.ErrBadRequest)
		}
		if m.QuizResult.TotalQuestions <= 0 || m.QuizResult.Score < 0 || m.QuizResult.Score > m.QuizResult.TotalQuestions {
			return fmt.Errorf("%w: quiz score out of range", apperrors.ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", apperrors.ErrBadRequest, m.Type)
	}

	return nil
}

// Clone — копия payload; nil-безопасна, чтобы вызывающий не ветвился
func (p *AppointmentPayload) Clone() *AppointmentPayload {
	if p == nil {
		return nil
	}
	cp := *p
	if p.RecurrenceEnd != nil {
		t := *p.RecurrenceEnd
		cp.RecurrenceEnd = &t
	}
	if p.OfferingID != nil {
		s := *p.OfferingID
		cp.OfferingID = &s
	}
	return &cp
}

func (p *QuizResultPayload) Clone() *QuizResultPayload {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Clone — глубокая копия для безопасной передачи между горутинами
func (m *Message) Clone() *Message {
	cp := *m
	cp.Audience = append([]UserID(nil), m.Audience...)
	cp.SeenBy = append([]UserID(nil), m.SeenBy...)
	if m.ReplyTo != nil {
		v := *m.ReplyTo
		cp.ReplyTo = &v
	}
	cp.Appointment = m.Appointment.Clone()
	cp.QuizResult = m.QuizResult.Clone()
	return &cp
}
