package chatclient

import (
	"context"
	"time"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
)

// Состояние исходящего сообщения по provisional-идентификатору
type SendState int

const (
	StatePending SendState = iota
	StateConfirmed
	StateFailed
)

const (
	// Окно подавления повторной отправки идентичного содержимого
	duplicateWindow = 5 * time.Second
	// Окно сопоставления realtime-эха с pending-строкой
	echoWindow = 10 * time.Second
	// Длина префикса текста для сопоставления эха
	echoPrefixLen = 32
)

type outgoing struct {
	recipient domain.UserID
	body      string
	at        time.Time
	state     SendState
	message   *domain.Message
}

type SendInput struct {
	Body        string
	ReplyTo     *string
	Type        domain.MessageType
	Appointment *domain.AppointmentPayload
	QuizResult  *domain.QuizResultPayload
}

// FailedSend — неотправленное сообщение, доступное для повтора.
// Строка уже убрана из видимого списка.
type FailedSend struct {
	ProvisionalID string
	Recipient     domain.UserID
	Input         SendInput
	At            time.Time
	Err           error
}

// Send рисует сообщение немедленно и сверяет его с ответом хранилища.
// Блокируется до подтверждения; оптимистичная строка видна другим
// горутинам (Conversation/Summaries) сразу после фабрикации. Начатую
// отправку нельзя отменить - результат вливается в состояние даже если
// пользователь ушел из диалога.
func (s *Session) Send(ctx context.Context, recipientRaw string, input SendInput) (*domain.Message, error) {
	recipient := domain.NormalizeUserID(recipientRaw)
	if recipient.IsZero() || recipient == s.self {
		return nil, apperrors.ErrBadRequest
	}

	msgType := input.Type
	if msgType == "" {
		msgType = domain.MessageTypeText
	}

	// Отвязываемся от payload вызывающего: input переживает вызов
	// в FailedSend, правки снаружи не должны искажать повтор
	input.Appointment = input.Appointment.Clone()
	input.QuizResult = input.QuizResult.Clone()

	s.mu.Lock()

	// Подавление дублей: идентичное содержимое тому же получателю,
	// отправленное или подтвержденное за последние 5 секунд
	if existing := s.findRecentDuplicateLocked(recipient, msgType, input); existing != nil {
		s.mu.Unlock()
		return existing.Clone(), nil
	}

	now := s.now()
	message := &domain.Message{
		ID:          domain.ProvisionalID(s.self, recipient, now, input.Body),
		CreatorID:   s.self,
		Body:        input.Body,
		CreatedAt:   now,
		ReplyTo:     input.ReplyTo,
		Audience:    []domain.UserID{s.self, recipient},
		Type:        msgType,
		SenderRole:  s.role,
		SeenBy: []domain.UserID{},
		// Копии: строка живет своей жизнью (статус, merge обновлений),
		// payload вызывающего и retry-содержимое FailedSend не трогаются
		Appointment: input.Appointment.Clone(),
		QuizResult:  input.QuizResult.Clone(),
	}
	if message.Appointment != nil {
		message.Appointment.Status = domain.AppointmentPending
	}
	if err := message.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	provisionalID := message.ID
	out := &outgoing{
		recipient: recipient,
		body:      input.Body,
		at:        now,
		state:     StatePending,
		message:   message,
	}
	s.sends[provisionalID] = out
	s.insertLocked(message)
	domain.SortMessages(s.allChats)
	s.pruneSendsLocked(now)
	s.mu.Unlock()
	s.notify()

	stored, err := s.store.Append(ctx, message.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()

	if out.state == StateConfirmed {
		// Эхо из realtime-канала успело подтвердить строку раньше ответа.
		// Ошибка Append здесь не откатывает: запись фактически сохранена
		// (at-least-once).
		return out.message.Clone(), nil
	}

	if err != nil {
		out.state = StateFailed
		s.removeLocked(out.message.ID)
		delete(s.sends, provisionalID)
		s.failed[provisionalID] = &FailedSend{
			ProvisionalID: provisionalID,
			Recipient:     recipient,
			Input:         input,
			At:            now,
			Err:           err,
		}
		s.log.Warn("Send failed, optimistic row rolled back", "provisional_id", provisionalID, "error", err)
		// Превью диалога не откатывается: агрегат пересчитывается из
		// оставшихся сообщений, последняя запись побеждает
		go s.notify()
		return nil, err
	}

	s.confirmLocked(out, stored)
	domain.SortMessages(s.allChats)
	go s.notify()
	return out.message.Clone(), nil
}

// RetryFailed повторяет неудавшуюся отправку с исходным содержимым
func (s *Session) RetryFailed(ctx context.Context, provisionalID string) (*domain.Message, error) {
	s.mu.Lock()
	fs, ok := s.failed[provisionalID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.ErrNotFound
	}
	delete(s.failed, provisionalID)
	s.mu.Unlock()

	return s.Send(ctx, fs.Recipient.String(), fs.Input)
}

// FailedSends возвращает отправки, ожидающие повтора
func (s *Session) FailedSends() []FailedSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FailedSend, 0, len(s.failed))
	for _, fs := range s.failed {
		out = append(out, *fs)
	}
	return out
}

// SendStateOf сообщает состояние исходящего по любому из идентификаторов
func (s *Session) SendStateOf(id string) (SendState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.sends[id]; ok {
		return out.state, true
	}
	if _, ok := s.failed[id]; ok {
		return StateFailed, true
	}
	for _, out := range s.sends {
		if out.message.ID == id {
			return out.state, true
		}
	}
	return 0, false
}

func (s *Session) findRecentDuplicateLocked(recipient domain.UserID, msgType domain.MessageType, input SendInput) *domain.Message {
	cutoff := s.now().Add(-duplicateWindow)
	for _, out := range s.sends {
		if out.state == StateFailed || out.recipient != recipient || out.at.Before(cutoff) {
			continue
		}
		// Дубль - это идентичное содержимое, а не только текст: два разных
		// предложения занятия с пустым телом дублями не являются
		if out.message.Type != msgType || out.body != input.Body {
			continue
		}
		if !sameAppointment(out.message.Appointment, input.Appointment) ||
			!sameQuizResult(out.message.QuizResult, input.QuizResult) {
			continue
		}
		return out.message
	}
	return nil
}

// confirmLocked подменяет provisional-идентификатор каноническим на месте:
// та же строка списка, без удаления и повторной вставки
func (s *Session) confirmLocked(out *outgoing, canonical *domain.Message) {
	delete(s.byID, out.message.ID)
	out.message.ID = canonical.ID
	if !canonical.CreatedAt.IsZero() {
		out.message.CreatedAt = canonical.CreatedAt
	}
	for _, seen := range canonical.SeenBy {
		out.message.MarkSeenBy(seen.String())
	}
	s.byID[out.message.ID] = out.message
	out.state = StateConfirmed
}

// matchEchoLocked ищет pending-строку, которой соответствует эхо
// собственной отправки: тот же получатель, совпадающий префикс текста,
// времена в пределах 10 секунд
func (s *Session) matchEchoLocked(message *domain.Message) *outgoing {
	counterparty, ok := message.Counterparty(s.self)
	if !ok {
		return nil
	}

	for _, out := range s.sends {
		if out.state != StatePending || out.recipient != counterparty {
			continue
		}
		if out.message.Type != message.Type || prefix(out.body) != prefix(message.Body) {
			continue
		}
		// Префикса текста недостаточно для непустых payload: эхо одного
		// предложения не должно подтверждать другую pending-строку
		if !sameAppointment(out.message.Appointment, message.Appointment) ||
			!sameQuizResult(out.message.QuizResult, message.QuizResult) {
			continue
		}
		delta := message.CreatedAt.Sub(out.at)
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoWindow {
			return out
		}
	}
	return nil
}

// Содержимое предложения сравнивается без статуса: статус задается
// сервером (pending при создании) и дальше движется по машине состояний
func sameAppointment(a, b *domain.AppointmentPayload) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StartsAt.Equal(b.StartsAt) && a.Mode == b.Mode &&
		a.Subject == b.Subject && a.Recurring == b.Recurring
}

func sameQuizResult(a, b *domain.QuizResultPayload) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AppointmentID == b.AppointmentID && a.Attempt == b.Attempt
}

// pruneSendsLocked выбрасывает подтвержденные записи за пределами окна
// подавления дублей; pending-строки живут до исхода отправки
func (s *Session) pruneSendsLocked(now time.Time) {
	cutoff := now.Add(-duplicateWindow)
	for id, out := range s.sends {
		if out.state == StateConfirmed && out.at.Before(cutoff) {
			delete(s.sends, id)
		}
	}
}

func prefix(body string) string {
	if len(body) > echoPrefixLen {
		return body[:echoPrefixLen]
	}
	return body
}
