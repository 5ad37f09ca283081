// Package chatclient реализует клиентскую часть протокола сообщений:
// оптимистичную отправку со сверкой подтверждения, трекинг прочитанности
// по фокусу окна и инкрементальное состояние списка диалогов.
//
// Вся мутация состояния сериализована одним мьютексом - аналог
// однопоточного event loop UI. Realtime-канал - оптимизация: источник
// истины всегда хранилище, пропуски чинятся следующим Refresh.
package chatclient

import (
	"context"
	"sync"
	"time"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

// Store — контракт хранилища сообщений, который потребляет сессия.
// Append имеет at-least-once семантику: по таймауту нельзя считать,
// что запись не прошла; защита - окно подавления дублей.
type Store interface {
	Append(ctx context.Context, message *domain.Message) (*domain.Message, error)
	List(ctx context.Context, self domain.UserID) ([]*domain.Message, error)
	MarkSeen(ctx context.Context, self, counterparty domain.UserID) (int64, error)
	UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus, actor domain.UserID) (*domain.Message, error)
}

type Session struct {
	mu sync.Mutex

	self  domain.UserID
	role  domain.Role
	store Store
	log   logger.Logger
	now   func() time.Time

	allChats []*domain.Message
	byID     map[string]*domain.Message

	// Состояние оптимистичной отправки, ключ - provisional id
	sends  map[string]*outgoing
	failed map[string]*FailedSend

	// Состояние трекера прочитанности
	openWith domain.UserID
	focused  bool

	onChange func()
}

type Option func(*Session)

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithOnChange регистрирует уведомление для перерисовки UI.
// Вызывается вне мьютекса сессии.
func WithOnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

func NewSession(self string, role domain.Role, store Store, log logger.Logger, opts ...Option) *Session {
	s := &Session{
		self:   domain.NormalizeUserID(self),
		role:   role,
		store:  store,
		log:    log,
		now:    time.Now,
		byID:   make(map[string]*domain.Message),
		sends:  make(map[string]*outgoing),
		failed: make(map[string]*FailedSend),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh перечитывает полный набор сообщений из хранилища (холодный
// старт и восстановление после потери realtime-канала). Незавершенные
// pending-строки сохраняются поверх выборки.
func (s *Session) Refresh(ctx context.Context) error {
	messages, err := s.store.List(ctx, s.self)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.allChats = s.allChats[:0]
	s.byID = make(map[string]*domain.Message, len(messages))
	for _, m := range messages {
		s.insertLocked(m)
	}
	// Pending-строки еще не подтверждены хранилищем - возвращаем их в список
	for _, out := range s.sends {
		if out.state == StatePending {
			s.insertLocked(out.message)
		}
	}
	domain.SortMessages(s.allChats)
	s.mu.Unlock()

	s.notify()
	return nil
}

// HandleDelivery принимает сообщение из realtime-канала. Терпит дубли и
// беспорядок доставки: повторная доставка канонической записи обновляет
// строку на месте (так же приходят смены статуса предложений и рост seenBy),
// эхо собственной отправки сливается с pending-строкой.
func (s *Session) HandleDelivery(message *domain.Message) {
	if message == nil || !message.InAudience(s.self.String()) {
		return
	}

	s.mu.Lock()

	if existing, ok := s.byID[message.ID]; ok {
		// Дубль или обновление той же записи: строка остается одна,
		// поля применяются на месте
		s.applyUpdateLocked(existing, message)
		domain.SortMessages(s.allChats)
		s.mu.Unlock()
		s.notify()
		return
	}

	if message.CreatorID == s.self {
		if out := s.matchEchoLocked(message); out != nil {
			s.confirmLocked(out, message)
			domain.SortMessages(s.allChats)
			s.mu.Unlock()
			s.notify()
			return
		}
	}

	s.insertLocked(message.Clone())
	domain.SortMessages(s.allChats)

	// Сообщение собеседника в открытый и сфокусированный диалог
	// сразу считается прочитанным
	markNeeded := s.focused && !s.openWith.IsZero() &&
		message.CreatorID == s.openWith && message.CreatorID != s.self
	counterparty := s.openWith
	s.mu.Unlock()

	if markNeeded {
		s.markSeen(context.Background(), counterparty)
	}
	s.notify()
}

// Conversation возвращает копию списка сообщений с данным собеседником
// в порядке отображения
func (s *Session) Conversation(raw string) []*domain.Message {
	counterparty := domain.NormalizeUserID(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Message
	for _, m := range s.allChats {
		if cp, ok := m.Counterparty(s.self); ok && cp == counterparty {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Summaries — список диалогов. Инкрементальный путь считает по тому же
// коду агрегации, что и холодный старт на сервере.
func (s *Session) Summaries() []*domain.CounterpartySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.BuildSummaries(s.self, s.allChats)
}

// UpdateAppointmentStatus проверяет переход локально той же машиной
// состояний, что и сервер, и применяет подтвержденную запись на месте.
func (s *Session) UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus) (*domain.Message, error) {
	s.mu.Lock()
	current, ok := s.byID[messageID]
	if !ok || current.Type != domain.MessageTypeAppointment || current.Appointment == nil {
		s.mu.Unlock()
		return nil, apperrors.ErrMessageNotFound
	}
	if err := current.AuthorizeStatusChange(s.self, to); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !domain.CanTransition(current.Appointment.Status, to) {
		s.mu.Unlock()
		return nil, apperrors.ErrInvalidTransition
	}
	s.mu.Unlock()

	updated, err := s.store.UpdateAppointmentStatus(ctx, messageID, to, s.self)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.byID[updated.ID]; ok {
		s.applyUpdateLocked(existing, updated)
	}
	s.mu.Unlock()

	s.notify()
	return updated.Clone(), nil
}

// insertLocked добавляет строку без пересортировки (вызывающий сортирует)
func (s *Session) insertLocked(message *domain.Message) {
	if _, ok := s.byID[message.ID]; ok {
		return
	}
	s.byID[message.ID] = message
	s.allChats = append(s.allChats, message)
}

func (s *Session) removeLocked(id string) {
	message, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	for i, m := range s.allChats {
		if m == message {
			s.allChats = append(s.allChats[:i], s.allChats[i+1:]...)
			break
		}
	}
}

// applyUpdateLocked переносит изменяемые поля записи на месте:
// seenBy только растет, статус предложения - только вперед по машине
// состояний (защита от устаревшей доставки).
func (s *Session) applyUpdateLocked(existing, incoming *domain.Message) {
	for _, seen := range incoming.SeenBy {
		existing.MarkSeenBy(seen.String())
	}
	if existing.Appointment != nil && incoming.Appointment != nil {
		from := existing.Appointment.Status
		to := incoming.Appointment.Status
		if from != to && domain.CanTransition(from, to) {
			existing.Appointment.Status = to
		}
	}
	if !incoming.CreatedAt.IsZero() {
		existing.CreatedAt = incoming.CreatedAt
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
