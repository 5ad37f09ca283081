package service

import (
	"context"
	"time"

	"tutor_chat/internal/domain"
	"tutor_chat/internal/hub"
	"tutor_chat/internal/repository"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

type SendInput struct {
	CreatorID   string
	RecipientID string
	Body        string
	ReplyTo     *string
	SenderRole  domain.Role
	Type        domain.MessageType
	Appointment *domain.AppointmentPayload
	QuizResult  *domain.QuizResultPayload
}

type MessageService interface {
	Send(ctx context.Context, input SendInput) (*domain.Message, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Message, error)
	MarkSeen(ctx context.Context, selfID, counterpartyID string) (int64, error)
	UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus, actorID string) (*domain.Message, error)
}

type messageService struct {
	messageRepo repository.MessageRepository
	auditRepo   repository.AuditRepository
	hub         *hub.Hub
	log         logger.Logger
}

func NewMessageService(messageRepo repository.MessageRepository, auditRepo repository.AuditRepository, h *hub.Hub, log logger.Logger) MessageService {
	return &messageService{
		messageRepo: messageRepo,
		auditRepo:   auditRepo,
		hub:         h,
		log:         log,
	}
}

func (s *messageService) Send(ctx context.Context, input SendInput) (*domain.Message, error) {
	creator := domain.NormalizeUserID(input.CreatorID)
	recipient := domain.NormalizeUserID(input.RecipientID)

	msgType := input.Type
	if msgType == "" {
		msgType = domain.MessageTypeText
	}

	message := &domain.Message{
		CreatorID:   creator,
		Body:        input.Body,
		ReplyTo:     input.ReplyTo,
		Audience:    []domain.UserID{creator, recipient},
		Type:        msgType,
		SenderRole:  input.SenderRole,
		SeenBy: []domain.UserID{},
		// Копии payload: статус форсируется на записи, а не на входе вызывающего
		Appointment: input.Appointment.Clone(),
		QuizResult:  input.QuizResult.Clone(),
	}

	// Предложение занятия всегда создается в статусе pending
	if message.Appointment != nil {
		message.Appointment.Status = domain.AppointmentPending
	}

	if err := message.Validate(); err != nil {
		return nil, err
	}

	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}

	s.audit(ctx, creator, string(input.SenderRole), domain.EventTypeMessageSent, &message.ID, map[string]interface{}{
		"type":      string(message.Type),
		"recipient": recipient.String(),
	})

	// Fan-out подключенным клиентам обеих сторон
	s.hub.Publish(ctx, message)

	return message, nil
}

func (s *messageService) ListByUser(ctx context.Context, userID string) ([]*domain.Message, error) {
	return s.messageRepo.ListByParticipant(ctx, domain.NormalizeUserID(userID))
}

func (s *messageService) MarkSeen(ctx context.Context, selfID, counterpartyID string) (int64, error) {
	self := domain.NormalizeUserID(selfID)
	counterparty := domain.NormalizeUserID(counterpartyID)
	if self.IsZero() || counterparty.IsZero() || self == counterparty {
		return 0, apperrors.ErrBadRequest
	}

	modified, err := s.messageRepo.MarkSeen(ctx, self, counterparty)
	if err != nil {
		return 0, err
	}

	if modified > 0 {
		s.audit(ctx, self, "", domain.EventTypeMessagesSeen, nil, map[string]interface{}{
			"counterparty": counterparty.String(),
			"modified":     modified,
		})
	}

	return modified, nil
}

func (s *messageService) UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus, actorID string) (*domain.Message, error) {
	actor := domain.NormalizeUserID(actorID)

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.Type != domain.MessageTypeAppointment || message.Appointment == nil {
		return nil, apperrors.ErrMessageNotFound
	}

	if err := message.AuthorizeStatusChange(actor, to); err != nil {
		s.log.Warn("Rejected appointment status change", "message_id", messageID, "actor", actor, "to", to, "error", err)
		return nil, err
	}

	current := message.Appointment.Status
	if !domain.CanTransition(current, to) {
		return nil, apperrors.ErrInvalidTransition
	}

	updated, err := s.messageRepo.UpdateAppointmentStatus(ctx, messageID, current, to)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "", domain.EventTypeAppointmentStatus, &messageID, map[string]interface{}{
		"from": string(current),
		"to":   string(to),
	})

	// Обе стороны перерисовываются из одной и той же записи
	s.hub.Publish(ctx, updated)

	return updated, nil
}

// audit пишет след события; сбой аудита не ломает основную операцию
func (s *messageService) audit(ctx context.Context, actor domain.UserID, role, eventType string, messageID *string, payload map[string]interface{}) {
	entry := &domain.AuditLog{
		EventTime: time.Now(),
		ActorID:   actor,
		ActorRole: role,
		MessageID: messageID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := s.auditRepo.CreateLog(ctx, entry); err != nil {
		s.log.Warn("Failed to write audit log", "event_type", eventType, "error", err)
	}
}
