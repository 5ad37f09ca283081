package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	ListByParticipant(ctx context.Context, participant domain.UserID) ([]*domain.Message, error)
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	// MarkSeen атомарно добавляет self в seen_by всех сообщений, где
	// counterparty - создатель, self в audience и еще не отмечен.
	// Повторный вызов без новых сообщений возвращает 0 и не является ошибкой.
	MarkSeen(ctx context.Context, self, counterparty domain.UserID) (int64, error)
	// UpdateAppointmentStatus выполняет переход только из ожидаемого
	// текущего статуса; 0 затронутых строк означает конкурентный переход.
	UpdateAppointmentStatus(ctx context.Context, id string, from, to domain.AppointmentStatus) (*domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

const messageColumns = `id, creator_id, body, created_at, reply_to, audience, msg_type, sender_role, seen_by, appointment, quiz_result`

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	// Канонический идентификатор и время назначает хранилище;
	// локальный provisional-id клиента сюда попасть не должен.
	if message.ID == "" || domain.IsProvisionalID(message.ID) {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	appointmentJSON, quizJSON, err := marshalPayloads(message)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (id, creator_id, body, created_at, reply_to, audience, msg_type, sender_role, seen_by, appointment, quiz_result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err = r.db.QueryRow(ctx, query,
		message.ID, message.CreatorID.String(), message.Body, message.CreatedAt,
		message.ReplyTo, audienceStrings(message.Audience), string(message.Type),
		string(message.SenderRole), audienceStrings(message.SeenBy),
		appointmentJSON, quizJSON,
	).Scan(&message.CreatedAt)

	if err != nil {
		r.log.Error("Failed to create message", "error", err, "creator_id", message.CreatorID)
		return fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	return nil
}

func (r *messageRepository) ListByParticipant(ctx context.Context, participant domain.UserID) ([]*domain.Message, error) {
	// Идентификатор нормализован на входе; в audience хранятся
	// только нормализованные формы, поэтому одной проверки достаточно.
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE $1 = ANY(audience)
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, participant.String())
	if err != nil {
		r.log.Error("Failed to list messages", "error", err, "participant", participant)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, message)
	}

	return messages, rows.Err()
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1
	`

	row := r.db.QueryRow(ctx, query, id)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", id)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	return message, nil
}

func (r *messageRepository) MarkSeen(ctx context.Context, self, counterparty domain.UserID) (int64, error) {
	query := `
		UPDATE messages
		SET seen_by = array_append(seen_by, $1)
		WHERE creator_id = $2
		  AND $1 = ANY(audience)
		  AND NOT ($1 = ANY(seen_by))
	`

	tag, err := r.db.Exec(ctx, query, self.String(), counterparty.String())
	if err != nil {
		r.log.Error("Failed to mark messages as seen", "error", err, "self", self, "counterparty", counterparty)
		return 0, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	return tag.RowsAffected(), nil
}

func (r *messageRepository) UpdateAppointmentStatus(ctx context.Context, id string, from, to domain.AppointmentStatus) (*domain.Message, error) {
	// Guard на текущий статус делает переход атомарным: проигравший
	// конкурентный вызов не затронет ни одной строки.
	query := `
		UPDATE messages
		SET appointment = jsonb_set(appointment, '{status}', to_jsonb($3::text))
		WHERE id = $1
		  AND msg_type = 'appointment'
		  AND appointment->>'status' = $2
	`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		r.log.Error("Failed to update appointment status", "error", err, "message_id", id)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	if tag.RowsAffected() == 0 {
		// Сообщение существует (проверено сервисом) - значит статус
		// уже сменился конкурентным переходом
		return nil, apperrors.ErrInvalidTransition
	}

	return r.GetByID(ctx, id)
}

func marshalPayloads(message *domain.Message) ([]byte, []byte, error) {
	var appointmentJSON, quizJSON []byte
	var err error

	if message.Appointment != nil {
		appointmentJSON, err = json.Marshal(message.Appointment)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal appointment payload: %w", err)
		}
	}
	if message.QuizResult != nil {
		quizJSON, err = json.Marshal(message.QuizResult)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal quiz payload: %w", err)
		}
	}

	return appointmentJSON, quizJSON, nil
}

func audienceStrings(ids []domain.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func userIDs(raw []string) []domain.UserID {
	out := make([]domain.UserID, len(raw))
	for i, s := range raw {
		out[i] = domain.NormalizeUserID(s)
	}
	return out
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	message := &domain.Message{}
	var creator, msgType, senderRole string
	var audience, seenBy []string
	var appointmentJSON, quizJSON []byte

	err := row.Scan(
		&message.ID, &creator, &message.Body, &message.CreatedAt, &message.ReplyTo,
		&audience, &msgType, &senderRole, &seenBy, &appointmentJSON, &quizJSON,
	)
	if err != nil {
		return nil, err
	}

	message.CreatorID = domain.NormalizeUserID(creator)
	message.Audience = userIDs(audience)
	message.SeenBy = userIDs(seenBy)
	message.Type = domain.MessageType(msgType)
	message.SenderRole = domain.Role(senderRole)

	if len(appointmentJSON) > 0 {
		message.Appointment = &domain.AppointmentPayload{}
		if err := json.Unmarshal(appointmentJSON, message.Appointment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal appointment payload: %w", err)
		}
	}
	if len(quizJSON) > 0 {
		message.QuizResult = &domain.QuizResultPayload{}
		if err := json.Unmarshal(quizJSON, message.QuizResult); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quiz payload: %w", err)
		}
	}

	return message, nil
}
