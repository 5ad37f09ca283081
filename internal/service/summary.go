package service

import (
	"context"

	"tutor_chat/internal/domain"
	"tutor_chat/internal/repository"
	"tutor_chat/pkg/logger"
)

type SummaryService interface {
	// Summaries — холодный старт списка диалогов: полная выборка
	// сообщений пользователя, агрегация и обогащение именами.
	Summaries(ctx context.Context, userID string) ([]*domain.CounterpartySummary, error)
}

type summaryService struct {
	messageRepo repository.MessageRepository
	userRepo    repository.UserRepository
	log         logger.Logger
}

func NewSummaryService(messageRepo repository.MessageRepository, userRepo repository.UserRepository, log logger.Logger) SummaryService {
	return &summaryService{
		messageRepo: messageRepo,
		userRepo:    userRepo,
		log:         log,
	}
}

func (s *summaryService) Summaries(ctx context.Context, userID string) ([]*domain.CounterpartySummary, error) {
	self := domain.NormalizeUserID(userID)

	messages, err := s.messageRepo.ListByParticipant(ctx, self)
	if err != nil {
		return nil, err
	}

	// Агрегация общая с инкрементальным путем клиента
	summaries := domain.BuildSummaries(self, messages)

	ids := make([]domain.UserID, 0, len(summaries))
	for _, sum := range summaries {
		ids = append(ids, sum.UserID)
	}

	users, err := s.userRepo.GetByIDs(ctx, ids)
	if err != nil {
		// Обогащение имен - best effort: список диалогов важнее профилей
		s.log.Warn("Failed to enrich summaries with user profiles", "error", err)
		return summaries, nil
	}

	byID := make(map[domain.UserID]*domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, sum := range summaries {
		if u, ok := byID[sum.UserID]; ok {
			sum.DisplayName = u.DisplayName
		}
	}

	// Имена могли поменять порядок при равных временах
	domain.SortSummaries(summaries)

	return summaries, nil
}
