package service

import (
	"context"

	"tutor_chat/internal/domain"
	"tutor_chat/internal/repository"
	"tutor_chat/pkg/logger"
)

type UserService interface {
	// GetByIDs принимает идентификаторы в любой текстовой форме
	GetByIDs(ctx context.Context, rawIDs []string) ([]*domain.User, error)
}

type userService struct {
	userRepo repository.UserRepository
	log      logger.Logger
}

func NewUserService(userRepo repository.UserRepository, log logger.Logger) UserService {
	return &userService{userRepo: userRepo, log: log}
}

func (s *userService) GetByIDs(ctx context.Context, rawIDs []string) ([]*domain.User, error) {
	seen := make(map[domain.UserID]bool, len(rawIDs))
	ids := make([]domain.UserID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id := domain.NormalizeUserID(raw)
		if id.IsZero() || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	return s.userRepo.GetByIDs(ctx, ids)
}
