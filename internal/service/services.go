package service

import (
	"tutor_chat/internal/hub"
	"tutor_chat/internal/repository"
	"tutor_chat/pkg/logger"
)

type Services struct {
	Message   MessageService
	Summary   SummaryService
	User      UserService
	RateLimit RateLimitService
}

func NewServices(repos *repository.Repositories, h *hub.Hub, log logger.Logger) *Services {
	return &Services{
		Message:   NewMessageService(repos.Message, repos.Audit, h, log),
		Summary:   NewSummaryService(repos.Message, repos.User, log),
		User:      NewUserService(repos.User, log),
		RateLimit: NewRateLimitService(repos.RateLimit, log),
	}
}
