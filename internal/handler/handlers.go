package handler

import (
	"tutor_chat/internal/config"
	"tutor_chat/internal/hub"
	"tutor_chat/internal/service"
	"tutor_chat/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	Chat      *ChatHandler
	User      *UserHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, h *hub.Hub, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(h),
		Chat:      NewChatHandler(services.Message, services.Summary, log),
		User:      NewUserHandler(services.User, log),
		WebSocket: NewWebSocketHandler(h, cfg.Chat, log),
	}
}
