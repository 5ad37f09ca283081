package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tutor_chat/internal/hub"
)

type HealthHandler struct {
	hub       *hub.Hub
	startedAt time.Time
}

func NewHealthHandler(h *hub.Hub) *HealthHandler {
	return &HealthHandler{
		hub:       h,
		startedAt: time.Now(),
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"service":         "tutor-chat",
		"uptime":          time.Since(h.startedAt).String(),
		"connected_users": h.hub.ConnectedUsers(),
	})
}
