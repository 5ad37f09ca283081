package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tutor_chat/internal/config"
	"tutor_chat/internal/domain"
	"tutor_chat/internal/hub"
	"tutor_chat/internal/middleware"
	"tutor_chat/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // В продакшене нужно проверять origin
	},
}

type WebSocketHandler struct {
	hub *hub.Hub
	cfg config.ChatConfig
	log logger.Logger
}

func NewWebSocketHandler(h *hub.Hub, cfg config.ChatConfig, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: h,
		cfg: cfg,
		log: log,
	}
}

// HandleChat — подписка realtime-канала, ключ (userId, role) берется из
// токена. Ресурс живет вместе с соединением: регистрация при апгрейде,
// снятие при закрытии сокета.
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	userID := domain.NormalizeUserID(c.GetString(middleware.ContextUserID))
	role := domain.Role(c.GetString(middleware.ContextUserRole))
	if userID.IsZero() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err, "user_id", userID)
		return
	}

	client := hub.NewClient(h.hub, conn, userID, role, h.cfg.ClientSendBuffer)

	// Активный диалог можно задать сразу через query, до первого кадра
	if counterparty := c.Query("counterpartyId"); counterparty != "" {
		client.SetActiveCounterparty(counterparty)
	}

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
