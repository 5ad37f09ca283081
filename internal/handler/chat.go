package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tutor_chat/internal/domain"
	"tutor_chat/internal/middleware"
	"tutor_chat/internal/service"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

type ChatHandler struct {
	messageService service.MessageService
	summaryService service.SummaryService
	log            logger.Logger
}

func NewChatHandler(messageService service.MessageService, summaryService service.SummaryService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		messageService: messageService,
		summaryService: summaryService,
		log:            log,
	}
}

// GetChats возвращает полный набор сообщений пользователя.
// Пагинации нет: клиент строит состояние диалогов из полной выборки.
func (h *ChatHandler) GetChats(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	messages, err := h.messageService.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("Failed to list chats", "error", err, "user_id", userID)
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"chats": messages})
}

// GetSummaries — список диалогов с превью и счетчиками непрочитанного
func (h *ChatHandler) GetSummaries(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	summaries, err := h.summaryService.Summaries(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("Failed to build summaries", "error", err, "user_id", userID)
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}
	if summaries == nil {
		summaries = []*domain.CounterpartySummary{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

type SendMessageRequest struct {
	RecipientID string                     `json:"recipientId" binding:"required"`
	Message     string                     `json:"message"`
	ReplyTo     *string                    `json:"replyTo"`
	SenderRole  string                     `json:"senderRole" binding:"required"`
	Type        string                     `json:"type"`
	Appointment *domain.AppointmentPayload `json:"appointment"`
	QuizResult  *domain.QuizResultPayload  `json:"quizResult"`
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.messageService.Send(c.Request.Context(), service.SendInput{
		CreatorID:   userID,
		RecipientID: req.RecipientID,
		Body:        req.Message,
		ReplyTo:     req.ReplyTo,
		SenderRole:  domain.Role(req.SenderRole),
		Type:        domain.MessageType(req.Type),
		Appointment: req.Appointment,
		QuizResult:  req.QuizResult,
	})
	if err != nil {
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, message)
}

type UpdateStatusRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

func (h *ChatHandler) UpdateAppointmentStatus(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.messageService.UpdateAppointmentStatus(
		c.Request.Context(), req.MessageID, domain.AppointmentStatus(req.Status), userID,
	)
	if err != nil {
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, message)
}

type MarkSeenRequest struct {
	CounterpartyID string `json:"counterpartyId" binding:"required"`
}

func (h *ChatHandler) MarkSeen(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req MarkSeenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	modified, err := h.messageService.MarkSeen(c.Request.Context(), userID, req.CounterpartyID)
	if err != nil {
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"modifiedCount": modified})
}
