package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tutor_chat/internal/domain"
	"tutor_chat/internal/service"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

type UserHandler struct {
	userService service.UserService
	log         logger.Logger
}

func NewUserHandler(userService service.UserService, log logger.Logger) *UserHandler {
	return &UserHandler{
		userService: userService,
		log:         log,
	}
}

// GetByIDs — обогащение превью диалогов профилями: GET /users?userIds=a,b,c
func (h *UserHandler) GetByIDs(c *gin.Context) {
	raw := c.Query("userIds")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userIds query parameter is required"})
		return
	}

	users, err := h.userService.GetByIDs(c.Request.Context(), strings.Split(raw, ","))
	if err != nil {
		h.log.Error("Failed to get users", "error", err)
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}
	if users == nil {
		users = []*domain.User{}
	}

	c.JSON(http.StatusOK, users)
}
