package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tutor_chat/internal/config"
	"tutor_chat/internal/domain"
	"tutor_chat/pkg/jwt"
	"tutor_chat/pkg/logger"
)

// Ключи контекста gin, заполняемые после проверки токена
const (
	ContextUserID   = "user_id"
	ContextUserRole = "user_role"
)

type AuthMiddleware struct {
	jwtCfg config.JWTConfig
	log    logger.Logger
}

func NewAuthMiddleware(jwtCfg config.JWTConfig, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtCfg: jwtCfg,
		log:    log,
	}
}

// RequireAuth проверяет bearer-токен внешнего identity provider.
// Идентификатор из claims нормализуется сразу: дальше по коду ходит
// только голая форма.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		claims, err := jwt.ValidateToken(token, m.jwtCfg.AccessSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(ContextUserID, domain.NormalizeUserID(claims.UserID).String())
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// extractToken достает токен из заголовка или из query-параметра -
// браузерный websocket не умеет выставлять Authorization.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
