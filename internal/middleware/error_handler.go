package middleware

import (
	"github.com/gin-gonic/gin"

	"tutor_chat/pkg/errors"
)

// ErrorHandler переводит ошибки доменной таксономии в HTTP-ответ.
// Сырые ошибки транспорта/хранилища до рендеринга не доходят:
// репозитории уже завернули их в sentinel-ошибки.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			statusCode := errors.HTTPStatusFromError(err.Err)

			c.JSON(statusCode, gin.H{
				"error": err.Error(),
			})
		}
	}
}
