package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, entities.ErrorResponse{
		Code:    code,
		Message: message,
	})
}
