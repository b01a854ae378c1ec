package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodySize is the request body limit used when none is configured
const DefaultMaxBodySize int64 = 1 << 20

// MaxRequestBodySizeMiddleware limits request bodies to limit bytes
func MaxRequestBodySizeMiddleware(limit int64) gin.HandlerFunc {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
