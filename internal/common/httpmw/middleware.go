// Package httpmw provides shared Gin middleware for the orchestrator and
// agent-facing HTTP servers.
package httpmw

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
)

// CorrelationID assigns each request a correlation id, propagated via the
// request context and the X-Correlation-ID response header. Inbound ids are
// reused so callers can stitch traces together.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-ID", id)
		c.Next()
	}
}

// Recovery recovers from handler panics, logs the stack, and returns a 500
// failure envelope with the request correlation id.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				correlationID, _ := c.Request.Context().Value(logger.CorrelationIDKey).(string)
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("correlation_id", correlationID),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":      false,
					"errorMessage": "internal error",
					"errors":       []string{"INTERNAL: correlation_id=" + correlationID},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin requests from browser-based dashboards.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
