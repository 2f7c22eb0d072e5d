// Package middleware contains Gin middleware for the application.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quizroom/backend/internal/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLength bounds caller-supplied IDs: anything longer is
// replaced with a fresh UUID so a hostile client cannot inflate every log
// line emitted for its request.
const maxCorrelationIDLength = 64

// CorrelationID tags each request with a correlation ID — the caller's, if
// it presented a usable one, or a freshly generated UUID. The ID is echoed
// on the response and installed into both the gin context and the request
// context, so logging calls anywhere downstream (including the WebSocket
// pumps, which outlive the handshake) pick it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" || len(id) > maxCorrelationIDLength {
			id = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id))

		c.Next()
	}
}
