package handlers

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"raffle/internal/auth"
)

// RequestID tags each request with X-Request-Id, generating one if absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(traceIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Recovery turns a panic into a 500 envelope and logs the stack.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		logger.Errorf("[HTTP] panic recovered: trace_id=%s method=%s path=%s err=%v\n%s",
			traceID(c), c.Request.Method, c.Request.URL.Path, err, debug.Stack())
		errorWithMessage(c, http.StatusInternalServerError, CodeSystemError, "internal error")
	})
}

// OperatorAuth requires a valid operator bearer token.
func OperatorAuth(m *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.FromHeader(c.GetHeader("Authorization"))
		if err != nil {
			code := CodeInvalidToken
			if errors.Is(err, auth.ErrMissingToken) {
				code = CodeUnauthorized
			}
			logger.Warningf("[HTTP] operator auth rejected: trace_id=%s path=%s err=%v", traceID(c), c.Request.URL.Path, err)
			errorWithMessage(c, http.StatusUnauthorized, code, err.Error())
			return
		}
		c.Set(operatorKey, claims.Operator)
		c.Next()
	}
}
