package middleware

import (
	"context"
	"net/http"
	"time"

	"smarthome-automations/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UserIDKey is the gin context key RequireAuth stores the caller's id under
const UserIDKey = "user_id"

// TokenValidator resolves a bearer token to a user id
type TokenValidator interface {
	ValidateTokenJWT(ctx context.Context, token string) (int64, error)
}

type MiddlewareManager struct {
	auth TokenValidator
	log  zerolog.Logger
}

func NewMiddlewareManager(auth TokenValidator) *MiddlewareManager {
	return &MiddlewareManager{
		auth: auth,
		log:  utils.Component("http"),
	}
}

// UserID returns the authenticated user of the request
func UserID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}

// RequestLogger logs one line per request
func (m *MiddlewareManager) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := m.log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = m.log.Error()
		case status >= http.StatusBadRequest:
			event = m.log.Warn()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

// Recovery turns a handler panic into a 500 and logs it
func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		m.log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	})
}
