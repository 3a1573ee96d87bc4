package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAuth accepts the token from the Authorization header, or from the token query
// parameter for websocket upgrades that cannot set headers.
func (m *MiddlewareManager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		userID, err := m.auth.ValidateTokenJWT(c, token)
		if err != nil {
			m.log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("Authentication failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)

		c.Next()
	}
}
