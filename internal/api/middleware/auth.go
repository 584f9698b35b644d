package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/studiodesk/internal/logger"
)

const ctxKeyUserID = "user_id"

// Auth resolves the caller from a bearer token. The token may also be passed as
// the "token" query parameter, which browsers need for websocket upgrades.
func Auth(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		userID, ok := tokens[token]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ctxKeyUserID, userID)
		ctx := logger.SetUserID(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxKeyLogger, logger.FromContext(ctx))
		c.Next()
	}
}

// UserID returns the authenticated user, or "" outside Auth.
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
