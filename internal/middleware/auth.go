package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key the authenticated user id is stored
// under.
const UserIDKey = "userID"

// UserAuthMiddleware authenticates end-user traffic. The platform gateway
// terminates user sessions and forwards requests with the shared service
// key plus the resolved user id; this service trusts that pair and nothing
// else.
func UserAuthMiddleware() gin.HandlerFunc {
	apiKey := os.Getenv("INTERNAL_API_KEY")
	if apiKey == "" {
		// Return a middleware that always returns 500 if misconfigured
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "server misconfigured: INTERNAL_API_KEY not set",
			})
		}
	}
	apiKeyBytes := []byte(apiKey)

	return func(c *gin.Context) {
		key := c.GetHeader("X-Internal-API-Key")
		// Use subtle.ConstantTimeCompare to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(key), apiKeyBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// OperatorAuthMiddleware authenticates operator-console traffic with a
// separate key so user-facing credentials never grant dead-letter access.
func OperatorAuthMiddleware() gin.HandlerFunc {
	operatorKey := os.Getenv("OPERATOR_API_KEY")
	if operatorKey == "" {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "server misconfigured: OPERATOR_API_KEY not set",
			})
		}
	}
	operatorKeyBytes := []byte(operatorKey)

	return func(c *gin.Context) {
		key := c.GetHeader("X-Operator-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), operatorKeyBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by UserAuthMiddleware
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
