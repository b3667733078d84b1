package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware adds permissive CORS headers so browser clients can
// call the gateway directly.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware checks the Bearer API key against the configured key
// list. Comparison is constant-time per key.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.DisableAuth {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, openAIError("missing api key", "invalid_request_error", "missing_api_key"))
			return
		}
		for _, candidate := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, openAIError("invalid api key", "invalid_request_error", "invalid_api_key"))
	}
}

// openAIError shapes the standard {error:{...}} body.
func openAIError(message, errType, code string) gin.H {
	return gin.H{"error": gin.H{
		"message": message,
		"type":    errType,
		"code":    code,
	}}
}
