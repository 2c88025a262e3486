package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const LemurAPIKeyKey = "lemur_api_key"

// LemurAPIKey takes the caller's AssemblyAI key from X-API-Key, the
// Authorization header or the api_key form field. The key is forwarded to
// LeMUR as is and only its fingerprint is stored, which also identifies the
// owner of a job.
func LemurAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := APIKeyFrom(c)
		if apiKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "AssemblyAI API key is required",
			})
			c.Abort()
			return
		}

		c.Set(LemurAPIKeyKey, apiKey)
		c.Next()
	}
}

// APIKeyFrom reads the key without rejecting the request; empty when absent
func APIKeyFrom(c *gin.Context) string {
	apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))

	if apiKey == "" {
		apiKey = strings.TrimSpace(c.GetHeader("Authorization"))
		apiKey = strings.TrimSpace(strings.TrimPrefix(apiKey, "Bearer "))
	}

	if apiKey == "" {
		apiKey = strings.TrimSpace(c.PostForm("api_key"))
	}

	return apiKey
}
