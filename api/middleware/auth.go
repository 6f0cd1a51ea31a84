package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/models"
)

// Context keys set by Auth.
const (
	KeyAPIKey    = "api_key"
	KeyAccountID = "account_id"
)

// Auth returns API-key authentication middleware. keys maps an API key to
// the account it acts for.
//
// Supports two header styles:
//
//	X-API-Key: <key>
//	Authorization: Bearer <key>
func Auth(keys map[string]string) gin.HandlerFunc {
	accounts := make(map[string]string, len(keys))
	for k, acct := range keys {
		if k != "" && acct != "" {
			accounts[k] = acct
		}
	}

	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if key == "" {
			unauthorized(c, "missing API key: provide X-API-Key header or Authorization: Bearer <key>")
			return
		}
		acct, ok := accounts[key]
		if !ok {
			unauthorized(c, "invalid API key")
			return
		}
		c.Set(KeyAPIKey, key)
		c.Set(KeyAccountID, acct)
		c.Next()
	}
}

// Anonymous attributes every request to accountID. It replaces Auth when
// authentication is disabled.
func Anonymous(accountID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(KeyAccountID, accountID)
		c.Next()
	}
}

// AccountID returns the account the request acts for.
func AccountID(c *gin.Context) string {
	return c.GetString(KeyAccountID)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: models.ErrCodeUnauthorized, Message: msg},
	})
}

// extractAPIKey tries X-API-Key first, then Authorization: Bearer.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
