package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/GeminiBizAPI/internal/config"
)

const contextKeyClient = "clientKey"

// bearerToken extracts the client credential from the Authorization header,
// the X-Api-Key header, or the key query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return strings.TrimSpace(header)
	}
	if v := c.GetHeader("X-Api-Key"); v != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := c.GetQuery("key"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// clientAuthMiddleware authenticates completion traffic. When no keys are
// configured the gateway runs open: every caller shares a synthetic
// memory-mode key so conversations still bind to stable accounts.
func (s *Server) clientAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.cfg()
		token := bearerToken(c)

		open := len(cfg.APIKeys) == 0 && cfg.LegacyAPIKey == ""
		if open {
			key := token
			if key == "" {
				key = "default"
			}
			c.Set(contextKeyClient, config.APIKey{Key: key, Mode: config.APIKeyModeMemory})
			c.Next()
			return
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing API key", "type": "invalid_request_error"}})
			return
		}
		if cfg.LegacyAPIKey != "" && token == cfg.LegacyAPIKey {
			c.Set(contextKeyClient, config.APIKey{Key: token, Mode: config.APIKeyModeMemory})
			c.Next()
			return
		}
		if record := cfg.FindAPIKey(token); record != nil {
			key := *record
			if key.Mode == "" {
				key.Mode = config.APIKeyModeMemory
			}
			c.Set(contextKeyClient, key)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid API key", "type": "invalid_request_error"}})
	}
}

// clientKey returns the authenticated key record for the request.
func clientKey(c *gin.Context) config.APIKey {
	if v, ok := c.Get(contextKeyClient); ok {
		if key, okKey := v.(config.APIKey); okKey {
			return key
		}
	}
	return config.APIKey{Key: "default", Mode: config.APIKeyModeMemory}
}

// adminAuthMiddleware validates the admin session token minted by /admin/login.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if cookie, err := c.Cookie("admin_session"); err == nil {
				token = cookie
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		if err := verifyAdminToken(s.cfg().SessionSecretKey, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
