package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// authMiddleware enforces the optional bearer key (spec.md §6's
// "Authorization: Bearer <key>"); a no-op when no api_key is configured.
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.APIKey == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != cfg.Auth.APIKey {
			writeErrorJSON(c, bridgeerr.New(bridgeerr.KindAuthFailed, "invalid or missing API key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeErrorJSON writes a kind-tagged error as an OpenAI-shaped JSON
// error body with the status spec.md §6/§7 assigns its kind.
func writeErrorJSON(c *gin.Context, err error) {
	kind := bridgeerr.Kind("server_error")
	message := err.Error()
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		kind = be.Kind
		message = be.Message
	}
	status := bridgeerr.HTTPStatus(kind)
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    bridgeerr.OpenAIType(kind),
		},
	})
}
