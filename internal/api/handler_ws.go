package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/transport"
)

// wsUpgrader accepts any origin: the agent is a local browser extension
// talking to a local server, not a cross-site client (grounded on the
// teacher's websocket handler.go, which does the same for its
// single-operator deployment).
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerWSRoute exposes the duplex agent channel at /ws/agent
// (spec.md §4.1, §6): each successful upgrade becomes the new peer,
// displacing whatever was connected before.
func registerWSRoute(router *gin.Engine, tr *transport.Transport, logger *zap.Logger) {
	router.GET("/ws/agent", func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		tr.Accept(uuid.NewString(), conn)
	})
}
