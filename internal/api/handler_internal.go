package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lmarena-bridge/bridge/internal/dispatch"
	"github.com/lmarena-bridge/bridge/internal/stats"
	"github.com/lmarena-bridge/bridge/internal/transport"
)

// registerInternalRoutes exposes the operational surface spec.md §2's
// "monitoring/metrics surface" names as an out-of-scope collaborator —
// this bridge carries a minimal rolling-stats endpoint instead of a
// full metrics stack, per the ambient observability stack decided in
// DESIGN.md.
func registerInternalRoutes(router *gin.Engine, snapshot *stats.Snapshot, d *dispatch.Dispatcher, tr *transport.Transport) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	router.GET("/internal/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshot.Report())
	})

	// /internal/refresh issues the same "refresh" command the
	// interstitial handler (spec.md §4.6) sends, so an operator can force
	// the same recovery path manually.
	router.POST("/internal/refresh", func(c *gin.Context) {
		if err := tr.SendCommand("refresh"); err != nil {
			writeErrorJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "refresh issued"})
	})

	router.GET("/internal/verifying", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"verifying": d.Verifying()})
	})
}
