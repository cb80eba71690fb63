// Package api wires the Dispatcher, Transport Channel, and Download Pool
// into the bridge's two HTTP-visible surfaces: the OpenAI-compatible
// chat API and the duplex agent websocket (spec.md §6).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/dispatch"
	"github.com/lmarena-bridge/bridge/internal/download"
	"github.com/lmarena-bridge/bridge/internal/stats"
	"github.com/lmarena-bridge/bridge/internal/transport"
)

// Server is the bridge's single HTTP+WS listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// New builds the gin router and registers every route group (spec.md
// §6's external interfaces), grounded on the teacher's gin server
// wiring with a single router instead of per-feature groups.
func New(cfg *config.Config, d *dispatch.Dispatcher, tr *transport.Transport, pool *download.Pool, snapshot *stats.Snapshot, reqLog *stats.RequestLog, logger *zap.Logger) *Server {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	oaiHandler := newOpenAIHandler(cfg, d, pool, snapshot, reqLog, logger)
	oaiHandler.registerRoutes(router, authMiddleware(cfg))

	registerInternalRoutes(router, snapshot, d, tr)
	registerWSRoute(router, tr, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start launches the listener in the background; it never blocks the
// caller (spec.md §5's "blocking I/O is not permitted on the main
// dispatch path").
func (s *Server) Start() {
	s.logger.Info("starting http server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight connections within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying HTTP handler so tests can drive it
// through an httptest.Server instead of binding a real port.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
