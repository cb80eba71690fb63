// Package app is the bridge's dependency-injection container: it wires
// the Transport Channel, Registry/Pending Queue/Recovery Engine/Inbound
// Router, Session Resolver, Dispatcher, Download Pool, stats Snapshot,
// and the HTTP+WS api.Server into one process, grounded on the
// teacher's application.App staged-init pattern
// (internal/application/app.go).
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/api"
	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/dispatch"
	"github.com/lmarena-bridge/bridge/internal/download"
	"github.com/lmarena-bridge/bridge/internal/session"
	"github.com/lmarena-bridge/bridge/internal/stats"
	"github.com/lmarena-bridge/bridge/internal/transport"
	"github.com/lmarena-bridge/bridge/pkg/safego"
)

// App owns every long-lived collaborator and the background goroutines
// that sweep them (spec.md §5's periodic sweepers), plus the optional
// config file watcher.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry   *dispatch.Registry
	pending    *dispatch.PendingQueue
	recovery   *dispatch.RecoveryEngine
	router     *dispatch.InboundRouter
	transport  *transport.Transport
	resolver   *session.Resolver
	dispatcher *dispatch.Dispatcher
	pool       *download.Pool
	snapshot   *stats.Snapshot
	reqLog     *stats.RequestLog
	server     *api.Server
	watcher    *config.Watcher

	sweepCancel context.CancelFunc
}

// New builds the full dependency graph but starts nothing (spec.md §9's
// "construction never has side effects on the network") — call Start to
// bind the listener and launch background sweepers.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("bootstrap failed (non-fatal)", zap.Error(err))
	}

	a := &App{cfg: cfg, logger: logger}

	a.registry = dispatch.NewRegistry(logger)
	a.pending = dispatch.NewPendingQueue(256)
	a.resolver = session.New(cfg)
	a.pool = download.New(cfg, logger)

	// The Recovery Engine needs the Transport to replay onto, and the
	// Transport needs the Recovery Engine as its onConnect hook — the
	// same forward-declared-closure pattern the Dispatcher's own tests
	// use to break the cycle (internal/dispatch/dispatcher_test.go).
	var recovery *dispatch.RecoveryEngine
	a.transport = transport.New(logger, func(peer *transport.Peer) {
		a.dispatcher.SetVerifying(false)
		recovery.OnPeerConnect(peer)
	})
	putTimeout := 10 * time.Second
	recovery = dispatch.NewRecoveryEngine(logger, a.registry, a.pending, a.transport, putTimeout)
	a.recovery = recovery

	a.dispatcher = dispatch.New(logger, cfg, a.registry, a.pending, a.recovery, a.transport, a.resolver)

	// The inbound router is the C1->C2 demultiplexer (spec.md §4.2): the
	// single reader of a.transport.Frames(), routing agent replies into
	// the Response Channel their request_id names.
	a.router = dispatch.NewInboundRouter(logger, a.registry, a.transport)

	a.reqLog = stats.NewRequestLog(config.LogsDir(), logger)
	a.snapshot = stats.New(map[string]stats.GaugeSource{
		"pending_queue_depth": a.pending.Len,
		"peer_connected":      a.peerConnectedGauge,
	})
	a.dispatcher.SetRecoveryHooks(
		a.snapshot.IncRecoveryParked,
		a.snapshot.IncRecoveryDelivered,
		a.snapshot.IncRecoveryTimedOut,
	)

	a.server = api.New(cfg, a.dispatcher, a.transport, a.pool, a.snapshot, a.reqLog, logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, a.onConfigReload)
		if err != nil {
			logger.Warn("config watcher init failed, edits to config.yaml won't be picked up live", zap.Error(err))
		} else {
			a.watcher = watcher
		}
	}

	return a, nil
}

func (a *App) peerConnectedGauge() int {
	if a.transport.HasPeer() {
		return 1
	}
	return 0
}

// onConfigReload overwrites the shared Config's contents in place.
// Every collaborator (Resolver, Dispatcher, Download Pool) was handed
// the same *config.Config pointer at construction, so this one copy is
// enough to make models/session/bypass/recovery changes visible on the
// next request — there is no separate per-component reload path.
// A reload racing an in-flight request can observe a torn read of the
// struct; acceptable here since config edits are rare operator actions
// against a single-operator, single-peer deployment, not a path that
// needs linearizable reads under load (see DESIGN.md).
func (a *App) onConfigReload(newCfg *config.Config) {
	*a.cfg = *newCfg
}

// Start launches the HTTP+WS listener and the background sweepers
// (image cache expiry, stale request metadata reclaim). It never blocks.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel

	safego.Go(a.logger, "inbound-router", func() { a.router.Run(ctx) })

	a.pool.StartSweepers(ctx)

	metadataTimeout := time.Duration(a.cfg.MetadataTimeoutMinutes) * time.Minute
	if metadataTimeout <= 0 {
		metadataTimeout = 30 * time.Minute
	}
	safego.Every(ctx, a.logger, "metadata-sweeper", time.Minute, func(ctx context.Context) {
		a.registry.SweepExpiredDefault(metadataTimeout)
	})

	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	a.server.Start()
	a.logger.Info("bridge started",
		zap.String("address", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)),
	)
	return nil
}

// Stop drains the HTTP listener within ctx's deadline and cancels every
// background sweeper.
func (a *App) Stop(ctx context.Context) error {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	_ = a.reqLog.Close()
	return a.server.Shutdown(ctx)
}
