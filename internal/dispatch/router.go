package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/transport"
)

// InboundRouter is the C1→C2 demultiplexer spec.md §4.2 and §9 require:
// the single reader of Transport.Frames(), routing each data frame into
// the Response Channel matching its request_id and logging control
// frames. Without it, replies the agent sends back never reach any
// Response Channel.
type InboundRouter struct {
	logger   *zap.Logger
	registry *Registry
	frames   <-chan transport.InboundEnvelope
}

// NewInboundRouter wires a router to tr's single inbound stream.
// Exactly one goroutine should call Run on the result (spec.md §9's
// "single reader task that demultiplexes into per-request channels").
func NewInboundRouter(logger *zap.Logger, registry *Registry, tr *transport.Transport) *InboundRouter {
	return &InboundRouter{logger: logger, registry: registry, frames: tr.Frames()}
}

// Run drains frames until ctx is cancelled or the transport's inbound
// channel closes.
func (r *InboundRouter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-r.frames:
			if !ok {
				return
			}
			r.route(env)
		}
	}
}

// route implements spec.md §4.2's dispatch rule: data frames (request_id
// set) go to Registry.Put, which itself logs and drops stale ids; bare
// control frames (refresh-issued, reconnect acknowledgements, ...) are
// informational and just logged.
func (r *InboundRouter) route(env transport.InboundEnvelope) {
	if env.RequestID == "" {
		r.logger.Info("transport control frame received", zap.String("type", env.Type))
		return
	}
	r.registry.Put(env.RequestID, env.Data)
}
