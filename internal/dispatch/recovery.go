package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/transport"
)

// RecoveryEngine implements the server-side half of spec.md §4.8: on
// peer reconnect it drains the Pending Queue backlog and reconstructs
// every request whose Response Channel is still open from its stored
// TaskPayload, re-offering it for delivery to the new peer.
type RecoveryEngine struct {
	logger    *zap.Logger
	registry  *Registry
	queue     *PendingQueue
	transport *transport.Transport

	// putTimeout bounds how long recovery will wait to re-offer a
	// reconstructed request onto the queue (spec.md §5's "Pending
	// put/get uses a shorter deadline, default 10s").
	putTimeout time.Duration

	// mu serializes recovery passes: peer replacement is totally
	// ordered under Transport's own lock, but nothing stops two
	// connect events from racing into OnPeerConnect concurrently, and
	// spec.md §9 requires exactly one consumer of the queue at a time.
	mu sync.Mutex
}

func NewRecoveryEngine(logger *zap.Logger, registry *Registry, queue *PendingQueue, tr *transport.Transport, putTimeout time.Duration) *RecoveryEngine {
	return &RecoveryEngine{
		logger:     logger,
		registry:   registry,
		queue:      queue,
		transport:  tr,
		putTimeout: putTimeout,
	}
}

// OnPeerConnect is wired as the Transport's onConnect hook.
func (e *RecoveryEngine) OnPeerConnect(peer *transport.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reconstructed := e.reconstructOpenRequests()
	e.logger.Info("recovery pass starting",
		zap.String("peer", peer.ID()),
		zap.Int("reconstructed", reconstructed),
	)
	delivered := e.drainQueue()
	e.logger.Info("recovery pass complete",
		zap.String("peer", peer.ID()),
		zap.Int("delivered", delivered),
	)
}

// reconstructOpenRequests implements spec.md §4.8.2: for every Response
// Channel still open, resend its stored TaskPayload; if none is stored,
// drain the channel with a single error frame immediately.
func (e *RecoveryEngine) reconstructOpenRequests() int {
	count := 0
	for _, open := range e.registry.OpenRequests() {
		req := open.Request
		if req.Status == StatusCompleted || req.Status == StatusFailed {
			continue
		}
		if req.TaskPayload == nil {
			e.registry.DrainWithError(req.ID, errorFragment("request could not be reconstructed after disconnect"), doneFragment())
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.putTimeout)
		err := e.queue.Offer(ctx, &PendingEntry{RequestID: req.ID, Payload: req.TaskPayload})
		cancel()
		if err != nil {
			e.logger.Warn("recovery re-offer timed out, draining with error", zap.String("request_id", req.ID))
			e.registry.DrainWithError(req.ID, errorFragment("recovery timed out re-offering request"), doneFragment())
			continue
		}
		count++
	}
	return count
}

// drainQueue implements spec.md §4.8.1: pop every backlogged entry and
// hand it to the now-connected peer. This is the queue's single
// consumer — it only runs inside OnPeerConnect, serialized by e.mu.
func (e *RecoveryEngine) drainQueue() int {
	count := 0
	for {
		pe, ok := e.queue.TryDequeue()
		if !ok {
			return count
		}
		err := e.transport.SendTask(pe.RequestID, pe.Payload)
		if pe.Done != nil {
			pe.Done <- err
		}
		if err == nil {
			count++
		}
	}
}

func errorFragment(message string) json.RawMessage {
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{"message": message},
	})
	return body
}

func doneFragment() json.RawMessage {
	raw, _ := json.Marshal("[DONE]")
	return raw
}
