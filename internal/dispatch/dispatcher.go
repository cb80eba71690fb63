package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/session"
	"github.com/lmarena-bridge/bridge/internal/transport"
	"github.com/lmarena-bridge/bridge/internal/translate"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// Dispatcher is the per-call entry point (spec.md §4.7): it resolves a
// session, translates the request, forwards it to the agent (parking it
// if the agent is away), and hands the caller a live Response Channel to
// drive through the Stream Processor.
type Dispatcher struct {
	logger    *zap.Logger
	cfg       *config.Config
	registry  *Registry
	pending   *PendingQueue
	recovery  *RecoveryEngine
	transport *transport.Transport
	resolver  *session.Resolver

	// verifying is the process-wide flag the Stream Processor's
	// interstitial detection sets and the next peer connect clears
	// (spec.md §4.6, §7).
	verifying atomic.Bool

	// Recovery event hooks, wired by the DI container to the stats
	// Snapshot's counters. Left nil (no-op) in tests that don't care.
	onParked    func()
	onDelivered func()
	onTimedOut  func()
}

// SetRecoveryHooks wires the park/deliver/timeout counters a stats
// Snapshot exposes; any of the three may be nil.
func (d *Dispatcher) SetRecoveryHooks(onParked, onDelivered, onTimedOut func()) {
	d.onParked = onParked
	d.onDelivered = onDelivered
	d.onTimedOut = onTimedOut
}

func (d *Dispatcher) fire(hook func()) {
	if hook != nil {
		hook()
	}
}

func New(
	logger *zap.Logger,
	cfg *config.Config,
	registry *Registry,
	pending *PendingQueue,
	recovery *RecoveryEngine,
	tr *transport.Transport,
	resolver *session.Resolver,
) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		cfg:       cfg,
		registry:  registry,
		pending:   pending,
		recovery:  recovery,
		transport: tr,
		resolver:  resolver,
	}
}

// Handle is what a caller drives after a successful Dispatch: the
// request's id, its model name, and the live channel of raw
// Response Channel fragments.
type Handle struct {
	RequestID string
	Model     string
	Fragments <-chan json.RawMessage
}

// SetVerifying flips the process-wide interstitial flag. Setting it also
// issues a "refresh" command to the connected peer; the Transport's
// peer-connect hook clears it on the next peer connect (spec.md §7).
func (d *Dispatcher) SetVerifying(v bool) {
	d.verifying.Store(v)
	if v {
		if err := d.transport.SendCommand("refresh"); err != nil {
			d.logger.Warn("interstitial refresh command not sent", zap.Error(err))
		}
	}
}

// Verifying reports whether the process is currently waiting out an
// interstitial.
func (d *Dispatcher) Verifying() bool { return d.verifying.Load() }

// Dispatch implements spec.md §4.7's per-call algorithm, steps 2-5:
// resolve the session, allocate the request_id, translate, open the
// Response Channel, and forward — parking on send failure rather than
// blocking ahead of translation, which collapses the spec's literal
// two-phase wait-then-allocate wording into one mechanism with the same
// observable behavior (see DESIGN.md).
func (d *Dispatcher) Dispatch(ctx context.Context, req translate.ChatCompletionRequest) (*Handle, error) {
	return d.dispatch(ctx, req, translate.ClassifyModel(req.Model, d.cfg))
}

// DispatchAs is Dispatch with the model class forced rather than looked
// up, for entry points that imply a class regardless of the model's
// table entry (spec.md §6: "POST /v1/images/generations: routed through
// the same chat path with image classification").
func (d *Dispatcher) DispatchAs(ctx context.Context, req translate.ChatCompletionRequest, class string) (*Handle, error) {
	return d.dispatch(ctx, req, class)
}

func (d *Dispatcher) dispatch(ctx context.Context, req translate.ChatCompletionRequest, class string) (*Handle, error) {
	tuple, err := d.resolver.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()

	payload, err := translate.Forward(req, tuple, class, d.cfg)
	if err != nil {
		return nil, err
	}

	rawBody, _ := json.Marshal(req)
	request := &Request{
		ID:          requestID,
		Model:       req.Model,
		Stream:      req.Stream,
		Payload:     rawBody,
		CreatedAt:   time.Now(),
		Status:      StatusQueued,
		TaskPayload: payload,
	}

	ch := d.registry.Open(request)

	if err := d.forwardOrPark(ctx, requestID, payload); err != nil {
		d.registry.Close(requestID)
		return nil, err
	}

	d.registry.SetStatus(requestID, StatusDispatched)

	return &Handle{RequestID: requestID, Model: req.Model, Fragments: ch}, nil
}

// forwardOrPark attempts an immediate send; on NoPeer it parks the
// request on the Pending Queue (iff auto-retry is enabled) and awaits
// the Recovery Engine's replay with a bounded deadline (spec.md §4.7
// step 5, §4.3, §7's NoPeer propagation policy).
func (d *Dispatcher) forwardOrPark(ctx context.Context, requestID string, payload *translate.TaskPayload) error {
	sendErr := d.transport.SendTask(requestID, payload)
	if sendErr == nil {
		return nil
	}
	if !bridgeerr.Is(sendErr, bridgeerr.KindNoPeer) {
		return sendErr
	}

	if !d.cfg.Recovery.EnableAutoRetry {
		return bridgeerr.New(bridgeerr.KindNoPeer, "no agent connected and auto-retry is disabled")
	}

	timeout := time.Duration(d.cfg.Recovery.RetryTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	parkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry := &PendingEntry{RequestID: requestID, Payload: payload, Done: make(chan error, 1)}
	if err := d.pending.Offer(parkCtx, entry); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindChannelTimeout, "parking request while agent reconnects", err)
	}
	d.fire(d.onParked)

	select {
	case err := <-entry.Done:
		if err == nil {
			d.fire(d.onDelivered)
		}
		return err
	case <-parkCtx.Done():
		d.fire(d.onTimedOut)
		return bridgeerr.New(bridgeerr.KindRecoveryTimeout, "timed out waiting for agent reconnect")
	}
}

// Finish closes and deletes requestID's Response Channel and metadata
// entry, the terminal cleanup step spec.md §4.7 step 7 and §8's
// invariant require happen in the same critical section.
func (d *Dispatcher) Finish(requestID string) {
	d.registry.Close(requestID)
}

// Lookup exposes the registry entry for callers that need the original
// request's metadata.
func (d *Dispatcher) Lookup(requestID string) (*Request, bool) {
	return d.registry.Lookup(requestID)
}
