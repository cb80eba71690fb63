package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const responseChannelBuffer = 256

// entry bundles one request's Response Channel with its metadata under
// a single lock, so that closing the channel and dropping the metadata
// happen atomically (spec.md §4.2, §8's "removal from the channel table
// implies the metadata entry is removed in the same critical section").
type entry struct {
	request *Request
	ch      chan json.RawMessage
	closed  bool
}

// Registry is the combined Response Channels + metadata table (C2).
// All mutating operations are serialized under one mutex; readers take
// the channel reference under the lock and then read lock-free, per
// spec.md §4.2.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Open creates a Response Channel for req and registers its metadata.
// Returns the channel for the caller to read from.
func (r *Registry) Open(req *Request) <-chan json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan json.RawMessage, responseChannelBuffer)
	r.entries[req.ID] = &entry{request: req, ch: ch}
	return ch
}

// Put pushes a fragment into requestID's channel. If no channel matches
// (stale request_id), the frame is dropped and a warning logged
// (spec.md §4.2). The existence check, the closed check, and the send
// itself all happen under the same lock as Close so a concurrent
// Close can never be observed half-applied: either the entry is still
// open and the send proceeds, or it is already gone and Put is a no-op.
func (r *Registry) Put(requestID string, frag json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		r.logger.Warn("dropped inbound frame for unknown request_id", zap.String("request_id", requestID))
		return false
	}
	if e.closed {
		return false
	}

	select {
	case e.ch <- frag:
		return true
	default:
		r.logger.Warn("response channel full, dropping fragment", zap.String("request_id", requestID))
		return false
	}
}

// SetStatus updates a request's status if it is still registered.
func (r *Registry) SetStatus(requestID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[requestID]; ok {
		e.request.Status = status
	}
}

// Lookup returns the Request metadata for requestID, if still registered.
func (r *Registry) Lookup(requestID string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.request, true
}

// Close removes requestID's channel and metadata, and marks+closes the
// channel, all under one critical section — the same lock Put takes —
// so a frame arriving concurrently either lands before this Close or
// sees e.closed and is dropped; it can never race the close() call
// itself (which would panic "send on closed channel").
func (r *Registry) Close(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return
	}
	delete(r.entries, requestID)
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// openEntry is a snapshot row for requests whose channel is still open.
type openEntry struct {
	Request *Request
}

// OpenRequests returns a point-in-time snapshot of every request still
// registered, for the Recovery Engine to reconstruct after a peer
// reconnect (spec.md §4.8).
func (r *Registry) OpenRequests() []openEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]openEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, openEntry{Request: e.request})
	}
	return out
}

// DrainWithError pushes a single error-shaped fragment followed by the
// terminal sentinel into requestID's channel, then closes it — used
// when recovery cannot reconstruct a request (spec.md §4.8.2) or when a
// Pending Queue put times out during recovery (spec.md §4.8.3). The
// sends, the removal, and the close all happen under one lock for the
// same reason Put/Close share one: nothing else may observe the
// channel as "open but frameless" in between.
func (r *Registry) DrainWithError(requestID string, errFrag json.RawMessage, doneFrag json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok || e.closed {
		return
	}

	select {
	case e.ch <- errFrag:
	default:
	}
	select {
	case e.ch <- doneFrag:
	default:
	}

	delete(r.entries, requestID)
	e.closed = true
	close(e.ch)
}

// SweepExpired deletes every request older than maxAge, draining its
// channel with an error first. Called periodically by safego.Every
// (spec.md §5's "periodic sweeper cancels and deletes request metadata
// older than metadata_timeout_minutes").
func (r *Registry) SweepExpired(maxAge time.Duration, errFrag, doneFrag json.RawMessage) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []string
	for id, e := range r.entries {
		if e.request.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.DrainWithError(id, errFrag, doneFrag)
	}
	if len(stale) > 0 {
		r.logger.Info("metadata sweep reclaimed stale requests", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// SweepExpiredDefault is SweepExpired with the same timeout-error
// fragment the Recovery Engine uses, for callers outside this package
// (the DI container's periodic sweeper) that have no reason to build
// their own error/done frames.
func (r *Registry) SweepExpiredDefault(maxAge time.Duration) int {
	return r.SweepExpired(maxAge, errorFragment("request metadata expired (metadata_timeout_minutes exceeded)"), doneFragment())
}
