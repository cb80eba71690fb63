package dispatch

import (
	"context"

	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// PendingEntry is one request awaiting delivery to the agent, either
// because no peer was connected when it first tried to send, or because
// the Recovery Engine is reconstructing it after a disconnect
// (spec.md §3).
type PendingEntry struct {
	RequestID string
	Payload   interface{}

	// Done, if non-nil, receives the outcome of the eventual send
	// attempt exactly once. The HTTP-path offerer waits on it with a
	// bounded timeout; recovery-originated entries may leave it nil
	// when nothing is blocked waiting on the result.
	Done chan error
}

// PendingQueue is a bounded FIFO drained by exactly one consumer — the
// Recovery Engine's peer-connect handler — so the producer (an HTTP
// handler) and the consumer never form the cyclic dependency spec.md §9
// warns about: every put has a deadline, and there is exactly one
// consumer task.
type PendingQueue struct {
	ch chan *PendingEntry
}

func NewPendingQueue(capacity int) *PendingQueue {
	return &PendingQueue{ch: make(chan *PendingEntry, capacity)}
}

// Offer enqueues entry, failing if ctx expires first (spec.md §4.3: the
// HTTP path uses a deadline equal to the request's overall timeout).
func (q *PendingQueue) Offer(ctx context.Context, entry *PendingEntry) error {
	select {
	case q.ch <- entry:
		return nil
	case <-ctx.Done():
		return bridgeerr.New(bridgeerr.KindChannelTimeout, "pending queue offer timed out")
	}
}

// TryDequeue performs a non-blocking receive, used by the replayer to
// drain exactly what's backlogged without blocking past an empty queue.
func (q *PendingQueue) TryDequeue() (*PendingEntry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return nil, false
	}
}

// Len reports the current backlog size, for the stats snapshot.
func (q *PendingQueue) Len() int {
	return len(q.ch)
}
