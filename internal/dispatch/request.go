// Package dispatch owns the request lifecycle: the combined Response
// Channel + metadata registry (spec.md §4.2), the Pending Queue
// (§4.3), the Retry/Recovery Engine (§4.8), and the Dispatcher itself
// (§4.7).
package dispatch

import (
	"encoding/json"
	"time"
)

// Status is a Request's position in its lifecycle (spec.md §3).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Request is the bridge's per-call entity: created on HTTP arrival, owned
// by the Dispatcher until a terminal status, observable to the Recovery
// Engine throughout (spec.md §3).
type Request struct {
	ID        string
	Model     string
	Stream    bool
	Payload   json.RawMessage // the original OpenAI request body
	CreatedAt time.Time
	Status    Status

	// TaskPayload is the translated upstream task (spec.md §4.5's
	// forward output) last sent to the agent for this request. The
	// Recovery Engine resends it verbatim to reconstruct in-flight
	// work after a disconnect (spec.md §4.8).
	TaskPayload interface{}
}
