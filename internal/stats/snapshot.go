// Package stats carries the bridge's minimal rolling-stats surface
// (spec.md §2's monitoring/metrics concern, scoped down from a full
// metrics stack): atomic request counters plus a handful of live gauges
// pulled from the Dispatcher's collaborators, grounded on the teacher's
// monitoring.Metrics/Monitor pair.
package stats

import (
	"sync/atomic"
	"time"
)

// Counters are the atomic request tallies updated from the hot path.
// A plain struct of atomics (not a mutex-guarded one) matches the
// teacher's Metrics: every field is read and written independently, so
// there's no multi-field invariant that needs a lock.
type Counters struct {
	requestsTotal  uint64
	requestsOK     uint64
	requestsFailed uint64

	streamChunksTotal uint64
	imagesResolved    uint64
	imagesFailed      uint64

	recoveryParked    uint64
	recoveryDelivered uint64
	recoveryTimedOut  uint64

	interstitialsSeen uint64
}

func (c *Counters) IncRequestTotal()  { atomic.AddUint64(&c.requestsTotal, 1) }
func (c *Counters) IncRequestOK()     { atomic.AddUint64(&c.requestsOK, 1) }
func (c *Counters) IncRequestFailed() { atomic.AddUint64(&c.requestsFailed, 1) }

func (c *Counters) IncStreamChunk()   { atomic.AddUint64(&c.streamChunksTotal, 1) }
func (c *Counters) IncImageResolved() { atomic.AddUint64(&c.imagesResolved, 1) }
func (c *Counters) IncImageFailed()   { atomic.AddUint64(&c.imagesFailed, 1) }

func (c *Counters) IncRecoveryParked()    { atomic.AddUint64(&c.recoveryParked, 1) }
func (c *Counters) IncRecoveryDelivered() { atomic.AddUint64(&c.recoveryDelivered, 1) }
func (c *Counters) IncRecoveryTimedOut()  { atomic.AddUint64(&c.recoveryTimedOut, 1) }

func (c *Counters) IncInterstitial() { atomic.AddUint64(&c.interstitialsSeen, 1) }

// GaugeSource pulls a live value from a collaborator at report time,
// rather than being pushed on every change — avoids wiring a counter
// update into every one of the Registry/PendingQueue/Transport/Cache's
// call sites for values they already track themselves.
type GaugeSource func() int

// Snapshot is the single stats object threaded through the api package;
// it owns the atomic Counters and a named set of gauge callbacks.
type Snapshot struct {
	Counters

	startTime time.Time
	gauges    map[string]GaugeSource
}

// New builds a Snapshot with the given named gauge sources (e.g.
// "pending_queue_depth" -> pendingQueue.Len, "peer_connected" ->
// func() int { if tr.HasPeer() { return 1 }; return 0 }).
func New(gauges map[string]GaugeSource) *Snapshot {
	return &Snapshot{
		startTime: time.Now(),
		gauges:    gauges,
	}
}

// Report renders a JSON-serializable view of every counter and gauge,
// for the /internal/stats endpoint.
func (s *Snapshot) Report() map[string]interface{} {
	out := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"requests": map[string]uint64{
			"total":  atomic.LoadUint64(&s.requestsTotal),
			"ok":     atomic.LoadUint64(&s.requestsOK),
			"failed": atomic.LoadUint64(&s.requestsFailed),
		},
		"stream_chunks_total": atomic.LoadUint64(&s.streamChunksTotal),
		"images": map[string]uint64{
			"resolved": atomic.LoadUint64(&s.imagesResolved),
			"failed":   atomic.LoadUint64(&s.imagesFailed),
		},
		"recovery": map[string]uint64{
			"parked":     atomic.LoadUint64(&s.recoveryParked),
			"delivered":  atomic.LoadUint64(&s.recoveryDelivered),
			"timed_out":  atomic.LoadUint64(&s.recoveryTimedOut),
		},
		"interstitials_seen": atomic.LoadUint64(&s.interstitialsSeen),
	}

	gaugeValues := make(map[string]int, len(s.gauges))
	for name, fn := range s.gauges {
		gaugeValues[name] = fn()
	}
	out["gauges"] = gaugeValues

	return out
}
