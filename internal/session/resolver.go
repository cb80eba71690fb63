// Package session implements the Session/Model Resolver (spec.md §4.4):
// for each request, it picks a session tuple the upstream UI needs to
// retry a chat turn, either from a per-model round-robin pool or from
// the globally configured default.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// Tuple is the resolver's output: the handle the upstream UI requires to
// retry a chat turn (spec.md GLOSSARY).
type Tuple struct {
	SessionID           string
	MessageID           string
	Mode                string
	ParticipantPosition string
	Type                string
}

func (t Tuple) empty() bool {
	return t.SessionID == "" || t.MessageID == ""
}

// Resolver holds one atomic cursor per model with a configured endpoint
// pool. Cursor mutation is an atomic read-modify-write (spec.md §5), so
// concurrent selections against the same model never read the same
// cursor value twice.
type Resolver struct {
	cfg     *config.Config
	cursors sync.Map // model name (string) -> *uint64
}

func New(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve picks a session tuple for model (spec.md §4.4):
//  1. If model has a per-model endpoint list, pick element cursor[model]
//     mod len, advancing cursor[model] atomically.
//  2. Else use the globally configured default tuple.
//  3. If the resolved tuple is empty/invalid, fail with InvalidSession.
func (r *Resolver) Resolve(model string) (Tuple, error) {
	if mc, ok := r.cfg.ModelByName(model); ok && len(mc.Endpoints) > 0 {
		tuple := r.pickRoundRobin(model, mc.Endpoints)
		if tuple.empty() {
			return Tuple{}, bridgeerr.New(bridgeerr.KindInvalidSession, "resolved session tuple is empty")
		}
		return tuple, nil
	}

	def := Tuple{
		SessionID:           r.cfg.Session.SessionID,
		MessageID:           r.cfg.Session.MessageID,
		Mode:                r.cfg.Session.Mode,
		ParticipantPosition: r.cfg.Session.BattleTarget,
	}
	if def.empty() {
		return Tuple{}, bridgeerr.New(bridgeerr.KindInvalidSession, "no session configured for model "+model)
	}
	return def, nil
}

// pickRoundRobin advances model's cursor exactly once per call and
// returns the tuple at the pre-advance position, satisfying spec.md
// §8's "round-robin over a list of length L yields each element exactly
// once per L consecutive selections."
func (r *Resolver) pickRoundRobin(model string, endpoints []config.SessionTuple) Tuple {
	counterAny, _ := r.cursors.LoadOrStore(model, new(uint64))
	counter := counterAny.(*uint64)

	idx := atomic.AddUint64(counter, 1) - 1
	chosen := endpoints[int(idx%uint64(len(endpoints)))]

	return Tuple{
		SessionID:           chosen.SessionID,
		MessageID:           chosen.MessageID,
		Mode:                chosen.Mode,
		ParticipantPosition: chosen.ParticipantPosition,
		Type:                chosen.Type,
	}
}
