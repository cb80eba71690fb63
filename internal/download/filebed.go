package download

import (
	"crypto/rand"
	"fmt"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// FileBed selects an upload endpoint for attachments (spec.md §1: "the
// file-bed upload subsystem" is an out-of-scope external collaborator —
// this bridge only selects which configured endpoint a caller should
// use, never performs the upload itself).
type FileBed struct {
	cfg    *config.FileBedConfig
	cursor int
	cache  *Cache
}

func NewFileBed(cfg *config.FileBedConfig, cache *Cache) *FileBed {
	return &FileBed{cfg: cfg, cache: cache}
}

// SelectEndpoint picks one configured File Bed endpoint per
// selection_strategy (spec.md §6). Returns KindDownloadFailed if the
// collaborator is disabled or unconfigured.
func (f *FileBed) SelectEndpoint() (string, error) {
	if f == nil || f.cfg == nil || !f.cfg.Enabled || len(f.cfg.Endpoints) == 0 {
		return "", bridgeerr.New(bridgeerr.KindDownloadFailed, "file bed is disabled or has no endpoints configured")
	}

	switch f.cfg.SelectionStrategy {
	case "random":
		idx, err := randomIndex(len(f.cfg.Endpoints))
		if err != nil {
			return "", bridgeerr.Wrap(bridgeerr.KindDownloadFailed, "select file bed endpoint", err)
		}
		return f.cfg.Endpoints[idx], nil
	case "failover":
		return f.cfg.Endpoints[0], nil
	default: // round_robin
		idx := f.cursor % len(f.cfg.Endpoints)
		f.cursor++
		return f.cfg.Endpoints[idx], nil
	}
}

// DeduplicateUpload checks the short-circuit cache before a caller
// performs an upload, and records it afterward (spec.md §4.9).
func (f *FileBed) DeduplicateUpload(raw []byte) (ref string, alreadyUploaded bool) {
	if f.cache == nil {
		return "", false
	}
	return f.cache.AlreadyUploaded(raw)
}

func (f *FileBed) RecordUpload(raw []byte, ref string) {
	if f.cache != nil {
		f.cache.RecordUpload(raw, ref)
	}
}

func randomIndex(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, fmt.Errorf("read random bytes: %w", err)
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return int(v % uint32(n)), nil
}
