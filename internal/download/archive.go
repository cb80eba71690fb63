package download

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
)

// Archive writes resolved images to the local on-disk archive
// (spec.md §9's "persisted state": "an image archive on disk
// partitioned by date"), named out-of-scope as a standalone subsystem
// but consumed here as the Download Pool's local save path.
type Archive struct {
	cfg    *config.Config
	logger *zap.Logger
}

func NewArchive(cfg *config.Config, logger *zap.Logger) *Archive {
	return &Archive{cfg: cfg, logger: logger}
}

// Save writes raw under <images_dir>/<YYYYMMDD>/<name>.<ext>, where ext
// follows cfg.Images.LocalSaveFormat regardless of the fetched
// content-type (spec.md §6's local_save_format conversion rule — the
// actual pixel re-encoding is left to the out-of-scope image archive;
// this bridge only places the bytes it already has).
func (a *Archive) Save(url string, raw []byte, contentType string) error {
	day := time.Now().UTC().Format("20060102")
	dir := filepath.Join(config.ImagesDir(), day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	ext := a.cfg.Images.LocalSaveFormat
	if ext == "" {
		ext = "png"
	}
	name := fmt.Sprintf("%d-%s.%s", time.Now().UTC().UnixNano(), shaOf(raw)[:12], ext)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	a.logger.Debug("archived image", zap.String("path", path), zap.String("source_url", url), zap.String("content_type", contentType))
	return nil
}
