package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name, used to derive the bridge's
// home directory and the BRIDGE_ environment variable prefix.
const AppName = "lmarena-bridge"

// HomeDir returns the bridge's persisted-state home: ~/.lmarena-bridge.
// Everything spec.md §6 calls "persisted state" lives under it — the
// image archive, JSONL request/error logs, and a default config.yaml on
// first run.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the bridge's home directory exists with its default
// content. Called once at startup. Safe to call multiple times — only
// creates what's missing, never overwrites an existing config.yaml.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "images"),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("bridge home directory OK", zap.String("home", root))
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		logger.Warn("failed to write default config", zap.String("path", configPath), zap.Error(err))
		return nil
	}

	logger.Info("bridge bootstrap complete",
		zap.String("home", root),
		zap.String("config", configPath),
	)
	return nil
}

// ImagesDir returns the directory the Download Pool archives fetched
// images under, partitioned by caller into per-date subdirectories.
func ImagesDir() string {
	return filepath.Join(HomeDir(), "images")
}

// LogsDir returns the directory the JSONL request/error logger writes to.
func LogsDir() string {
	return filepath.Join(HomeDir(), "logs")
}

const defaultConfig = `# lmarena-bridge configuration — auto-generated on first launch.
# Edit freely; this file is only written once and never overwritten.

server:
  host: 0.0.0.0
  port: 8080
  mode: release               # release | debug

log:
  level: info                 # debug | info | warn | error
  format: json                # json | console
  output_path: stdout

auth:
  api_key: ""                 # bearer key required on /v1/* when set

session:
  session_id: ""
  message_id: ""
  id_updater_last_mode: direct_chat   # direct_chat | battle
  id_updater_battle_target: A         # A | B

# One entry per OpenAI-visible model name. endpoints is the resolver's
# round-robin pool of session tuples (spec.md §4.4); omit it to fall
# back to the top-level session block for that model.
models: []
# models:
#   - name: "lmarena/claude"
#     class: text
#     endpoints:
#       - session_id: ""
#         message_id: ""
#         mode: direct_chat
#         participant_position: a
#         type: text

recovery:
  enable_auto_retry: true
  retry_timeout_seconds: 60

empty_response_retry:
  enabled: true
  max_retries: 5
  base_delay_ms: 1000
  max_delay_ms: 30000
  show_retry_info_to_client: false

bypass:
  enabled: false
  image_attachment_bypass_enabled: false
  active_preset: ""
  presets: {}
  settings: {}

images:
  save_images_locally: true
  local_save_format: png
  image_return_format: url     # url | base64

file_bed:
  enabled: false
  selection_strategy: round_robin   # random | round_robin | failover
  endpoints: []

download:
  max_concurrent_downloads: 50
  download_timeout:
    connect: 10s
    sock_read: 30s
    total: 60s
  connection_pool:
    total_limit: 100
    per_host_limit: 20
    keepalive_timeout: 30s
    dns_cache_ttl: 5m

memory_management:
  gc_threshold_mb: 512
  image_cache_max_size: 256
  image_cache_ttl_seconds: 3600

metadata_timeout_minutes: 30
`
