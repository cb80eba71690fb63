// Package config defines the bridge's typed configuration surface —
// every key recognized by spec.md §6 — and loads/validates it via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object. Every field below corresponds
// to a recognized key in spec.md §6; unknown keys in the source file are
// ignored without a warning (see Load), not rejected.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Models   []ModelConfig  `mapstructure:"models"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Retry    RetryConfig    `mapstructure:"empty_response_retry"`
	Bypass   BypassConfig   `mapstructure:"bypass"`
	Images   ImagesConfig   `mapstructure:"images"`
	FileBed  FileBedConfig  `mapstructure:"file_bed"`
	Download DownloadConfig `mapstructure:"download"`
	Memory   MemoryConfig   `mapstructure:"memory_management"`

	// MetadataTimeoutMinutes bounds how long a Request's metadata may
	// live in the registry before the sweeper reclaims it (spec.md §5).
	MetadataTimeoutMinutes int `mapstructure:"metadata_timeout_minutes"`
}

// ServerConfig controls the HTTP+WS listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// AuthConfig is the optional bearer key gating the OpenAI-compatible API.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SessionConfig is the default resolver tuple used when a model has no
// per-model endpoint list (spec.md §4.4).
type SessionConfig struct {
	SessionID   string `mapstructure:"session_id"`
	MessageID   string `mapstructure:"message_id"`
	Mode        string `mapstructure:"id_updater_last_mode"`     // direct_chat | battle
	BattleTarget string `mapstructure:"id_updater_battle_target"` // A | B
}

// ModelConfig maps one OpenAI-visible model name to a class and,
// optionally, a round-robin pool of session tuples (spec.md §3/§4.4).
type ModelConfig struct {
	Name      string         `mapstructure:"name"`
	Class     string         `mapstructure:"class"` // text | image | search
	Endpoints []SessionTuple `mapstructure:"endpoints"`
}

// SessionTuple is one resolver entry: a handle the upstream UI needs to
// retry a chat turn (spec.md GLOSSARY).
type SessionTuple struct {
	SessionID           string `mapstructure:"session_id"`
	MessageID           string `mapstructure:"message_id"`
	Mode                string `mapstructure:"mode"`
	ParticipantPosition string `mapstructure:"participant_position"`
	Type                string `mapstructure:"type"`
}

// RecoveryConfig governs disconnect recovery (spec.md §4.8 server-side).
type RecoveryConfig struct {
	EnableAutoRetry     bool `mapstructure:"enable_auto_retry"`
	RetryTimeoutSeconds int  `mapstructure:"retry_timeout_seconds"`
}

// RetryConfig governs the agent-side empty-response retry contract
// (spec.md §4.8). The bridge neither reads these values nor sends them
// to the agent; the retry loop itself runs in the browser agent, and the
// Stream Processor drops its advisory frames.
type RetryConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	MaxRetries            int  `mapstructure:"max_retries"`
	BaseDelayMS           int  `mapstructure:"base_delay_ms"`
	MaxDelayMS            int  `mapstructure:"max_delay_ms"`
	ShowRetryInfoToClient bool `mapstructure:"show_retry_info_to_client"`
}

// BypassConfig governs the moderation-bypass template policy (spec.md §4.5).
type BypassConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	ImageAttachmentBypass bool              `mapstructure:"image_attachment_bypass_enabled"`
	PerClass              map[string]*bool  `mapstructure:"settings"`
	ActivePreset          string            `mapstructure:"active_preset"`
	Presets               map[string]string `mapstructure:"presets"`
}

// ImagesConfig governs image-descriptor resolution and local archiving.
type ImagesConfig struct {
	SaveLocally     bool   `mapstructure:"save_images_locally"`
	LocalSaveFormat string `mapstructure:"local_save_format"`
	ReturnFormat    string `mapstructure:"image_return_format"` // url | base64
}

// FileBedConfig governs the out-of-scope file-bed upload collaborator
// this bridge merely selects an endpoint for (spec.md §1).
type FileBedConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	SelectionStrategy string   `mapstructure:"selection_strategy"` // random | round_robin | failover
	Endpoints         []string `mapstructure:"endpoints"`
}

// DownloadConfig governs the Download Pool (spec.md §4.9).
type DownloadConfig struct {
	MaxConcurrent  int                  `mapstructure:"max_concurrent_downloads"`
	Timeout        DownloadTimeout      `mapstructure:"download_timeout"`
	ConnectionPool ConnectionPoolConfig `mapstructure:"connection_pool"`
}

// DownloadTimeout splits out the phases of one download attempt.
type DownloadTimeout struct {
	Connect  time.Duration `mapstructure:"connect"`
	SockRead time.Duration `mapstructure:"sock_read"`
	Total    time.Duration `mapstructure:"total"`
}

// ConnectionPoolConfig tunes the Download Pool's shared http.Client.
type ConnectionPoolConfig struct {
	TotalLimit       int           `mapstructure:"total_limit"`
	PerHostLimit     int           `mapstructure:"per_host_limit"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
	DNSCacheTTL      time.Duration `mapstructure:"dns_cache_ttl"`
}

// MemoryConfig bounds the Image Cache (spec.md §3/§8).
type MemoryConfig struct {
	GCThresholdMB        int `mapstructure:"gc_threshold_mb"`
	ImageCacheMaxSizeMB  int `mapstructure:"image_cache_max_size"`
	ImageCacheTTLSeconds int `mapstructure:"image_cache_ttl_seconds"`
}

// Defaults mirror the values named throughout spec.md §5/§6.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, Mode: "release"},
		Log:    LogConfig{Level: "info", Format: "json", OutputPath: "stdout"},
		Session: SessionConfig{
			Mode:         "direct_chat",
			BattleTarget: "A",
		},
		Recovery: RecoveryConfig{
			EnableAutoRetry:     true,
			RetryTimeoutSeconds: 60,
		},
		Retry: RetryConfig{
			Enabled:     true,
			MaxRetries:  5,
			BaseDelayMS: 1000,
			MaxDelayMS:  30000,
		},
		Bypass: BypassConfig{
			PerClass: map[string]*bool{},
			Presets:  map[string]string{},
		},
		Images: ImagesConfig{
			LocalSaveFormat: "png",
			ReturnFormat:    "url",
		},
		FileBed: FileBedConfig{
			SelectionStrategy: "round_robin",
		},
		Download: DownloadConfig{
			MaxConcurrent: 50,
			Timeout: DownloadTimeout{
				Connect:  10 * time.Second,
				SockRead: 30 * time.Second,
				Total:    60 * time.Second,
			},
			ConnectionPool: ConnectionPoolConfig{
				TotalLimit:       100,
				PerHostLimit:     20,
				KeepaliveTimeout: 30 * time.Second,
				DNSCacheTTL:      5 * time.Minute,
			},
		},
		Memory: MemoryConfig{
			GCThresholdMB:        512,
			ImageCacheMaxSizeMB:  256,
			ImageCacheTTLSeconds: 3600,
		},
		MetadataTimeoutMinutes: 30,
	}
}

// Load reads configPath (if non-empty) over the defaults, with environment
// variable overrides under the BRIDGE_ prefix. Unknown keys are tolerated
// (Viper's plain Unmarshal, not UnmarshalExact) since older/newer config
// files shouldn't fail the whole process over one unrecognized field.
func Load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("BRIDGE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Validate rejects invalid combinations at load time, per spec.md §9's
// "configuration as enumerated effects" design note.
func (c *Config) Validate() error {
	if c.FileBed.Enabled && len(c.FileBed.Endpoints) == 0 {
		return fmt.Errorf("file_bed.enabled is true but file_bed.endpoints is empty")
	}
	switch c.FileBed.SelectionStrategy {
	case "", "random", "round_robin", "failover":
	default:
		return fmt.Errorf("file_bed.selection_strategy %q is not one of random|round_robin|failover", c.FileBed.SelectionStrategy)
	}
	switch c.Images.ReturnFormat {
	case "", "url", "base64":
	default:
		return fmt.Errorf("images.image_return_format %q is not one of url|base64", c.Images.ReturnFormat)
	}
	switch c.Session.Mode {
	case "", "direct_chat", "battle":
	default:
		return fmt.Errorf("session.id_updater_last_mode %q is not one of direct_chat|battle", c.Session.Mode)
	}
	if c.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("download.max_concurrent_downloads must be positive")
	}
	return nil
}

// ModelNames returns the union of configured model names (for GET /v1/models).
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.Name)
	}
	return names
}

// ModelByName looks up a model's configuration by its OpenAI-visible name.
func (c *Config) ModelByName(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// BypassAllowed applies spec.md §4.5's gating policy: the global toggle is
// authoritative, and a per-class override can only narrow it further.
func (c *Config) BypassAllowed(class string) bool {
	if !c.Bypass.Enabled {
		return false
	}
	if override, ok := c.Bypass.PerClass[class]; ok && override != nil {
		return *override
	}
	// Absent per-class config, image and search default off (spec.md §4.5).
	if class == "image" || class == "search" {
		return false
	}
	return true
}
