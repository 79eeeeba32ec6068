package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Paths   PathsConfig   `yaml:"paths"`
	Rclone  RcloneConfig  `yaml:"rclone"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":8099")
}

// PathsConfig defines the files the daemon reads and writes
type PathsConfig struct {
	Options      string `yaml:"options"`       // Home Assistant add-on options (JSON)
	RcloneConfig string `yaml:"rclone_config"` // rclone configuration file holding the remote
	Marker       string `yaml:"marker"`        // sentinel written after a completed 2FA handshake
}

// RcloneConfig defines how the rclone binary is invoked
type RcloneConfig struct {
	Binary   string   `yaml:"binary"`    // rclone executable
	Remote   string   `yaml:"remote"`    // remote name inside the rclone config
	AuthArgs []string `yaml:"auth_args"` // arguments of the handshake command; "{remote}" is substituted
}

// AuthConfig defines the 2FA handshake behavior
type AuthConfig struct {
	SubmitTimeout  int      `yaml:"submit_timeout"`  // Seconds to wait for the helper after a code is submitted
	StartupDelay   int      `yaml:"startup_delay"`   // Seconds to let the helper reach the 2FA prompt
	PendingTimeout int      `yaml:"pending_timeout"` // Seconds a requested code stays valid (0 disables expiry)
	UsePTY         bool     `yaml:"use_pty"`         // Attach the helper to a pseudo terminal instead of pipes
	SuccessMarkers []string `yaml:"success_markers"` // Output substrings accepted as success when the exit code is not 0
}

// SyncConfig defines backup upload behavior
type SyncConfig struct {
	Interval      int    `yaml:"interval"`       // Seconds between backup passes (0 = only at startup)
	Concurrency   int    `yaml:"concurrency"`    // Parallel uploads
	Pattern       string `yaml:"pattern"`        // Glob of archives inside backup_source
	SkipExisting  bool   `yaml:"skip_existing"`  // Skip archives already uploaded with the same size
	Watch         bool   `yaml:"watch"`          // Run a pass when new archives appear
	WatchDebounce int    `yaml:"watch_debounce"` // Seconds of quiet before a watch-triggered pass
	UploadTimeout int    `yaml:"upload_timeout"` // Seconds allowed per rclone invocation
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	File       string `yaml:"file"`        // optional rotated log file, in addition to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"` // rotate after this many megabytes
	MaxBackups int    `yaml:"max_backups"` // rotated files to keep
}

// Load reads and parses the configuration file.
// An empty path yields the defaults (with environment overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration matching the add-on container layout
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":8099",
		},
		Paths: PathsConfig{
			Options:      "/data/options.json",
			RcloneConfig: "/root/.config/rclone/rclone.conf",
			Marker:       "/data/icloud_session_configured",
		},
		Rclone: RcloneConfig{
			Binary:   "rclone",
			Remote:   "icloud",
			AuthArgs: []string{"lsf", "{remote}:", "--max-depth", "1", "-vv"},
		},
		Auth: AuthConfig{
			SubmitTimeout:  30,
			StartupDelay:   3,
			PendingTimeout: 0,
			UsePTY:         false,
			SuccessMarkers: []string{"success", "trust token"},
		},
		Sync: SyncConfig{
			Interval:      0,
			Concurrency:   2,
			Pattern:       "*.tar",
			SkipExisting:  true,
			Watch:         false,
			WatchDebounce: 30,
			UploadTimeout: 1800,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Home Assistant ingress hands the port to the add-on
	if v := os.Getenv("INGRESS_PORT"); v != "" {
		c.Listen.HTTP = ":" + v
	}
	if v := os.Getenv("ICLOUD_BACKUP_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}

	if v := os.Getenv("ICLOUD_BACKUP_OPTIONS"); v != "" {
		c.Paths.Options = v
	}
	if v := os.Getenv("ICLOUD_BACKUP_RCLONE_CONFIG"); v != "" {
		c.Paths.RcloneConfig = v
	}

	if v := os.Getenv("ICLOUD_BACKUP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ICLOUD_BACKUP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("ICLOUD_BACKUP_SUBMIT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.SubmitTimeout = n
		}
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	if c.Paths.Options == "" {
		return fmt.Errorf("paths.options is required")
	}
	if c.Paths.RcloneConfig == "" {
		return fmt.Errorf("paths.rclone_config is required")
	}
	if c.Paths.Marker == "" {
		return fmt.Errorf("paths.marker is required")
	}

	if c.Rclone.Binary == "" {
		return fmt.Errorf("rclone.binary is required")
	}
	if c.Rclone.Remote == "" {
		return fmt.Errorf("rclone.remote is required")
	}
	if strings.ContainsAny(c.Rclone.Remote, ":[]\n ") {
		return fmt.Errorf("rclone.remote must be a plain remote name")
	}
	if len(c.Rclone.AuthArgs) == 0 {
		return fmt.Errorf("rclone.auth_args must not be empty")
	}

	// Validate auth config
	if c.Auth.SubmitTimeout <= 0 {
		return fmt.Errorf("auth.submit_timeout must be positive")
	}
	if c.Auth.SubmitTimeout > 300 {
		return fmt.Errorf("auth.submit_timeout should not exceed 300 seconds")
	}
	if c.Auth.StartupDelay < 0 {
		return fmt.Errorf("auth.startup_delay must not be negative")
	}
	if c.Auth.PendingTimeout < 0 {
		return fmt.Errorf("auth.pending_timeout must not be negative")
	}

	// Validate sync config
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if c.Sync.Pattern == "" {
		return fmt.Errorf("sync.pattern is required")
	}
	if strings.Contains(c.Sync.Pattern, "/") {
		return fmt.Errorf("sync.pattern must match file names, not paths")
	}
	if c.Sync.WatchDebounce < 0 {
		return fmt.Errorf("sync.watch_debounce must not be negative")
	}
	if c.Sync.UploadTimeout <= 0 {
		return fmt.Errorf("sync.upload_timeout must be positive")
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be positive when log.file is set")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
// When a log file is configured, records go to stderr and to the rotated file.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}
