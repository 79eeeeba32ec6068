package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen.HTTP != ":8099" {
		t.Errorf("expected HTTP listen :8099, got %s", cfg.Listen.HTTP)
	}

	if cfg.Auth.SubmitTimeout != 30 {
		t.Errorf("expected submit timeout 30, got %d", cfg.Auth.SubmitTimeout)
	}

	if cfg.Paths.Marker != "/data/icloud_session_configured" {
		t.Errorf("unexpected marker path %s", cfg.Paths.Marker)
	}

	if cfg.Sync.Pattern != "*.tar" {
		t.Errorf("expected pattern *.tar, got %s", cfg.Sync.Pattern)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config",
			configYAML: `
listen:
  http: ":8100"
paths:
  options: "/tmp/options.json"
auth:
  submit_timeout: 45
  use_pty: true
sync:
  interval: 86400
  concurrency: 4
log:
  level: "debug"
  format: "json"
`,
			wantErr: false,
		},
		{
			name: "zero submit timeout",
			configYAML: `
auth:
  submit_timeout: 0
`,
			wantErr:     true,
			errContains: "submit_timeout must be positive",
		},
		{
			name: "remote with colon",
			configYAML: `
rclone:
  remote: "icloud:"
`,
			wantErr:     true,
			errContains: "plain remote name",
		},
		{
			name: "pattern with path",
			configYAML: `
sync:
  pattern: "sub/*.tar"
`,
			wantErr:     true,
			errContains: "file names, not paths",
		},
		{
			name: "invalid log level",
			configYAML: `
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.configYAML), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want error containing %v", err, tt.errContains)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if cfg == nil {
					t.Error("expected config, got nil")
				}
			}
		})
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  http: \":9999\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen.HTTP != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.Listen.HTTP)
	}
	if cfg.Rclone.Remote != "icloud" {
		t.Errorf("expected default remote icloud, got %s", cfg.Rclone.Remote)
	}
	if len(cfg.Auth.SuccessMarkers) != 2 {
		t.Errorf("expected default success markers, got %v", cfg.Auth.SuccessMarkers)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Listen.HTTP != ":8099" {
		t.Errorf("expected default listen, got %s", cfg.Listen.HTTP)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("INGRESS_PORT", "8123")
	t.Setenv("ICLOUD_BACKUP_LOG_LEVEL", "debug")
	t.Setenv("ICLOUD_BACKUP_SUBMIT_TIMEOUT", "45")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen.HTTP != ":8123" {
		t.Errorf("expected listen ':8123', got '%s'", cfg.Listen.HTTP)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}

	if cfg.Auth.SubmitTimeout != 45 {
		t.Errorf("expected submit timeout 45, got %d", cfg.Auth.SubmitTimeout)
	}
}

func TestExplicitListenOverridesIngressPort(t *testing.T) {
	t.Setenv("INGRESS_PORT", "8123")
	t.Setenv("ICLOUD_BACKUP_LISTEN_HTTP", "127.0.0.1:7000")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.HTTP != "127.0.0.1:7000" {
		t.Errorf("expected explicit listen address, got %s", cfg.Listen.HTTP)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "submit timeout too high",
			modify: func(c *Config) {
				c.Auth.SubmitTimeout = 900
			},
			wantErr: true,
			errMsg:  "should not exceed 300",
		},
		{
			name: "negative pending timeout",
			modify: func(c *Config) {
				c.Auth.PendingTimeout = -1
			},
			wantErr: true,
			errMsg:  "must not be negative",
		},
		{
			name: "zero concurrency",
			modify: func(c *Config) {
				c.Sync.Concurrency = 0
			},
			wantErr: true,
			errMsg:  "concurrency must be positive",
		},
		{
			name: "empty auth args",
			modify: func(c *Config) {
				c.Rclone.AuthArgs = nil
			},
			wantErr: true,
			errMsg:  "auth_args must not be empty",
		},
		{
			name: "log file without size",
			modify: func(c *Config) {
				c.Log.File = "/tmp/icloud-backup.log"
				c.Log.MaxSizeMB = 0
			},
			wantErr: true,
			errMsg:  "max_size_mb must be positive",
		},
		{
			name: "missing marker path",
			modify: func(c *Config) {
				c.Paths.Marker = ""
			},
			wantErr: true,
			errMsg:  "paths.marker is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()

			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want error containing %v", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to be enabled")
	}

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info logs to be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error logs to be enabled")
	}
}

func TestSetupLoggingToFile(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	logFile := filepath.Join(t.TempDir(), "addon.log")
	SetupLogging(&LogConfig{Level: "info", Format: "text", File: logFile, MaxSizeMB: 1, MaxBackups: 1})

	slog.Info("hello from test")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing record: %q", string(data))
	}
}
