package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Keys of the Home Assistant add-on options file.
const (
	UsernameKey      = "icloud_username"
	PasswordKey      = "icloud_password"
	BackupSourceKey  = "backup_source"
	FolderKey        = "icloud_folder"
	RetentionDaysKey = "retention_days"
)

// Defaults applied when the options file omits a key.
const (
	DefaultBackupSource  = "/backup"
	DefaultFolder        = "HomeAssistantBackups"
	DefaultRetentionDays = 14
)

// Options are the user-facing add-on options.
// They are read fresh for every request and never cached.
type Options struct {
	Username      string
	Password      string
	BackupSource  string
	Folder        string
	RetentionDays int
}

// HasCredentials reports whether both username and password are set.
func (o *Options) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// Redact returns a copy of the options with the password masked for safe logging.
func (o *Options) Redact() *Options {
	redacted := *o
	if redacted.Password != "" {
		redacted.Password = "[REDACTED]"
	}
	return &redacted
}

// DefaultOptions returns the options used when the file is absent.
func DefaultOptions() *Options {
	return &Options{
		BackupSource:  DefaultBackupSource,
		Folder:        DefaultFolder,
		RetentionDays: DefaultRetentionDays,
	}
}

// LoadOptions reads the add-on options file. A missing file is not an error:
// it yields DefaultOptions with empty credentials.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultOptions(), nil
		}
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), json.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse options file: %w", err)
	}

	opts := DefaultOptions()
	opts.Username = k.String(UsernameKey)
	opts.Password = k.String(PasswordKey)
	if v := k.String(BackupSourceKey); v != "" {
		opts.BackupSource = v
	}
	if v := k.String(FolderKey); v != "" {
		opts.Folder = v
	}
	if k.Exists(RetentionDaysKey) {
		opts.RetentionDays = k.Int(RetentionDaysKey)
	}

	return opts, nil
}

// OptionsFile loads options from a fixed path on every call.
type OptionsFile string

// Load implements the options source used by the handshake controller,
// the HTTP handlers and the backup syncer.
func (f OptionsFile) Load() (*Options, error) {
	return LoadOptions(string(f))
}
