// Package credstore persists the rclone remote credentials and the marker
// recording that a trusted iCloud session has been established.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// remoteFormat is the rclone config section for an iCloud Drive remote.
	// The password must already be in rclone's obscured form.
	remoteFormat = "[%s]\ntype = iclouddrive\napple_id = %s\npassword = %s\n"

	// markerContent is written to the marker file on handshake success.
	markerContent = "configured"
)

// Encoder turns a plaintext password into the obscured form rclone expects
// in its config file. It is an encoding, not encryption.
type Encoder interface {
	Obscure(ctx context.Context, plaintext string) (string, error)
}

// Store writes the remote configuration file and the configured marker.
type Store struct {
	remoteConfigPath string
	remoteName       string
	markerPath       string
	encoder          Encoder
}

// New creates a Store for the given rclone config file, remote name and marker file.
func New(remoteConfigPath, remoteName, markerPath string, encoder Encoder) *Store {
	return &Store{
		remoteConfigPath: remoteConfigPath,
		remoteName:       remoteName,
		markerPath:       markerPath,
		encoder:          encoder,
	}
}

// RemoteConfigPath returns the path of the rclone config file.
func (s *Store) RemoteConfigPath() string {
	return s.remoteConfigPath
}

// WriteRemote obscures the password and writes the remote section to the
// rclone config file with 0600 permissions, replacing any previous content.
func (s *Store) WriteRemote(ctx context.Context, username, password string) error {
	if s.remoteConfigPath == "" {
		return fmt.Errorf("rclone config path is empty")
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	// A newline would let the value inject extra config keys
	if strings.ContainsAny(username, "\r\n") {
		return fmt.Errorf("username must not contain line breaks")
	}
	if s.encoder == nil {
		return fmt.Errorf("no password encoder configured")
	}

	obscured, err := s.encoder.Obscure(ctx, password)
	if err != nil {
		return fmt.Errorf("failed to obscure password: %w", err)
	}
	if obscured == "" || strings.ContainsAny(obscured, "\r\n") {
		return fmt.Errorf("password encoder returned an unusable value")
	}

	if err := os.MkdirAll(filepath.Dir(s.remoteConfigPath), 0700); err != nil {
		return fmt.Errorf("failed to create rclone config directory: %w", err)
	}

	content := fmt.Sprintf(remoteFormat, s.remoteName, username, obscured)
	if err := writeFileAtomic(s.remoteConfigPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write rclone config: %w", err)
	}

	slog.Debug("wrote rclone remote config", "path", s.remoteConfigPath, "remote", s.remoteName)
	return nil
}

// MarkConfigured records that a trusted session exists.
func (s *Store) MarkConfigured() error {
	if s.markerPath == "" {
		return fmt.Errorf("marker path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(s.markerPath), 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	if err := os.WriteFile(s.markerPath, []byte(markerContent), 0600); err != nil {
		return fmt.Errorf("failed to write configured marker: %w", err)
	}

	slog.Debug("wrote configured marker", "path", s.markerPath)
	return nil
}

// Configured reports whether the marker file exists.
func (s *Store) Configured() bool {
	if s.markerPath == "" {
		return false
	}
	_, err := os.Stat(s.markerPath)
	return err == nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place so readers never observe a partially written config.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
