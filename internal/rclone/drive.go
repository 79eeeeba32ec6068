package rclone

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/hassio-icloud-backup/icloud-backup/internal/drive"
)

// lsjsonItem is one element of "rclone lsjson" output.
type lsjsonItem struct {
	Path    string    `json:"Path"`
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

// Drive implements drive.Drive on top of an rclone remote.
type Drive struct {
	cli    *CLI
	remote string
}

var _ drive.Drive = (*Drive)(nil)

// Drive returns the file operations for the named remote.
func (c *CLI) Drive(remote string) *Drive {
	return &Drive{cli: c, remote: remote}
}

// target returns "remote:p".
func (d *Drive) target(p string) string {
	return d.remote + ":" + p
}

// List implements drive.Drive.
func (d *Drive) List(ctx context.Context, folder string) ([]drive.Entry, error) {
	out, err := d.cli.run(ctx, nil, "lsjson", d.target(folder))
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", folder, err)
	}
	return parseLSJSON(out, folder)
}

func parseLSJSON(data []byte, folder string) ([]drive.Entry, error) {
	var items []lsjsonItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse lsjson output: %w", err)
	}

	entries := make([]drive.Entry, 0, len(items))
	for _, it := range items {
		e := drive.Entry{
			Name:       it.Name,
			Path:       path.Join(folder, it.Path),
			Type:       drive.TypeFile,
			Size:       it.Size,
			ModifiedAt: it.ModTime,
		}
		if it.IsDir {
			e.Type = drive.TypeFolder
			e.Size = 0
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CreateFolder implements drive.Drive.
func (d *Drive) CreateFolder(ctx context.Context, name string) error {
	if _, err := d.cli.run(ctx, nil, "mkdir", d.target(name)); err != nil {
		return fmt.Errorf("failed to create folder %q: %w", name, err)
	}
	return nil
}

// Upload implements drive.Drive.
func (d *Drive) Upload(ctx context.Context, folder, localPath string) error {
	dst := d.target(path.Join(folder, filepath.Base(localPath)))
	if _, err := d.cli.run(ctx, nil, "copyto", localPath, dst); err != nil {
		return fmt.Errorf("failed to upload %s: %w", filepath.Base(localPath), err)
	}
	return nil
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, entry drive.Entry) error {
	if entry.IsFolder() {
		return fmt.Errorf("refusing to delete folder %q", entry.Path)
	}
	if _, err := d.cli.run(ctx, nil, "deletefile", d.target(entry.Path)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", entry.Path, err)
	}
	return nil
}
