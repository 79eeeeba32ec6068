// Package drive defines the remote storage boundary used by the backup syncer.
package drive

import (
	"context"
	"time"
)

// EntryType distinguishes files from folders.
type EntryType string

const (
	TypeFile   EntryType = "file"
	TypeFolder EntryType = "folder"
)

// Entry is an item in a remote folder.
type Entry struct {
	Name       string
	Path       string // path relative to the remote root
	Type       EntryType
	Size       int64
	ModifiedAt time.Time
}

// IsFolder reports whether the entry is a folder.
func (e Entry) IsFolder() bool {
	return e.Type == TypeFolder
}

// Drive is the set of remote operations a backup run needs.
type Drive interface {
	// List returns the entries of folder. An empty folder name lists the root.
	List(ctx context.Context, folder string) ([]Entry, error)
	// CreateFolder creates a folder at the root.
	CreateFolder(ctx context.Context, name string) error
	// Upload copies localPath into folder, keeping the file name.
	Upload(ctx context.Context, folder, localPath string) error
	// Delete removes a file entry.
	Delete(ctx context.Context, entry Entry) error
}
