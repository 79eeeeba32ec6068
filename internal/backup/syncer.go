// Package backup uploads local backup archives to the remote drive and
// applies the retention window.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/hassio-icloud-backup/icloud-backup/internal/config"
	"github.com/hassio-icloud-backup/icloud-backup/internal/drive"
)

// OptionsLoader reads the add-on options. Each pass loads them again.
type OptionsLoader interface {
	Load() (*config.Options, error)
}

// Recorder receives per-file and per-pass outcomes.
type Recorder interface {
	UploadFinished(ok bool, size int64)
	DeleteFinished(ok bool)
	SyncFinished(t time.Time, ok bool)
}

type noopRecorder struct{}

func (noopRecorder) UploadFinished(bool, int64)   {}
func (noopRecorder) DeleteFinished(bool)          {}
func (noopRecorder) SyncFinished(time.Time, bool) {}

// Settings tunes a Syncer.
type Settings struct {
	Pattern       string        // glob of archive file names
	Concurrency   int           // parallel uploads
	SkipExisting  bool          // skip archives already present remotely with the same size
	UploadTimeout time.Duration // per upload; 0 means no limit
}

// Report summarizes one pass.
type Report struct {
	RunID         string
	Folder        string
	Uploaded      int
	UploadedBytes int64
	Skipped       int
	UploadFailed  int
	Deleted       int
	DeleteFailed  int
	Duration      time.Duration
}

// Failed reports whether any file operation failed.
func (r *Report) Failed() bool {
	return r.UploadFailed > 0 || r.DeleteFailed > 0
}

// Syncer runs backup passes.
type Syncer struct {
	drive    drive.Drive
	options  OptionsLoader
	settings Settings
	recorder Recorder
	now      func() time.Time
}

// NewSyncer creates a Syncer. recorder may be nil.
func NewSyncer(d drive.Drive, options OptionsLoader, settings Settings, recorder Recorder) *Syncer {
	if settings.Pattern == "" {
		settings.Pattern = "*.tar"
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Syncer{
		drive:    d,
		options:  options,
		settings: settings,
		recorder: recorder,
		now:      time.Now,
	}
}

// localArchive is a file in the source directory matching the pattern.
type localArchive struct {
	path string
	name string
	size int64
}

// Run executes one pass: resolve or create the folder, upload archives, then
// delete remote files older than the retention window. Individual upload and
// delete failures are counted in the report; only a missing source directory,
// an unusable folder or unreadable options abort the pass with an error.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	report := &Report{RunID: uuid.NewString()}
	log := slog.With("run_id", report.RunID)

	err := s.run(ctx, log, report)
	report.Duration = s.now().Sub(start)
	s.recorder.SyncFinished(s.now(), err == nil && !report.Failed())

	if err != nil {
		log.Error("backup pass aborted", "error", err)
		return report, err
	}

	log.Info("backup pass finished",
		"folder", report.Folder,
		"uploaded", report.Uploaded,
		"uploaded_size", humanize.Bytes(uint64(report.UploadedBytes)),
		"skipped", report.Skipped,
		"upload_failed", report.UploadFailed,
		"deleted", report.Deleted,
		"delete_failed", report.DeleteFailed,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

func (s *Syncer) run(ctx context.Context, log *slog.Logger, report *Report) error {
	opts, err := s.options.Load()
	if err != nil {
		return fmt.Errorf("failed to load options: %w", err)
	}
	report.Folder = opts.Folder

	archives, err := s.findArchives(opts.BackupSource)
	if err != nil {
		return err
	}

	if err := s.resolveFolder(ctx, opts.Folder); err != nil {
		return err
	}

	remote, err := s.drive.List(ctx, opts.Folder)
	if err != nil {
		return fmt.Errorf("failed to list backup folder: %w", err)
	}
	remoteFiles := make(map[string]drive.Entry, len(remote))
	for _, e := range remote {
		if !e.IsFolder() {
			remoteFiles[e.Name] = e
		}
	}

	log.Info("starting backup pass",
		"source", opts.BackupSource,
		"folder", opts.Folder,
		"archives", len(archives),
		"remote_files", len(remoteFiles),
	)

	s.upload(ctx, log, opts.Folder, archives, remoteFiles, report)

	if err := ctx.Err(); err != nil {
		return err
	}

	s.applyRetention(ctx, log, opts.RetentionDays, remote, archives, report)
	return ctx.Err()
}

func (s *Syncer) findArchives(source string) ([]localArchive, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("backup source %s not accessible: %w", source, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup source %s is not a directory", source)
	}

	matches, err := filepath.Glob(filepath.Join(source, s.settings.Pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid archive pattern: %w", err)
	}
	sort.Strings(matches)

	archives := make([]localArchive, 0, len(matches))
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		archives = append(archives, localArchive{path: m, name: fi.Name(), size: fi.Size()})
	}
	return archives, nil
}

// resolveFolder creates the backup folder at the remote root unless it exists.
func (s *Syncer) resolveFolder(ctx context.Context, folder string) error {
	root, err := s.drive.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list remote root: %w", err)
	}
	for _, e := range root {
		if e.IsFolder() && e.Name == folder {
			return nil
		}
	}

	slog.Info("creating backup folder", "folder", folder)
	if err := s.drive.CreateFolder(ctx, folder); err != nil {
		return fmt.Errorf("failed to create backup folder: %w", err)
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, log *slog.Logger, folder string, archives []localArchive,
	remoteFiles map[string]drive.Entry, report *Report) {

	if len(archives) == 0 {
		return
	}

	var mu sync.Mutex
	pool := pond.New(s.settings.Concurrency, len(archives), pond.Context(ctx))

	for _, a := range archives {
		if existing, ok := remoteFiles[a.name]; ok && s.settings.SkipExisting && existing.Size == a.size {
			log.Debug("archive already uploaded", "file", a.name)
			report.Skipped++
			continue
		}

		if ctx.Err() != nil {
			break
		}
		// The pool stops itself once ctx is cancelled
		submitted := pool.TrySubmit(func() {
			err := s.uploadOne(ctx, folder, a)
			s.recorder.UploadFinished(err == nil, a.size)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("upload failed", "file", a.name, "error", err)
				report.UploadFailed++
				return
			}
			log.Info("uploaded archive", "file", a.name, "size", humanize.Bytes(uint64(a.size)))
			report.Uploaded++
			report.UploadedBytes += a.size
		})
		if !submitted {
			break
		}
	}

	pool.StopAndWait()
}

func (s *Syncer) uploadOne(ctx context.Context, folder string, a localArchive) error {
	if s.settings.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.UploadTimeout)
		defer cancel()
	}
	err := s.drive.Upload(ctx, folder, a.path)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("upload exceeded %s: %w", s.settings.UploadTimeout, err)
	}
	return err
}

// applyRetention deletes remote files last modified before the retention
// window. Files still present in the source directory are kept so the next
// pass does not upload them again, and files without a modification time are
// never deleted.
func (s *Syncer) applyRetention(ctx context.Context, log *slog.Logger, days int, remote []drive.Entry,
	archives []localArchive, report *Report) {

	if days <= 0 {
		log.Debug("retention disabled")
		return
	}

	local := make(map[string]bool, len(archives))
	for _, a := range archives {
		local[a.name] = true
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	for _, e := range remote {
		if e.IsFolder() || e.ModifiedAt.IsZero() || !e.ModifiedAt.Before(cutoff) || local[e.Name] {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		err := s.drive.Delete(ctx, e)
		s.recorder.DeleteFinished(err == nil)
		if err != nil {
			log.Error("failed to delete old backup", "file", e.Name, "error", err)
			report.DeleteFailed++
			continue
		}
		log.Info("deleted old backup", "file", e.Name, "modified", e.ModifiedAt.Format(time.RFC3339))
		report.Deleted++
	}
}
