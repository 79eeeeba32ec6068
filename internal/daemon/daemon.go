// Package daemon orchestrates all the components of the iCloud backup add-on.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hassio-icloud-backup/icloud-backup/internal/backup"
	"github.com/hassio-icloud-backup/icloud-backup/internal/config"
	"github.com/hassio-icloud-backup/icloud-backup/internal/credstore"
	"github.com/hassio-icloud-backup/icloud-backup/internal/handshake"
	"github.com/hassio-icloud-backup/icloud-backup/internal/helper"
	"github.com/hassio-icloud-backup/icloud-backup/internal/httpserver"
	"github.com/hassio-icloud-backup/icloud-backup/internal/metrics"
	"github.com/hassio-icloud-backup/icloud-backup/internal/rclone"
)

// ErrNotConfigured is returned by SyncOnce before a 2FA handshake has completed.
var ErrNotConfigured = errors.New("iCloud session not configured; complete the 2FA handshake first")

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      *credstore.Store
	controller *handshake.Controller
	httpServer *httpserver.Server
	scheduler  *backup.Scheduler
	watcher    *backup.Watcher
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	cli := rclone.NewCLI(cfg.Rclone.Binary, cfg.Paths.RcloneConfig, nil)
	store := credstore.New(cfg.Paths.RcloneConfig, cfg.Rclone.Remote, cfg.Paths.Marker, cli)
	options := config.OptionsFile(cfg.Paths.Options)

	slog.Info("credential store initialized",
		"rclone_config", store.RemoteConfigPath(),
		"remote", cfg.Rclone.Remote,
		"configured", store.Configured(),
	)

	scheduler := backup.NewScheduler(
		newSyncer(cfg, cli, options, m),
		store.Configured,
		time.Duration(cfg.Sync.Interval)*time.Second,
	)

	controller := handshake.New(store, newLauncher(cfg, cli), handshake.Options{
		SubmitTimeout:  time.Duration(cfg.Auth.SubmitTimeout) * time.Second,
		SettleDelay:    time.Duration(cfg.Auth.StartupDelay) * time.Second,
		PendingTimeout: time.Duration(cfg.Auth.PendingTimeout) * time.Second,
		SuccessMarkers: cfg.Auth.SuccessMarkers,
		Recorder:       recorder(m),
		OnSuccess: func(username string) {
			slog.Info("2FA handshake completed, scheduling backup pass", "username", username)
			scheduler.Trigger()
		},
	})

	slog.Info("handshake controller initialized",
		"submit_timeout", cfg.Auth.SubmitTimeout,
		"startup_delay", cfg.Auth.StartupDelay,
		"use_pty", cfg.Auth.UsePTY,
	)

	httpServer := httpserver.NewServer(cfg, controller, options, m)

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"metrics", m != nil,
	)

	d := &Daemon{
		cfg:        cfg,
		store:      store,
		controller: controller,
		httpServer: httpServer,
		scheduler:  scheduler,
	}

	if cfg.Sync.Watch {
		d.watcher = newWatcher(cfg, options, scheduler.Trigger)
	}

	return d, nil
}

// newLauncher returns the launcher for the rclone handshake command.
func newLauncher(cfg *config.Config, cli *rclone.CLI) helper.Launcher {
	cmd := cli.AuthCommand(cfg.Rclone.Remote, cfg.Rclone.AuthArgs)
	if cfg.Auth.UsePTY {
		return helper.NewPTYLauncher(cmd)
	}
	return helper.NewExecLauncher(cmd)
}

func newSyncer(cfg *config.Config, cli *rclone.CLI, options backup.OptionsLoader, m *metrics.Metrics) *backup.Syncer {
	var rec backup.Recorder
	if m != nil {
		rec = m
	}
	return backup.NewSyncer(cli.Drive(cfg.Rclone.Remote), options, backup.Settings{
		Pattern:       cfg.Sync.Pattern,
		Concurrency:   cfg.Sync.Concurrency,
		SkipExisting:  cfg.Sync.SkipExisting,
		UploadTimeout: time.Duration(cfg.Sync.UploadTimeout) * time.Second,
	}, rec)
}

// newWatcher watches the backup source named in the options at startup.
// It returns nil when the options cannot be read.
func newWatcher(cfg *config.Config, options backup.OptionsLoader, trigger func()) *backup.Watcher {
	opts, err := options.Load()
	if err != nil {
		slog.Warn("backup source watch disabled", "error", err)
		return nil
	}
	debounce := time.Duration(cfg.Sync.WatchDebounce) * time.Second
	return backup.NewWatcher(opts.BackupSource, cfg.Sync.Pattern, debounce, trigger)
}

// recorder avoids handing a typed nil pointer to the controller.
func recorder(m *metrics.Metrics) handshake.Recorder {
	if m == nil {
		return nil
	}
	return m
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) error {
	slog.Info("starting iCloud backup daemon", "configured", d.store.Configured())

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	syncCtx, cancelSync := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.scheduler.Run(syncCtx)
	}()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			slog.Warn("backup source watch disabled", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			slog.Error("error stopping watcher", "error", err)
		}
	}

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	// Kill any helper still waiting for a code
	d.controller.Stop()

	// An in-flight upload is cancelled and retried by the next start
	cancelSync()
	wg.Wait()

	slog.Info("daemon shutdown complete")
	return runErr
}

// SyncOnce runs a single backup pass without starting the HTTP server.
func SyncOnce(ctx context.Context, cfg *config.Config) (*backup.Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cli := rclone.NewCLI(cfg.Rclone.Binary, cfg.Paths.RcloneConfig, nil)
	store := credstore.New(cfg.Paths.RcloneConfig, cfg.Rclone.Remote, cfg.Paths.Marker, cli)
	if !store.Configured() {
		return nil, ErrNotConfigured
	}

	return newSyncer(cfg, cli, config.OptionsFile(cfg.Paths.Options), nil).Run(ctx)
}
