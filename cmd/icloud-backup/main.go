package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/hassio-icloud-backup/icloud-backup/internal/api"
	"github.com/hassio-icloud-backup/icloud-backup/internal/backup"
	"github.com/hassio-icloud-backup/icloud-backup/internal/config"
	"github.com/hassio-icloud-backup/icloud-backup/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
	daemonAddr string
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitNotAuthed  = 2 // sync: 2FA handshake not completed
	ExitConfig     = 3
	ExitPartialRun = 4 // sync: some uploads or deletes failed
)

const defaultDaemonURL = "http://localhost:8099"

var rootCmd = &cobra.Command{
	Use:   "icloud-backup",
	Short: "Home Assistant backups to iCloud Drive",
	Long: `Uploads Home Assistant backup archives to iCloud Drive through rclone.

Apple requires a one-time two-factor handshake before rclone may use the
account. The daemon exposes a small HTTP API for it:

  1. POST /request_code  - Apple sends a code to your trusted devices
  2. POST /submit_code   - submit the 6-digit code
  3. GET  /status        - follow the handshake

Backups start automatically once the handshake has completed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup daemon",
	Long: `Start the daemon that serves the 2FA handshake API and uploads backups.

The daemon:
  - Serves the handshake API, health checks and metrics
  - Runs a backup pass at startup, on the configured interval and after
    each completed handshake
  - Optionally watches the backup source for new archives

This mode is the add-on entrypoint.`,
	RunE: runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single backup pass",
	Long: `Upload pending archives and apply the retention window once, then exit.

Exit codes:
  0 = Pass completed
  1 = Pass aborted
  2 = 2FA handshake not completed
  4 = Pass completed with failed uploads or deletes`,
	RunE: runSync,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Drive the 2FA handshake of a running daemon",
}

var authRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask Apple to send a 2FA code",
	Args:  cobra.NoArgs,
	RunE:  runAuthRequest,
}

var authSubmitCmd = &cobra.Command{
	Use:   "submit <code>",
	Short: "Submit the 6-digit 2FA code",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSubmit,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the handshake status",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

// overrideExitCode is set by subcommands (sync, check-config) so main() can
// call os.Exit() after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and add-on options",
	Long: `Load and validate the configuration file and the add-on options
without starting the daemon.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to configuration file (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	authCmd.PersistentFlags().StringVar(&daemonAddr, "addr", defaultDaemonURL,
		"Base URL of the running daemon")
	authCmd.AddCommand(authRequestCmd)
	authCmd.AddCommand(authSubmitCmd)
	authCmd.AddCommand(authStatusCmd)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies the log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log flags: %w", err)
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	slog.Info("starting iCloud backup add-on",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runSync runs one backup pass and prints its report
func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := daemon.SyncOnce(ctx, cfg)
	if errors.Is(err, daemon.ErrNotConfigured) {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		overrideExitCode = ExitNotAuthed
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup pass failed: %w", err)
	}

	printReport(cmd.OutOrStdout(), report)
	if report.Failed() {
		overrideExitCode = ExitPartialRun
	}
	return nil
}

func printReport(out io.Writer, r *backup.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Backup pass " + r.RunID)
	t.AppendRows([]table.Row{
		{"Folder", r.Folder},
		{"Uploaded", fmt.Sprintf("%d (%s)", r.Uploaded, humanize.Bytes(uint64(r.UploadedBytes)))},
		{"Skipped", r.Skipped},
		{"Upload failures", r.UploadFailed},
		{"Deleted", r.Deleted},
		{"Delete failures", r.DeleteFailed},
		{"Duration", r.Duration.Round(time.Millisecond)},
	})
	t.Render()
}

func newClient() *api.Client {
	return api.NewClient(daemonAddr)
}

// commandContext returns the command's context, which is nil outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// runAuthRequest starts the handshake on the daemon
func runAuthRequest(cmd *cobra.Command, args []string) error {
	resp, err := newClient().RequestCode(commandContext(cmd))
	if err != nil {
		return err
	}
	return printAction(cmd.OutOrStdout(), resp)
}

// runAuthSubmit sends the code to the daemon
func runAuthSubmit(cmd *cobra.Command, args []string) error {
	resp, err := newClient().SubmitCode(commandContext(cmd), strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	return printAction(cmd.OutOrStdout(), resp)
}

func printAction(out io.Writer, resp *api.ActionResponse) error {
	if !resp.Success {
		fmt.Fprintf(out, "%s %s\n", text.FgRed.Sprint("✗"), resp.Message)
		return errors.New(resp.Message)
	}
	fmt.Fprintf(out, "%s %s\n", text.FgGreen.Sprint("✓"), resp.Message)
	if resp.NextStep != "" {
		fmt.Fprintf(out, "  Next: %s\n", resp.NextStep)
	}
	return nil
}

// runAuthStatus prints the handshake state and the daemon's usage hints
func runAuthStatus(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := commandContext(cmd)

	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	help, err := client.Help(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Status", colorStatus(status.Status)},
		{"Message", status.Message},
		{"Updated", status.UpdatedAt},
		{"Apple ID", help.CurrentUsername},
		{"Authenticated", help.Authenticated},
	})
	t.Render()
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "success":
		return text.FgGreen.Sprint(status)
	case "waiting_for_code", "authenticating":
		return text.FgYellow.Sprint(status)
	case "failed", "timeout", "error":
		return text.FgRed.Sprint(status)
	default:
		return text.FgHiBlack.Sprint(status)
	}
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("icloud-backup version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration and the add-on options
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", displayPath(configFile))

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	opts, err := config.LoadOptions(cfg.Paths.Options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Add-on options invalid:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	// Print configuration summary (with secrets redacted)
	opts = opts.Redact()
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Options File:    %s\n", cfg.Paths.Options)
	fmt.Printf("  Rclone Config:   %s\n", cfg.Paths.RcloneConfig)
	fmt.Printf("  Rclone Remote:   %s\n", cfg.Rclone.Remote)
	fmt.Printf("  Submit Timeout:  %d seconds\n", cfg.Auth.SubmitTimeout)
	fmt.Printf("  Sync Interval:   %d seconds\n", cfg.Sync.Interval)
	fmt.Printf("  Log Level:       %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:      %s\n", cfg.Log.Format)
	fmt.Println()
	fmt.Printf("  Apple ID:        %s\n", valueOrUnset(opts.Username))
	fmt.Printf("  Password:        %s\n", valueOrUnset(opts.Password))
	fmt.Printf("  Backup Source:   %s\n", opts.BackupSource)
	fmt.Printf("  iCloud Folder:   %s\n", opts.Folder)
	fmt.Printf("  Retention:       %d days\n", opts.RetentionDays)

	if !opts.HasCredentials() {
		fmt.Println("\n⚠️  iCloud credentials not set; the 2FA handshake cannot start")
		return nil
	}

	fmt.Println("\n✅ Ready to start daemon")
	return nil
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}

func valueOrUnset(v string) string {
	if v == "" {
		return "[NOT SET]"
	}
	return v
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
