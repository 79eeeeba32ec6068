// Package handshake drives Apple's push-based two-factor authentication
// through an interactive helper process.
//
// A code request writes the remote credentials and starts the helper, whose
// first authenticated call makes Apple push a code to the trusted devices.
// The helper then blocks on its verification prompt until the user submits
// the code, which is written to the helper's input.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hassio-icloud-backup/icloud-backup/internal/helper"
	"github.com/hassio-icloud-backup/icloud-backup/internal/logsanitize"
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Credentials is the Apple ID used for one code request.
type Credentials struct {
	Username string
	Password string
}

// CredentialStore persists the remote credentials and the configured marker.
type CredentialStore interface {
	WriteRemote(ctx context.Context, username, password string) error
	MarkConfigured() error
	Configured() bool
}

// Recorder receives handshake outcomes.
type Recorder interface {
	CodeRequested(ok bool)
	HandshakeFinished(status string)
}

type noopRecorder struct{}

func (noopRecorder) CodeRequested(bool)       {}
func (noopRecorder) HandshakeFinished(string) {}

// Options tunes a Controller.
type Options struct {
	// SubmitTimeout bounds the wait for the helper after a code is written.
	SubmitTimeout time.Duration
	// SettleDelay lets the helper reach its prompt before RequestCode returns.
	SettleDelay time.Duration
	// PendingTimeout expires a code request that never got a code. 0 disables it.
	PendingTimeout time.Duration
	// SuccessMarkers are output substrings accepted as success when the helper
	// exits non-zero. Matching is case-insensitive.
	SuccessMarkers []string
	// OnSuccess is called with the Apple ID after a completed handshake.
	OnSuccess func(username string)
	Recorder  Recorder
}

// Controller owns the single authentication session and its helper process.
// It is safe for concurrent use.
type Controller struct {
	store    CredentialStore
	launcher helper.Launcher
	opts     Options
	recorder Recorder

	// requestMu serializes RequestCode so config writes and spawns never interleave.
	requestMu sync.Mutex

	mu           sync.Mutex
	status       Status
	message      string
	updatedAt    time.Time
	proc         helper.Process // non-nil only while status.Live()
	attempt      uint64         // bumped whenever proc is replaced or released
	attemptID    string
	username     string
	pendingSince time.Time

	stopReaper chan struct{}
	stopOnce   sync.Once
}

// New creates a Controller in the idle state. When opts.PendingTimeout is set
// a background goroutine expires stale code requests; call Stop to end it.
func New(store CredentialStore, launcher helper.Launcher, opts Options) *Controller {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	c := &Controller{
		store:      store,
		launcher:   launcher,
		opts:       opts,
		recorder:   opts.Recorder,
		status:     StatusIdle,
		message:    "Ready to authenticate",
		updatedAt:  time.Now(),
		stopReaper: make(chan struct{}),
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}

	if opts.PendingTimeout > 0 {
		go c.reapLoop(opts.PendingTimeout)
	}

	return c
}

// setLocked updates status and message. Caller must hold c.mu.
func (c *Controller) setLocked(status Status, message string) {
	c.status = status
	c.message = message
	c.updatedAt = time.Now()
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:    c.status,
		Message:   c.message,
		UpdatedAt: c.updatedAt,
		AttemptID: c.attemptID,
		Username:  c.username,
	}
}

// Configured reports whether a handshake has completed at some point.
func (c *Controller) Configured() bool {
	return c.store.Configured()
}

// RequestCode writes the remote credentials and starts the helper, which
// makes Apple push a verification code. On success the session waits for
// SubmitCode. Any previous helper process is killed.
func (c *Controller) RequestCode(ctx context.Context, creds Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", newError(ErrConfig, msgNoCredentials, nil)
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if err := c.store.WriteRemote(ctx, creds.Username, creds.Password); err != nil {
		return "", c.failRequest("Failed to write rclone config: "+err.Error(), err)
	}

	proc, err := c.launcher.Start()
	if err != nil {
		return "", c.failRequest("Failed to start rclone: "+err.Error(), err)
	}

	attemptID := uuid.NewString()

	c.mu.Lock()
	old := c.proc
	c.proc = proc
	c.attempt++
	attempt := c.attempt
	c.attemptID = attemptID
	c.username = creds.Username
	c.pendingSince = time.Now()
	c.setLocked(StatusWaitingForCode, msgWaiting)
	c.mu.Unlock()

	if old != nil {
		slog.Info("superseding previous helper process", "pid", old.Pid())
		killProcess(old)
	}

	log := slog.With("attempt_id", attemptID, "pid", proc.Pid())
	log.Info("2FA code requested", "username", logsanitize.Sanitize(creds.Username))

	if c.opts.SettleDelay > 0 {
		timer := time.NewTimer(c.opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	// A helper that already quit never reached the code prompt, usually
	// because Apple refused the password
	if res, err := proc.Wait(0); !errors.Is(err, helper.ErrWaitTimeout) {
		if err == nil && res.Succeeded() {
			return c.alreadyTrusted(attempt, creds.Username, log)
		}
		log.Error("helper exited before the code prompt", "exit_code", res.ExitCode,
			"output", logsanitize.Mask(res.Output, creds.Password))
		c.recorder.CodeRequested(false)
		cause := err
		if cause == nil {
			cause = fmt.Errorf("helper exited with status %d", res.ExitCode)
		}
		return "", c.finish(attempt, StatusError, msgHelperExited, ErrProvider, cause)
	}

	c.recorder.CodeRequested(true)
	return msgCodeRequested, nil
}

// alreadyTrusted completes attempt whose helper exited 0 without asking for
// a code: the remote's stored trust token is still valid.
func (c *Controller) alreadyTrusted(attempt uint64, username string, log *slog.Logger) (string, error) {
	c.recorder.CodeRequested(true)
	if err := c.store.MarkConfigured(); err != nil {
		return "", c.finish(attempt, StatusError, "Failed to record the trusted session: "+err.Error(), ErrProcess, err)
	}
	if err := c.finish(attempt, StatusSuccess, "Already authenticated as "+username, nil, nil); err != nil {
		return "", err
	}

	log.Info("helper exited without a code prompt, session already trusted",
		"username", logsanitize.Sanitize(username))
	if c.opts.OnSuccess != nil {
		c.opts.OnSuccess(username)
	}
	return msgAlreadyTrusted, nil
}

// failRequest records a failed code request and releases any helper.
func (c *Controller) failRequest(message string, cause error) error {
	c.mu.Lock()
	old := c.proc
	c.proc = nil
	c.attempt++
	c.setLocked(StatusError, message)
	c.mu.Unlock()

	if old != nil {
		killProcess(old)
	}

	c.recorder.CodeRequested(false)
	slog.Error("2FA code request failed", "error", cause)
	return newError(ErrProcess, message, cause)
}

// SubmitCode writes code to the waiting helper and waits for its verdict.
// It returns the Apple ID on success. The wait is bounded by SubmitTimeout
// only; a helper that outlives it is killed.
func (c *Controller) SubmitCode(code string) (string, error) {
	if !codePattern.MatchString(code) {
		return "", newError(ErrValidation, msgInvalidFormat, nil)
	}

	c.mu.Lock()
	if c.status != StatusWaitingForCode || c.proc == nil {
		c.mu.Unlock()
		return "", newError(ErrNoPendingAuth, msgNoPending, nil)
	}
	proc := c.proc
	attempt := c.attempt
	attemptID := c.attemptID
	username := c.username
	c.setLocked(StatusAuthenticating, msgVerifying)
	c.mu.Unlock()

	log := slog.With("attempt_id", attemptID, "pid", proc.Pid())
	log.Info("submitting 2FA code")

	err := proc.WriteLine(code)
	if err == nil {
		err = proc.CloseInput()
	}
	if err != nil {
		killProcess(proc)
		res, _ := proc.Wait(0)
		log.Error("failed to send code to helper", "error", err, "exit_code", res.ExitCode,
			"output", logsanitize.Mask(res.Output, code))
		return "", c.finish(attempt, StatusError, "Failed to send code to rclone: "+err.Error(), ErrProcess, err)
	}

	res, err := proc.Wait(c.opts.SubmitTimeout)
	switch {
	case errors.Is(err, helper.ErrWaitTimeout):
		killProcess(proc)
		log.Warn("helper did not finish in time", "timeout", c.opts.SubmitTimeout,
			"output", logsanitize.Mask(res.Output, code))
		return "", c.finish(attempt, StatusTimeout, msgTimeout, ErrTimeout, err)

	case err != nil:
		killProcess(proc)
		return "", c.finish(attempt, StatusError, "Authentication failed: "+err.Error(), ErrProcess, err)

	case !c.succeeded(res, log):
		log.Warn("helper rejected the 2FA code", "exit_code", res.ExitCode,
			"output", logsanitize.Mask(res.Output, code))
		return "", c.finish(attempt, StatusFailed, msgInvalidCode, ErrProvider,
			fmt.Errorf("helper exited with status %d", res.ExitCode))
	}

	if !c.current(attempt) {
		return "", newError(ErrNoPendingAuth, msgSuperseded, nil)
	}
	if err := c.store.MarkConfigured(); err != nil {
		return "", c.finish(attempt, StatusError, "Failed to record the trusted session: "+err.Error(), ErrProcess, err)
	}
	if err := c.finish(attempt, StatusSuccess, "Successfully authenticated as "+username, nil, nil); err != nil {
		return "", err
	}

	log.Info("2FA handshake completed", "username", logsanitize.Sanitize(username))
	if c.opts.OnSuccess != nil {
		c.opts.OnSuccess(username)
	}
	return username, nil
}

// succeeded applies exit-code-first success detection. Output markers are a
// weak fallback for helpers that report success but exit non-zero.
func (c *Controller) succeeded(res helper.Result, log *slog.Logger) bool {
	if res.Succeeded() {
		return true
	}
	out := strings.ToLower(res.Output)
	for _, m := range c.opts.SuccessMarkers {
		if containsWord(out, strings.ToLower(m)) {
			log.Warn("helper exited non-zero but output reports success",
				"exit_code", res.ExitCode, "marker", m)
			return true
		}
	}
	return false
}

// containsWord reports whether marker occurs in s at the start of a word, so
// "success" matches "successfully" but not "unsuccessful".
func containsWord(s, marker string) bool {
	if marker == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(s[i:], marker)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isWordByte(s[at-1]) {
			return true
		}
		i = at + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// current reports whether attempt still owns the session.
func (c *Controller) current(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == attempt
}

// finish applies a terminal transition for attempt and releases its process.
// A superseded attempt leaves the session untouched and reports that instead.
// It returns nil only for an applied success.
func (c *Controller) finish(attempt uint64, status Status, message string, kind, cause error) error {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		slog.Info("discarding result of superseded attempt", "status", string(status))
		return newError(ErrNoPendingAuth, msgSuperseded, cause)
	}
	c.proc = nil
	c.setLocked(status, message)
	c.mu.Unlock()

	c.recorder.HandshakeFinished(string(status))
	if kind == nil {
		return nil
	}
	return newError(kind, message, cause)
}

// reapLoop expires code requests that stayed unanswered for longer than pending.
func (c *Controller) reapLoop(pending time.Duration) {
	interval := pending / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reap(pending)
		case <-c.stopReaper:
			return
		}
	}
}

func (c *Controller) reap(pending time.Duration) {
	c.mu.Lock()
	if c.status != StatusWaitingForCode || c.proc == nil || time.Since(c.pendingSince) < pending {
		c.mu.Unlock()
		return
	}
	proc := c.proc
	c.proc = nil
	c.attempt++
	c.setLocked(StatusTimeout, msgExpired)
	c.mu.Unlock()

	slog.Warn("2FA code request expired", "pid", proc.Pid(), "pending_timeout", pending)
	killProcess(proc)
	c.recorder.HandshakeFinished(string(StatusTimeout))
}

// Stop ends the expiry goroutine and kills a live helper process.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopReaper) })

	c.mu.Lock()
	proc := c.proc
	if proc != nil {
		c.proc = nil
		c.attempt++
		c.setLocked(StatusError, msgCancelled)
	}
	c.mu.Unlock()

	if proc != nil {
		killProcess(proc)
	}
}

func killProcess(p helper.Process) {
	if err := p.Kill(); err != nil {
		slog.Warn("failed to kill helper process", "pid", p.Pid(), "error", err)
	}
}
