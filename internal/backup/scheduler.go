package backup

import (
	"context"
	"log/slog"
	"time"
)

// Runner runs one backup pass.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler starts backup passes at startup, on a fixed interval and on
// demand. Passes run on the scheduler goroutine and never overlap; triggers
// arriving during a pass are coalesced into one follow-up pass.
type Scheduler struct {
	runner     Runner
	configured func() bool
	interval   time.Duration
	trigger    chan struct{}
}

// NewScheduler creates a Scheduler. configured gates every pass on a
// completed 2FA handshake. An interval of 0 disables periodic passes.
func NewScheduler(runner Runner, configured func() bool, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:     runner,
		configured: configured,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
	}
}

// Trigger requests a pass without blocking.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx, "startup")

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.runOnce(ctx, "interval")
		case <-s.trigger:
			s.runOnce(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if !s.configured() {
		slog.Info("skipping backup pass, 2FA handshake not completed", "reason", reason)
		return
	}

	slog.Debug("backup pass starting", "reason", reason)
	// Errors are logged by the runner; the next pass retries
	_, _ = s.runner.Run(ctx)
}
