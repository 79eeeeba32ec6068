// Package helpertest provides a scriptable in-memory helper for tests.
package helpertest

import (
	"errors"
	"sync"
	"time"

	"github.com/hassio-icloud-backup/icloud-backup/internal/helper"
)

// Behavior scripts how a fake process responds.
type Behavior struct {
	ExitCode int
	Output   string

	// Exited makes the process behave as if it quit right after starting,
	// before reading any input.
	Exited bool

	// Hang makes Wait block until the timeout elapses, or until Release is
	// closed when it is set.
	Hang    bool
	Release chan struct{}

	StartErr error
	WriteErr error
	WaitErr  error
}

// Launcher is a fake helper.Launcher. Each Start returns a new Process
// following the next queued Behavior, or the default one when the queue is empty.
type Launcher struct {
	mu      sync.Mutex
	Default Behavior
	queue   []Behavior
	started []*Process
}

// NewLauncher returns a Launcher whose processes follow b.
func NewLauncher(b Behavior) *Launcher {
	return &Launcher{Default: b}
}

// Then queues behaviors for the next Start calls.
func (l *Launcher) Then(bs ...Behavior) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, bs...)
	return l
}

// Start implements helper.Launcher.
func (l *Launcher) Start() (helper.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.Default
	if len(l.queue) > 0 {
		b = l.queue[0]
		l.queue = l.queue[1:]
	}
	if b.StartErr != nil {
		return nil, b.StartErr
	}

	p := &Process{behavior: b, pid: 1000 + len(l.started), killedCh: make(chan struct{})}
	l.started = append(l.started, p)
	return p, nil
}

// Starts returns the number of successful Start calls.
func (l *Launcher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}

// Started returns the process created by the i-th successful Start call.
func (l *Launcher) Started(i int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started[i]
}

// Last returns the most recently started process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.started) == 0 {
		return nil
	}
	return l.started[len(l.started)-1]
}

// Process is a fake helper.Process.
type Process struct {
	behavior Behavior
	pid      int

	mu          sync.Mutex
	lines       []string
	inputClosed bool
	killed      bool
	waits       int
	killedCh    chan struct{}
}

var errInputClosed = errors.New("input closed")

// WriteLine implements helper.Process.
func (p *Process) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.behavior.WriteErr != nil {
		return p.behavior.WriteErr
	}
	if p.inputClosed || p.behavior.Exited || p.killed {
		return errInputClosed
	}
	p.lines = append(p.lines, line)
	return nil
}

// CloseInput implements helper.Process.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputClosed = true
	return nil
}

// Wait implements helper.Process. Until its input is closed the process is
// waiting for a code, so Wait behaves as for Hang unless Exited is set.
func (p *Process) Wait(timeout time.Duration) (helper.Result, error) {
	p.mu.Lock()
	p.waits++
	b := p.behavior
	running := b.Hang || (!b.Exited && !p.inputClosed)
	p.mu.Unlock()

	res := helper.Result{ExitCode: b.ExitCode, Output: b.Output}
	if running {
		select {
		case <-p.killedCh:
			return helper.Result{ExitCode: -1, Output: b.Output}, nil
		default:
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return helper.Result{Output: b.Output}, helper.ErrWaitTimeout
		case <-p.killedCh:
			return helper.Result{ExitCode: -1, Output: b.Output}, nil
		case <-b.Release:
		}
	}
	if b.WaitErr != nil {
		return res, b.WaitErr
	}
	return res, nil
}

// Kill implements helper.Process.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.killedCh)
	}
	return nil
}

// Pid implements helper.Process.
func (p *Process) Pid() int {
	return p.pid
}

// Lines returns the lines written to the process.
func (p *Process) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// InputClosed reports whether CloseInput was called.
func (p *Process) InputClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputClosed
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Waits returns the number of Wait calls.
func (p *Process) Waits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}
