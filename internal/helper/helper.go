// Package helper runs the external authentication helper (rclone) as a
// pseudo-interactive peer: start it, feed it a line on its input, then wait a
// bounded time for it to exit and inspect its combined output.
package helper

import (
	"errors"
	"time"
)

// ErrWaitTimeout is returned by Process.Wait when the helper is still running
// after the timeout. The process is left running; callers decide whether to Kill it.
var ErrWaitTimeout = errors.New("helper did not exit before the timeout")

// Command describes how to start the helper.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the daemon's environment
	Dir  string
}

// Result is the outcome of a helper that exited.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
}

// Succeeded reports whether the helper exited with status 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Process is a live helper process.
type Process interface {
	// WriteLine writes line followed by a newline to the helper's input.
	WriteLine(line string) error
	// CloseInput signals end of input to the helper.
	CloseInput() error
	// Wait blocks until the helper exits or timeout elapses (ErrWaitTimeout).
	Wait(timeout time.Duration) (Result, error)
	// Kill terminates the helper and releases its streams. Killing an exited
	// process is not an error.
	Kill() error
	// Pid returns the operating system process id, or 0 if unknown.
	Pid() int
}

// Launcher starts helper processes.
type Launcher interface {
	Start() (Process, error)
}
