package helper

import (
	"fmt"
	"log/slog"
	"syscall"
)

// ExecLauncher starts the helper with pipes for stdin and a combined
// stdout/stderr capture.
type ExecLauncher struct {
	cmd Command
}

// NewExecLauncher creates a pipe-based launcher for cmd.
func NewExecLauncher(cmd Command) *ExecLauncher {
	return &ExecLauncher{cmd: cmd}
}

// Start implements Launcher.
func (l *ExecLauncher) Start() (Process, error) {
	cmd := newCmd(l.cmd)
	cmd.WaitDelay = pipeWaitDelay
	// pty.Start makes the helper a session leader instead
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open helper stdin: %w", err)
	}

	out := newOutputBuffer(maxOutputBytes)
	// Same writer for both streams: exec serializes the writes
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.cmd.Path, err)
	}

	p := &process{
		cmd:   cmd,
		input: stdin,
		out:   out,
		done:  make(chan struct{}),
	}
	go p.reap(nil)

	slog.Debug("helper started", "path", l.cmd.Path, "pid", p.Pid(), "pty", false)
	return p, nil
}
