package helper

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	// eot is the terminal end-of-transmission character (Ctrl-D). Sent on an
	// empty line it makes the helper's next read return EOF.
	eot = 0x04

	// drainTimeout bounds how long output is drained from the pty after exit.
	drainTimeout = time.Second
)

// PTYLauncher starts the helper attached to a pseudo terminal, for helpers
// that only prompt for the verification code when stdin is a terminal.
type PTYLauncher struct {
	cmd Command
}

// NewPTYLauncher creates a pty-based launcher for cmd.
func NewPTYLauncher(cmd Command) *PTYLauncher {
	return &PTYLauncher{cmd: cmd}
}

// Start implements Launcher.
func (l *PTYLauncher) Start() (Process, error) {
	cmd := newCmd(l.cmd)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on a pty: %w", l.cmd.Path, err)
	}

	out := newOutputBuffer(maxOutputBytes)
	drained := make(chan struct{})
	go func() {
		// Returns with EIO once the helper side of the pty is gone
		_, _ = io.Copy(out, ptmx)
		close(drained)
	}()

	p := &process{
		cmd:   cmd,
		input: &ptyInput{f: ptmx},
		out:   out,
		done:  make(chan struct{}),
	}
	go p.reap(func() {
		select {
		case <-drained:
		case <-time.After(drainTimeout):
		}
		_ = ptmx.Close()
	})

	slog.Debug("helper started", "path", l.cmd.Path, "pid", p.Pid(), "pty", true)
	return p, nil
}

// ptyInput writes to the pty master. Closing it sends EOT instead of closing
// the master, which would also cut off the helper's output.
type ptyInput struct {
	mu sync.Mutex
	f  *os.File
}

func (in *ptyInput) Write(b []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.f.Write(b)
}

func (in *ptyInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, err := in.f.Write([]byte{eot})
	return err
}
