package helper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes bounds the retained combined output; the tail is kept.
	maxOutputBytes = 256 * 1024

	// killGrace bounds how long Kill waits for the reaper after signalling.
	killGrace = 5 * time.Second

	// pipeWaitDelay bounds how long exec waits for output pipes held open by
	// grandchildren after the helper itself exited.
	pipeWaitDelay = 2 * time.Second
)

// process is shared by the pipe and pty launchers. Only the input stream and
// the post-exit cleanup differ between them.
type process struct {
	cmd   *exec.Cmd
	input io.WriteCloser
	out   *outputBuffer

	inputMu     sync.Mutex
	inputClosed bool

	done    chan struct{}
	waitErr error
}

func newCmd(c Command) *exec.Cmd {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	return cmd
}

// reap waits for the command and runs afterExit before marking the process done.
func (p *process) reap(afterExit func()) {
	p.waitErr = p.cmd.Wait()
	if afterExit != nil {
		afterExit()
	}
	close(p.done)
}

func (p *process) WriteLine(line string) error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()

	if p.inputClosed {
		return fmt.Errorf("helper input already closed")
	}
	if _, err := io.WriteString(p.input, line+"\n"); err != nil {
		return fmt.Errorf("failed to write to helper: %w", err)
	}
	return nil
}

func (p *process) CloseInput() error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()

	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	if err := p.input.Close(); err != nil {
		return fmt.Errorf("failed to close helper input: %w", err)
	}
	return nil
}

func (p *process) Wait(timeout time.Duration) (Result, error) {
	select {
	case <-p.done:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			return Result{Output: p.out.String()}, ErrWaitTimeout
		}
	}

	res := Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Output:   p.out.String(),
	}

	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return res, fmt.Errorf("helper wait failed: %w", p.waitErr)
	}
	return res, nil
}

func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	// The helper leads its own process group; children holding the output
	// streams go with it
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill helper: %w", err)
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("helper pid %d did not exit after kill", p.Pid())
	}
}

func (p *process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// outputBuffer is a concurrency-safe buffer that keeps the last max bytes.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newOutputBuffer(max int) *outputBuffer {
	return &outputBuffer{max: max}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
