package helper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestExecLauncherReadsLineAndExits(t *testing.T) {
	p, err := NewExecLauncher(shell(`read code; echo "got $code"; echo "to stderr" >&2`)).Start()
	require.NoError(t, err)
	assert.NotZero(t, p.Pid())

	require.NoError(t, p.WriteLine("123456"))
	require.NoError(t, p.CloseInput())

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Output, "got 123456")
	assert.Contains(t, res.Output, "to stderr")
}

func TestExecLauncherNonZeroExit(t *testing.T) {
	p, err := NewExecLauncher(shell(`echo "bad code"; exit 3`)).Start()
	require.NoError(t, err)

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Output, "bad code")
}

func TestExecLauncherCloseInputSendsEOF(t *testing.T) {
	p, err := NewExecLauncher(shell(`cat >/dev/null; echo done`)).Start()
	require.NoError(t, err)

	require.NoError(t, p.CloseInput())
	require.NoError(t, p.CloseInput(), "closing twice is a no-op")

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "done")

	assert.Error(t, p.WriteLine("late"), "writes after close must fail")
}

func TestExecLauncherWaitTimeoutThenKill(t *testing.T) {
	p, err := NewExecLauncher(shell(`echo started; sleep 30`)).Start()
	require.NoError(t, err)

	_, err = p.Wait(200 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	require.NoError(t, p.Kill())

	res, err := p.Wait(time.Second)
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Output, "started")

	assert.NoError(t, p.Kill(), "killing an exited process is not an error")
}

func TestExecLauncherKillStopsChildren(t *testing.T) {
	// The backgrounded sleep inherits the output pipe
	p, err := NewExecLauncher(shell(`sleep 100 & wait`)).Start()
	require.NoError(t, err)

	_, err = p.Wait(200 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	start := time.Now()
	require.NoError(t, p.Kill())
	_, err = p.Wait(time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), pipeWaitDelay, "kill must not wait for orphaned children")
}

func TestExecLauncherZeroWaitReportsEarlyExit(t *testing.T) {
	p, err := NewExecLauncher(shell(`echo "invalid password"; exit 1`)).Start()
	require.NoError(t, err)

	// A zero wait polls without blocking
	require.Eventually(t, func() bool {
		_, err := p.Wait(0)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	res, err := p.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "invalid password")
}

func TestExecLauncherZeroWaitWhileRunning(t *testing.T) {
	p, err := NewExecLauncher(shell(`read code`)).Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Kill() })

	_, err = p.Wait(0)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestExecLauncherStartFailure(t *testing.T) {
	_, err := NewExecLauncher(Command{Path: "/nonexistent/rclone"}).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestExecLauncherEnv(t *testing.T) {
	cmd := shell(`echo "remote=$RCLONE_TEST_REMOTE"`)
	cmd.Env = []string{"RCLONE_TEST_REMOTE=icloud"}

	p, err := NewExecLauncher(cmd).Start()
	require.NoError(t, err)

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "remote=icloud")
}

func TestPTYLauncherReadsLine(t *testing.T) {
	p, err := NewPTYLauncher(shell(`if [ -t 0 ]; then echo tty; fi; read code; echo "got $code"`)).Start()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	require.NoError(t, p.WriteLine("654321"))

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Output, "tty")
	assert.Contains(t, res.Output, "got 654321")
}

func TestPTYLauncherCloseInputSendsEOT(t *testing.T) {
	p, err := NewPTYLauncher(shell(`cat >/dev/null; echo done`)).Start()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	require.NoError(t, p.CloseInput())

	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "done")
}

func TestPTYLauncherKill(t *testing.T) {
	p, err := NewPTYLauncher(shell(`sleep 30`)).Start()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	_, err = p.Wait(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.NoError(t, p.Kill())
}

func TestOutputBufferKeepsTail(t *testing.T) {
	b := newOutputBuffer(8)

	_, _ = b.Write([]byte("0123"))
	_, _ = b.Write([]byte("456789ab"))

	assert.Equal(t, "456789ab", b.String())

	n, err := b.Write([]byte(strings.Repeat("x", 20)))
	require.NoError(t, err)
	assert.Equal(t, 20, n, "Write reports the full length even when trimming")
	assert.Equal(t, strings.Repeat("x", 8), b.String())
}

func TestResultSucceeded(t *testing.T) {
	assert.True(t, Result{ExitCode: 0}.Succeeded())
	assert.False(t, Result{ExitCode: 1}.Succeeded())
	assert.False(t, Result{ExitCode: -1}.Succeeded())
}
