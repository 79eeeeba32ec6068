package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherTriggersAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 4)
	w := NewWatcher(dir, "*.tar", 50*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Close() })

	// Ignored: does not match the pattern
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	select {
	case <-fired:
		t.Fatal("callback fired for non-matching file")
	case <-time.After(150 * time.Millisecond):
	}

	// Several writes in quick succession produce one callback
	p := filepath.Join(dir, "backup.tar")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(p, make([]byte, i+1), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	select {
	case <-fired:
		t.Fatal("callback fired more than once")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherStartErrors(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing"), "*.tar", time.Millisecond, func() {})
	err := w.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to watch")
	assert.NoError(t, w.Close())
}

func TestWatcherCloseCancelsPending(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 1)
	w := NewWatcher(dir, "*.tar", 100*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tar"), []byte("x"), 0644))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case <-fired:
		t.Fatal("callback fired after Close")
	case <-time.After(200 * time.Millisecond):
	}
}
