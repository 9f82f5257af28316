package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func waitChange(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change hint received")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeNotify, "notify": ModeNotify, "poll": ModePoll, "off": ModeOff} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("inotify")
	assert.Error(t, err)
}

func TestWatcher_Poll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	w, err := New(path, Options{Mode: ModePoll, PollInterval: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, ModePoll, w.Mode())

	require.NoError(t, os.WriteFile(path, []byte("ab"), 0o600))
	waitChange(t, w)
}

func TestWatcher_NotifyIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	w, err := New(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	if w.Mode() == ModeNotify {
		select {
		case <-w.Changes():
			t.Fatal("sibling file must not raise a hint")
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Replace by rename, the way editors and write-back save.
	tmp := filepath.Join(dir, ".wf.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("changed"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	waitChange(t, w)
}

func TestWatcher_Coalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	w, err := New(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i), 'x'}, 0o600))
	}
	waitChange(t, w)
	assert.LessOrEqual(t, len(w.Changes()), 1)
}

func TestWatcher_Off(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "wf.yaml"), Options{Mode: ModeOff})
	require.NoError(t, err)
	assert.Equal(t, ModeOff, w.Mode())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
