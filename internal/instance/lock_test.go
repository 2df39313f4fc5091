package instance

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "nowcast.lock")

	first := New(path)
	require.NoError(t, first.Acquire())

	second := New(path)
	err := second.Acquire()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestLock_ReleaseUnheld(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nowcast.lock"))
	assert.NoError(t, l.Release())
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/nowcast.lock", DefaultPath())
}
