package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndCheckRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "underlayd.pid")
	p := New(path)

	running, _, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running, "reported running before any pid file existed")

	require.NoError(t, p.Create())

	// A second handle sees the live first instance.
	running, pid, err := New(path).CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCreateReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "underlayd.pid")
	// PIDs beyond the default kernel pid_max cannot be alive.
	require.NoError(t, os.WriteFile(path, []byte("4999999\n"), 0o644))

	p := New(path)
	running, _, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running, "stale pid reported as running")

	require.NoError(t, p.Create())
	running, pid, err := New(path).CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCreateFailsWhenInstanceAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "underlayd.pid")
	require.NoError(t, New(path).Create())

	err := New(path).Create()
	assert.Error(t, err, "second instance created its pid file over a live one")
}

func TestRemoveRefusesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "underlayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	assert.Error(t, New(path).Remove())
	require.NoError(t, New(path).ForceRemove())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "underlayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, _, err := New(path).CheckRunning()
	assert.Error(t, err)
}
