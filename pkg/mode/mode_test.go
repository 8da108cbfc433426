package mode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainCreatesSentinel(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	require.NoError(t, c.Drain(false))
	flags := c.Snapshot()
	assert.True(t, flags.Draining)
	assert.False(t, flags.DrainStop)
}

func TestDrainWithStopCreatesBothSentinels(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	require.NoError(t, c.Drain(true))
	flags := c.Snapshot()
	assert.True(t, flags.Draining)
	assert.True(t, flags.DrainStop)
}

func TestDrainIsIdempotentWhenAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	require.NoError(t, c.Drain(false))
	require.NoError(t, c.Drain(false)) // already exists, must not error
}

func TestResumeRestoresPreDrainState(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	require.NoError(t, c.Drain(true))
	require.NoError(t, c.Resume())

	flags := c.Snapshot()
	assert.False(t, flags.Draining)
	assert.False(t, flags.DrainStop)

	_, err := os.Stat(filepath.Join(dir, drainFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, drainStopFile))
	assert.True(t, os.IsNotExist(err))
}

func TestResumeOnCleanStateIsNotAnError(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Resume())
}

func TestKillCreatesForceStopSentinel(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Kill())
	assert.True(t, c.Snapshot().ForceStop)
}

func TestClearForceStopRemovesSentinel(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Kill())
	require.NoError(t, c.ClearForceStop())
	assert.False(t, c.Snapshot().ForceStop)
}

func TestClearDrainStopRemovesOnlyThatSentinel(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Drain(true))
	require.NoError(t, c.ClearDrainStop())

	flags := c.Snapshot()
	assert.True(t, flags.Draining)
	assert.False(t, flags.DrainStop)
}
