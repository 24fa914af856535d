package supervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritePIDThenReadPID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePID(dir))

	pid, err := ReadPID(dir)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestWritePIDRefusesWhileLiveProcessHoldsIt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePID(dir))
	// Our own PID is recorded and we are, definitionally, still running.
	require.Error(t, WritePID(dir))
}

func TestReadPIDToleratesLegacyBareIntFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(pidPath(dir), []byte("4242"), 0600))

	pid, err := ReadPID(dir)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
}

func TestIsRunningFalseForImplausiblePID(t *testing.T) {
	require.False(t, IsRunning(0))
	require.False(t, IsRunning(-1))
}

func TestKillReturnsErrNotRunningWithoutPIDFile(t *testing.T) {
	dir := t.TempDir()
	err := Kill(dir, false)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRemovePIDIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, RemovePID(dir)) // no file yet
	require.NoError(t, WritePID(dir))
	require.NoError(t, RemovePID(dir))
	require.NoError(t, RemovePID(dir)) // already gone
}
