package keeper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.pid")

	require.NoError(t, WritePIDFile(path, "/data/pg", 42))

	got, err := ReadPIDFile(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), got.PID)
	require.Equal(t, "/data/pg", got.DataDir)
	require.Equal(t, pidFileVersion, got.Version)
	require.Equal(t, 42, got.SemaphoreID)
	require.False(t, got.ReloadNeeded)
}

func TestWritePIDFile_RejectsWhileHolderAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_autoctl.pid")
	require.NoError(t, WritePIDFile(path, "/data/pg", 1))

	err := WritePIDFile(path, "/data/pg", 2)
	require.Error(t, err)
}

func TestRemovePIDFile_MissingIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	require.NoError(t, RemovePIDFile(path))
}
