package keeper

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile is the per-data-directory lock: concurrent keepers on the same
// data directory are forbidden, and this file is the guard. The on-disk
// format is a plain-text line layout: pid, data dir, version, semaphore id,
// reload flag.
type PIDFile struct {
	PID          int
	DataDir      string
	Version      string
	SemaphoreID  int
	ReloadNeeded bool
}

const pidFileVersion = "1"

// WritePIDFile records the current process's PID against dataDir, failing
// if a live process already holds the file.
func WritePIDFile(path, dataDir string, semaphoreID int) error {
	if existing, err := ReadPIDFile(path); err == nil {
		if processAlive(existing.PID) {
			return fmt.Errorf("keeper already running for %s as pid %d", dataDir, existing.PID)
		}
	}

	pf := PIDFile{PID: os.Getpid(), DataDir: dataDir, Version: pidFileVersion, SemaphoreID: semaphoreID}
	contents := fmt.Sprintf("%d\n%s\n%s\n%d\n%t\n", pf.PID, pf.DataDir, pf.Version, pf.SemaphoreID, pf.ReloadNeeded)
	return os.WriteFile(path, []byte(contents), 0o644)
}

// ReadPIDFile parses the plain-text line layout back into a PIDFile.
func ReadPIDFile(path string) (*PIDFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pid file %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) < 5 {
		return nil, fmt.Errorf("pid file %s: expected 5 lines, got %d", path, len(lines))
	}

	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("pid file %s: bad pid %q: %w", path, lines[0], err)
	}
	semID, err := strconv.Atoi(lines[3])
	if err != nil {
		return nil, fmt.Errorf("pid file %s: bad semaphore id %q: %w", path, lines[3], err)
	}
	reload, err := strconv.ParseBool(lines[4])
	if err != nil {
		return nil, fmt.Errorf("pid file %s: bad reload flag %q: %w", path, lines[4], err)
	}

	return &PIDFile{
		PID:          pid,
		DataDir:      lines[1],
		Version:      lines[2],
		SemaphoreID:  semID,
		ReloadNeeded: reload,
	}, nil
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", path, err)
	}
	return nil
}

// processAlive reports whether pid names a live process. On Unix, sending
// signal 0 does not affect the target but still fails if it is gone.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
