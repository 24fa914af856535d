// Package supervisor owns a node's on-disk lifecycle: the data directory
// layout, the PID/lock file that lets `node kill`, `node pid` and
// `node address` address a running process from the outside, and the
// cooperative start/stop of whichever roles (mine, validate, hybrid) a
// config enables.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Exit codes, per the node CLI surface.
const (
	ExitSuccess         = 0
	ExitGenericError    = 1
	ExitInvalidArgs     = 2
	ExitStartupFailure  = 3
	ExitValidationError = 4
)

// pidFileName is the lock/status file kept in a node's data directory.
const pidFileName = "node.pid"

// pidRecord is the JSON contents of the PID file: the process id plus a
// random session token so a stale file pointing at a reused PID can be
// told apart from the process that actually wrote it.
type pidRecord struct {
	PID     int    `json:"pid"`
	Session string `json:"session"`
	Started int64  `json:"started_unix"`
}

func pidPath(dir string) string {
	return filepath.Join(dir, pidFileName)
}

// WritePID records the current process's PID and a fresh session token in
// dir's PID file, failing if one already exists and names a live process.
func WritePID(dir string) error {
	if existing, err := ReadPID(dir); err == nil && IsRunning(existing) {
		return fmt.Errorf("supervisor: node already running in %s (pid %d)", dir, existing)
	}
	rec := pidRecord{PID: os.Getpid(), Session: uuid.NewString(), Started: time.Now().Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(pidPath(dir), data, 0600)
}

// ReadPID returns the PID recorded in dir's PID file.
func ReadPID(dir string) (int, error) {
	data, err := os.ReadFile(pidPath(dir))
	if err != nil {
		return 0, err
	}
	var rec pidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Tolerate a bare-integer PID file from an older layout.
		if n, perr := strconv.Atoi(string(data)); perr == nil {
			return n, nil
		}
		return 0, fmt.Errorf("supervisor: corrupt pid file: %w", err)
	}
	return rec.PID, nil
}

// RemovePID deletes dir's PID file, if present.
func RemovePID(dir string) error {
	err := os.Remove(pidPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsRunning reports whether pid names a live process. On POSIX systems,
// signal 0 checks existence and permission without affecting the process.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ErrNotRunning is returned by Kill when dir has no live process recorded.
var ErrNotRunning = errors.New("supervisor: no running node found")

// Kill sends SIGTERM to the process recorded in dir's PID file, then —
// if force is set and the process is still alive after a short grace
// period — SIGKILL.
func Kill(dir string, force bool) error {
	pid, err := ReadPID(dir)
	if err != nil {
		return ErrNotRunning
	}
	if !IsRunning(pid) {
		_ = RemovePID(dir)
		return ErrNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("supervisor: sigterm pid %d: %w", pid, err)
	}
	if !force {
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if IsRunning(pid) {
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("supervisor: sigkill pid %d: %w", pid, err)
		}
	}
	return nil
}
