// Package lockfile enforces a single host process per workspace. The
// lock is a plain file holding pid and acquisition time; stale locks
// from crashed hosts are detected and reclaimed.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live host holds the lock.
var ErrLocked = errors.New("workspace is already in use")

// A lock older than this is considered abandoned even if a process with
// the recorded pid still exists (pid reuse).
const maxLockAge = time.Hour

// Lockfile is a file-based single-instance lock.
type Lockfile struct {
	path   string
	file   *os.File
	pid    int
	locked bool
}

// New creates a lock handle for the given path. The lock is not
// acquired until TryAcquire.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// ForWorkspace returns the lock handle guarding a workspace root.
func ForWorkspace(workspaceRoot string) *Lockfile {
	return New(filepath.Join(workspaceRoot, ".coworkany", "host.lock"))
}

// TryAcquire attempts to take the lock, reclaiming a stale one.
func (l *Lockfile) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := l.create()
	if os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if removeErr := os.Remove(l.path); removeErr != nil {
			return fmt.Errorf("failed to remove stale lock (%s): %w", reason, removeErr)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// checkStale decides whether an existing lock can be reclaimed.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lock file"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid pid in lock file"
	}

	running, reason := isProcessRunning(pid)
	if !running {
		return true, reason
	}

	if len(lines) >= 2 {
		if acquired, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(acquired) > maxLockAge {
				return true, "lock file exceeded maximum age"
			}
		}
	}

	return false, fmt.Sprintf("held by pid %d", pid)
}

// Release drops the lock and removes the file.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			err = fmt.Errorf("%v; failed to remove lock file: %w", err, removeErr)
		} else {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	l.locked = false
	return err
}

// PID returns the pid that acquired the lock.
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked reports whether the lock is held by this handle.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock file path.
func (l *Lockfile) Path() string {
	return l.path
}
