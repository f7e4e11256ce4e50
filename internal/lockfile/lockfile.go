// Package lockfile keeps a single SearchIngest process per state directory.
//
// The job scheduler and the pending update queue assume they are the only
// writers of their rows, so a second process on the same state directory
// must refuse to start. The lock is an flock on a file in the directory and
// is released by the kernel when the process exits, however it exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "searchingest.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// holder is the process information written into the lock file.
type holder struct {
	pid     int
	started time.Time
}

func (h holder) String() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", h.pid, h.started.UTC().Format(time.RFC3339))
}

// parseHolder reads the fields written by holder.String. Unknown lines are
// ignored; missing fields stay zero.
func parseHolder(content string) holder {
	var h holder
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				h.pid = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				h.started = t
			}
		}
	}
	return h
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory
// if needed. If another process holds the lock it returns a *LockError
// describing that process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: acquiring state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// Not truncated until the lock is won; the holder's information stays readable.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := describeHolder(lockPath)
		slog.Error("AcquireLock: state directory is locked by another process",
			"lock_path", lockPath, "holder", info, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	h := holder{pid: os.Getpid(), started: time.Now()}
	if err := writeHolder(file, h); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", h.pid)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, h holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Removed before unlocking.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}

	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another SearchIngest process is using this state directory (lock file %s)", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, "; holder: %s", e.ExistingInfo)
	}
	fmt.Fprintf(&b, "\nif no such process is running, remove the stale lock with: rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

// describeHolder summarizes the process recorded in an existing lock file.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown (lock file unreadable)"
	}
	h := parseHolder(string(data))
	if h.pid == 0 {
		return "unknown (no process information)"
	}

	state := "not running, stale lock"
	if isProcessRunning(h.pid) {
		state = "running"
	}
	if h.started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", h.pid, state)
	}
	return fmt.Sprintf("PID %d started %s (%s)", h.pid, h.started.Format(time.RFC3339), state)
}

// isProcessRunning reports whether signal 0 can be delivered to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
