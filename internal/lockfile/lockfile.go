// Package lockfile makes sure only one Pollexy server owns a state directory.
//
// The lock is an flock on a file inside the state directory, so the kernel drops it
// when the process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "pollexy.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
	Command string
}

// Running reports whether the holder process still exists.
func (h Holder) Running() bool {
	if h.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}

func (h Holder) String() string {
	if h.PID <= 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if h.Running() {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if !h.Started.IsZero() {
		s += " since " + h.Started.Format(time.RFC3339)
	}
	if h.Command != "" {
		s += ": " + h.Command
	}
	return s
}

func (h Holder) encode() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\ncmd=%s\n", h.PID, h.Started.UTC().Format(time.RFC3339), h.Command)
}

// parseHolder reads key=value lines; unknown keys are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "pid":
			h.PID, _ = strconv.Atoi(strings.TrimSpace(value))
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, strings.TrimSpace(value))
		case "cmd":
			h.Command = value
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock for stateDir, creating the directory if needed.
// When another process holds it, the error is a *LockError describing that process.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)
	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := Holder{}
		if data, readErr := os.ReadFile(path); readErr == nil {
			holder = parseHolder(string(data))
		}
		slog.Error("AcquireLock: state directory is locked", "lock_path", path, "holder", holder.String())
		return nil, &LockError{LockPath: path, Holder: holder, Cause: err}
	}

	me := Holder{PID: os.Getpid(), Started: time.Now(), Command: strings.Join(os.Args, " ")}
	if err := writeHolder(file, me); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}
	slog.Info("AcquireLock: state directory locked", "lock_path", path, "pid", me.PID)
	return &Lock{file: file, path: path}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new holder never has its file deleted underneath it.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another Pollexy server is using this state directory (lock file %s, held by %s)", e.LockPath, e.Holder)
	if e.Holder.PID > 0 && !e.Holder.Running() {
		fmt.Fprintf(&b, "; if no server is running, remove the stale lock with: rm %s", e.LockPath)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
