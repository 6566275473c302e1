package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/logging"
)

// LockFileName is the owner lock inside a session directory.
const LockFileName = "session.lock"

// LocksDirName is the directory beside a SQLite database that holds
// per-session owner locks.
const LocksDirName = "locks"

// ErrSessionLocked is returned when another live process owns a session.
var ErrSessionLocked = forgeerrors.New("session is locked by another process")

// ErrStoreBusy is returned by maintenance that will not wait for another
// process to finish writing the store.
var ErrStoreBusy = forgeerrors.New("store is busy")

// Lock records which process drives a session.
type Lock struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	PID       int       `json:"pid" yaml:"pid"`
	Hostname  string    `json:"hostname" yaml:"hostname"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock claims sessionDir for this process. A lock left by a process
// that no longer exists is replaced. The logger may be nil.
func AcquireLock(sessionDir, sessionID string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	lockPath := filepath.Join(sessionDir, LockFileName)

	if existing, err := ReadLock(lockPath); err == nil {
		if existing.PID != os.Getpid() && isProcessAlive(existing.PID) {
			logger.Error("failed to acquire lock", "session_id", sessionID, "pid", existing.PID, "hostname", existing.Hostname)
			return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		if existing.PID != os.Getpid() {
			logger.Warn("stale lock cleaned", "session_id", sessionID, "old_pid", existing.PID)
		}
	}

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses the race to a process that created the file since the check above.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrSessionLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	logger.Info("session lock acquired", "session_id", sessionID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("session lock released", "session_id", l.SessionID)
	}
	return nil
}

// ReadLock parses a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether a live process owns sessionDir. A stale lock is
// returned with false.
func IsLocked(sessionDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(sessionDir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

// CleanStaleLock removes the lock of a process that is no longer running
// and reports whether it did.
func CleanStaleLock(sessionDir string, logger *logging.Logger) (bool, error) {
	lockPath := filepath.Join(sessionDir, LockFileName)
	lock, err := ReadLock(lockPath)
	if err != nil || isProcessAlive(lock.PID) {
		return false, nil
	}
	if err := os.Remove(lockPath); err != nil {
		return false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if logger != nil {
		logger.Warn("stale lock cleaned", "session_id", lock.SessionID, "old_pid", lock.PID)
	}
	return true, nil
}

// isProcessAlive sends signal 0, which checks existence without side effects.
// EPERM means the process exists but belongs to another user.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
