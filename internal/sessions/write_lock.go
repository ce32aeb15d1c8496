package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Lock acquisition defaults.
const (
	DefaultLockMaxHold   = 30 * time.Second
	lockPollInterval     = 50 * time.Millisecond
	lockStaleThreshold   = 5 * time.Minute
	lockFileSuffix       = ".lock"
)

// ErrLockTimeout is returned when the write lock is not acquired within the
// caller's budget. The operation must fail with no side effects.
var ErrLockTimeout = errors.New("sessions: write lock acquisition timeout")

// lockPayload is written into the lock file for diagnostics.
type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

// WriteLock is an acquired exclusive lock on a session transcript. Only the
// holder may append to the transcript or mutate the persisted message list.
type WriteLock struct {
	path     string
	released bool
}

// LockPath returns the sibling lock path for a transcript file.
func LockPath(transcriptPath string) string {
	return transcriptPath + lockFileSuffix
}

// AcquireWriteLock acquires the exclusive lock for transcriptPath, polling
// until acquisition or maxHold elapses. A lock file whose mtime is older
// than the stale threshold is presumed orphaned, removed, and retried.
func AcquireWriteLock(transcriptPath string, maxHold time.Duration) (*WriteLock, error) {
	if maxHold <= 0 {
		maxHold = DefaultLockMaxHold
	}
	lockPath := LockPath(transcriptPath)
	deadline := time.Now().Add(maxHold)
	staleRemoved := false

	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			payload := lockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			data, merr := json.Marshal(payload)
			if merr == nil {
				_, _ = file.Write(data) //nolint:errcheck
			}
			_ = file.Close()
			return &WriteLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("sessions: create lock %s: %w", lockPath, err)
		}

		// Coarse stale recovery: a held lock older than the threshold is
		// presumed orphaned. Removed at most once per acquisition.
		if !staleRemoved {
			if info, serr := os.Stat(lockPath); serr == nil {
				if time.Since(info.ModTime()) > lockStaleThreshold {
					_ = os.Remove(lockPath)
					staleRemoved = true
					continue
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// Release unlinks the lock file. Releasing twice, or releasing after the
// file was removed externally, is a no-op.
func (l *WriteLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the lock file path.
func (l *WriteLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}
