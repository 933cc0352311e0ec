// Package lock provides an advisory file lock on the backup root so that
// only one backup or restore runs against a stack instance at a time.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created inside the backup root.
const LockFileName = "stackbak.lock"

// ErrLockHeld is returned when another process already holds the lock.
// A second invocation must fail fast with this error rather than interleave
// with the running backup or restore.
var ErrLockHeld = errors.New("backup root is locked by another process")

// Lock represents an acquired advisory lock on a backup root.
type Lock struct {
	Path string
	file *os.File
}

// Meta is the JSON metadata written alongside the lock file so a blocked
// invocation can report who holds the lock.
type Meta struct {
	PID        int    `json:"pid"`
	Operation  string `json:"operation"`
	AcquiredAt string `json:"acquired_at"`
}

// Acquire takes an exclusive, non-blocking flock on <root>/stackbak.lock.
// The operation string ("backup" or "restore") is recorded in the lock
// metadata. Returns ErrLockHeld (wrapped with the holder's PID when it can
// be read) if the lock is already taken.
func Acquire(root, operation string) (*Lock, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create backup root for lock: %w", err)
	}

	lockPath := filepath.Join(root, LockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if meta, metaErr := readMeta(lockPath); metaErr == nil {
				return nil, fmt.Errorf("%w (held by PID %d since %s for %s)",
					ErrLockHeld, meta.PID, meta.AcquiredAt, meta.Operation)
			}
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	meta := Meta{
		PID:        os.Getpid(),
		Operation:  operation,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("marshal lock metadata: %w", err)
	}
	if err := os.WriteFile(lockPath+".meta", data, 0644); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write lock metadata: %w", err)
	}

	return &Lock{Path: lockPath, file: f}, nil
}

// Release drops the flock, closes the lock file and removes the metadata
// file. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.Path, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil

	// Best-effort removal; a stale meta file is only cosmetic.
	_ = os.Remove(l.Path + ".meta")
	return nil
}

// readMeta reads the JSON metadata written by the current lock holder.
func readMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal lock metadata: %w", err)
	}
	return meta, nil
}
