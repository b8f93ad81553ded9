// Package lock provides the single-instance run lock for the backup
// pipeline. The lock is an advisory flock(2) on a well-known file:
// the kernel releases it on process exit through any path, including
// signals, so a crashed run can never wedge the next one.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrAlreadyHeld is returned when another run holds the lock.
var ErrAlreadyHeld = errors.New("backup run lock is held by another process")

// Lock represents the acquired run lock.
type Lock struct {
	Path string
	file *os.File
}

// Acquire takes the run lock at path without blocking. If another
// process holds it, ErrAlreadyHeld is returned immediately.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	// Holder info is diagnostic only; the flock is the source of truth.
	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n",
		os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(content), 0)
	}

	return &Lock{Path: path, file: f}, nil
}

// Release drops the flock and closes the file. Safe to skip: the kernel
// performs the same cleanup when the process exits.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	fd := int(l.file.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil
	return nil
}
