//go:build windows

package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

var (
	// ErrWouldBlock is returned by TryLock/TryRLock when the lock is held by
	// another process, or by *WithTimeout when the acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")
)

// Locker provides file-based locking using LockFileEx, the Windows analogue
// of flock(2). Unlike flock, LockFileEx locks byte ranges of a pathname's
// open handle directly; there is no inode-replacement race to guard against
// because the handle is opened fresh for every attempt and held for the
// lifetime of the Lock.
type Locker struct {
	fs FS
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	file File
}

const lockRangeBytes = 1

func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	handle := windows.Handle(lk.file.Fd())
	_ = windows.UnlockFileEx(handle, 0, lockRangeBytes, 0, &windows.Overlapped{})

	err := lk.file.Close()
	lk.file = nil

	if err != nil {
		return fmt.Errorf("closing lock fd: %w", err)
	}

	return nil
}

type lockType int

const (
	sharedLock    lockType = 0
	exclusiveLock lockType = windows.LOCKFILE_EXCLUSIVE_LOCK
)

func (l *Locker) Lock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, -1)
}

func (l *Locker) RLock(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, -1)
}

func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}
	return l.lockPolling(path, exclusiveLock, timeout)
}

func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}
	return l.lockPolling(path, sharedLock, timeout)
}

func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0)
}

func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, 0)
}

// lockPolling attempts to acquire a lock with retries.
//
//   - timeout == 0: try once (TryLock behavior)
//   - timeout < 0: block indefinitely
//   - timeout > 0: retry with backoff until timeout
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	backoff := time.Millisecond

	for {
		file, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		handle := windows.Handle(file.Fd())
		flags := uint32(lt)
		if timeout >= 0 {
			// LockFileEx is blocking unless LOCKFILE_FAIL_IMMEDIATELY is set.
			flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
		}

		err = windows.LockFileEx(handle, flags, 0, lockRangeBytes, 0, &windows.Overlapped{})
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if timeout < 0 {
			return nil, fmt.Errorf("locking: %w", err)
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)
