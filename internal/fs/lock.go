package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when another descriptor holds the lock: at
	// once by [Locker.TryLock], after the wait by [Locker.LockWithTimeout].
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	errReplaced = errors.New("lock file replaced")
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	// Fixed width so a shorter pid never leaves digits of a longer one.
	holderRecordWidth = 10

	minBackoff = time.Millisecond
	maxBackoff = 25 * time.Millisecond

	maxEINTRRetries = 10000
)

// Locker takes exclusive flock(2) locks on lock files such as the table
// store's metadata.cq4t.lock and a queue's appender.lock.
//
// Each acquisition opens its own descriptor, so goroutines of one process
// exclude each other the same way processes do. A successful holder writes
// its pid into the file; [Locker.Holder] reads it back for error messages.
// Lock files must never be replaced or unlinked while locks may be held.
//
// Locker is safe for concurrent use as long as its [FS] is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
	pid   int
}

// NewLocker creates a Locker that opens lock files through fs.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: unix.Flock, pid: os.Getpid()}
}

// Lock is a held lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	path  string
	file  File
	flock func(fd int, how int) error
}

// Path returns the lock file path.
func (lk *Lock) Path() string { return lk.path }

// Close releases the lock and closes its descriptor. Close is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	var errs []error

	err := flockEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN)
	if err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", lk.path, err))
	}

	err = lk.file.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", lk.path, err))
	}

	lk.file = nil

	return errors.Join(errs...)
}

// TryLock takes the lock at path without waiting. Missing parent
// directories are created.
//
// Returns an error matching [ErrWouldBlock] if the lock is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		lk, err := l.tryOnce(path)
		if errors.Is(err, errReplaced) {
			continue
		}

		if errors.Is(err, ErrWouldBlock) {
			return nil, l.busy(path)
		}

		return lk, err
	}
}

// LockWithTimeout takes the lock at path, retrying with exponential backoff
// (1ms up to 25ms) until timeout expires.
//
// Returns an error matching [ErrWouldBlock] on timeout, and
// [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}

	deadline := time.Now().Add(timeout)
	backoff := minBackoff

	for {
		lk, err := l.tryOnce(path)

		switch {
		case err == nil:
			return lk, nil
		case errors.Is(err, errReplaced):
			continue
		case !errors.Is(err, ErrWouldBlock):
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("after %s: %w", timeout, l.busy(path))
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, maxBackoff)
	}
}

// Holder returns the pid recorded by the current or most recent holder of
// the lock at path, or 0 if none was recorded.
func (l *Locker) Holder(path string) (int, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return 0, err
	}

	record := strings.TrimSpace(string(data))
	if record == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(record)
	if err != nil {
		return 0, fmt.Errorf("lock file %s: bad holder record %q", path, record)
	}

	return pid, nil
}

func (l *Locker) busy(path string) error {
	pid, err := l.Holder(path)
	if err != nil || pid == 0 {
		return fmt.Errorf("%s: %w", path, ErrWouldBlock)
	}

	return fmt.Errorf("%s held by pid %d: %w", path, pid, ErrWouldBlock)
}

// tryOnce makes one non-blocking attempt. It returns errReplaced when the
// file at path is no longer the inode that was locked.
func (l *Locker) tryOnce(path string) (*Lock, error) {
	file, err := l.openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	fd := int(file.Fd())

	err = flockEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	same, err := l.sameInode(path, file)
	if err != nil || !same {
		_ = flockEINTR(l.flock, fd, unix.LOCK_UN)
		_ = file.Close()

		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil, errReplaced
		}

		return nil, fmt.Errorf("verify lock file %s: %w", path, err)
	}

	l.recordHolder(file)

	return &Lock{path: path, file: file, flock: l.flock}, nil
}

// recordHolder writes this process's pid. The record is diagnostic only,
// so write failures are ignored.
func (l *Locker) recordHolder(file File) {
	_, err := file.Seek(0, io.SeekStart)
	if err != nil {
		return
	}

	_, _ = fmt.Fprintf(file, "%*d\n", holderRecordWidth, l.pid)
}

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// sameInode reports whether the locked descriptor still refers to the file
// at path. flock locks an inode; a file swapped in between open and flock
// would otherwise give two holders different inodes.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	locked, err := f.Stat()
	if err != nil {
		return false, err
	}

	current, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	a, aok := locked.Sys().(*syscall.Stat_t)
	b, bok := current.Sys().(*syscall.Stat_t)

	if !aok || !bok {
		return os.SameFile(locked, current), nil
	}

	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}

// flockEINTR retries flock on EINTR, up to a cap.
func flockEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error

	for range maxEINTRRetries {
		err = flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
