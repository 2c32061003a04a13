package fs

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps an *os.PathError carrying a syscall.Errno, so errors.Is and
// os.IsNotExist-style checks keep working on it.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by
// [Faulty]. Returns false if err is nil.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Op names an [FS] operation [Faulty] can fail.
type Op string

// Operations [Faulty] can fail.
const (
	OpOpen            Op = "open"
	OpOpenFile        Op = "openfile"
	OpReadFile        Op = "readfile"
	OpWriteFileAtomic Op = "writefileatomic"
	OpReadDir         Op = "readdir"
	OpMkdirAll        Op = "mkdirall"
	OpStat            Op = "stat"
	OpRemove          Op = "remove"
)

type fault struct {
	op    Op
	match func(path string) bool
	errno syscall.Errno
	left  int // remaining failures, < 0 for unlimited
}

// Faulty wraps an [FS] and fails selected operations with real errno
// errors. Tests use it to exercise error paths of the table store and the
// queue directory.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	fs FS

	mu     sync.Mutex
	faults []*fault
	hits   map[Op]int
}

// NewFaulty returns a Faulty passing every call through to fs until faults
// are added.
func NewFaulty(fs FS) *Faulty {
	return &Faulty{fs: fs, hits: make(map[Op]int)}
}

// Fail makes op fail with errno on paths for which match reports true.
// A nil match matches every path. times < 0 fails forever.
func (f *Faulty) Fail(op Op, match func(path string) bool, errno syscall.Errno, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, &fault{op: op, match: match, errno: errno, left: times})
}

// Reset removes all faults.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = nil
}

// Hits returns how many times op failed.
func (f *Faulty) Hits(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[op]
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ft := range f.faults {
		if ft.op != op || ft.left == 0 || (ft.match != nil && !ft.match(path)) {
			continue
		}

		if ft.left > 0 {
			ft.left--
		}

		f.hits[op]++

		return &InjectedError{Err: &os.PathError{Op: string(op), Path: path, Err: ft.errno}}
	}

	return nil
}

// Open implements [FS].
func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	return f.fs.Open(path)
}

// OpenFile implements [FS].
func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.fs.OpenFile(path, flag, perm)
}

// ReadFile implements [FS].
func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

// WriteFileAtomic implements [FS].
func (f *Faulty) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.check(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.fs.WriteFileAtomic(path, data, perm)
}

// ReadDir implements [FS].
func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.fs.ReadDir(path)
}

// MkdirAll implements [FS].
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

// Stat implements [FS].
func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

// Exists implements [FS]. Failures injected for [OpStat] apply.
func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

// Remove implements [FS].
func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

var _ FS = (*Faulty)(nil)
