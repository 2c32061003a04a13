package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/rollq/internal/fs"
)

const (
	// DefaultBlockSize is the chunk size of segment mappings.
	DefaultBlockSize int64 = 16 << 20

	maxBlockSize int64 = 1 << 30

	segmentFilePerm = 0o644
)

var pageSize = int64(unix.Getpagesize())

func validateBlockSize(bs int64) error {
	if bs < 4*pageSize || bs > maxBlockSize || bs%pageSize != 0 {
		return fmt.Errorf("block size %d must be a multiple of %d in [%d, %d]: %w",
			bs, pageSize, 4*pageSize, maxBlockSize, ErrInvalidInput)
	}

	return nil
}

// segmentFile is one cycle's file, shared by every handle in this process.
type segmentFile struct {
	cycle    int
	name     string
	file     fs.File
	writable bool

	openCount atomic.Int64

	// mu guards size.
	mu   sync.Mutex
	size int64
}

func (f *segmentFile) fd() int { return int(f.file.Fd()) }

// ensureSize grows the file to at least n bytes. Space is allocated with
// fallocate so later page faults never hit a hole; the file never shrinks.
func (f *segmentFile) ensureSize(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n <= f.size {
		return nil
	}

	err := unix.Fallocate(f.fd(), 0, 0, n)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		err = f.truncateUp(n)
	}

	if err != nil {
		return fmt.Errorf("extend %s to %d: %w", f.name, n, err)
	}

	f.size = n

	return nil
}

// truncateUp is the fallback for filesystems without fallocate. Another
// process may have grown the file further, so it only ever extends.
func (f *segmentFile) truncateUp(n int64) error {
	var st unix.Stat_t

	err := unix.Fstat(f.fd(), &st)
	if err != nil {
		return err
	}

	if st.Size >= n {
		return nil
	}

	return unix.Ftruncate(f.fd(), n)
}

// openSegmentFile returns the shared file for cycle, opening it on first
// use. created reports whether this call created the file on disk.
func (q *Queue) openSegmentFile(cycle int, create bool) (f *segmentFile, created bool, err error) {
	f, _ = q.files.Compute(cycle, func(old *segmentFile, loaded bool) (*segmentFile, bool) {
		if loaded {
			old.openCount.Add(1)

			return old, false
		}

		nf, c, openErr := q.openFileOnDisk(cycle, create)
		if openErr != nil {
			err = openErr

			return nil, true
		}

		nf.openCount.Store(1)
		created = c

		return nf, false
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		q.logger.Debug().Int("cycle", cycle).Str("file", f.name).Msg("created segment file")
	}

	return f, created, nil
}

func (q *Queue) openFileOnDisk(cycle int, create bool) (*segmentFile, bool, error) {
	name := q.rollCycle.FileName(cycle, q.epoch)
	path := filepath.Join(q.dir, name)

	flag := os.O_RDWR
	if q.readOnly {
		flag = os.O_RDONLY
	}

	created := false

	file, err := q.fsys.OpenFile(path, flag, 0)
	if errors.Is(err, os.ErrNotExist) && create && !q.readOnly {
		file, err = q.fsys.OpenFile(path, flag|os.O_CREATE|os.O_EXCL, segmentFilePerm)
		created = err == nil

		if errors.Is(err, os.ErrExist) {
			file, err = q.fsys.OpenFile(path, flag, 0)
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("cycle %d (%s): %w", cycle, name, ErrNoSegment)
	}

	if err != nil {
		return nil, false, fmt.Errorf("open segment %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, false, fmt.Errorf("stat segment %s: %w", name, err)
	}

	return &segmentFile{
		cycle:    cycle,
		name:     name,
		file:     file,
		writable: !q.readOnly,
		size:     info.Size(),
	}, created, nil
}

// releaseSegmentFile drops one use of f, closing it after the last.
func (q *Queue) releaseSegmentFile(f *segmentFile) error {
	var closeErr error

	q.files.Compute(f.cycle, func(old *segmentFile, loaded bool) (*segmentFile, bool) {
		if !loaded || old != f {
			return old, !loaded
		}

		if old.openCount.Add(-1) > 0 {
			return old, false
		}

		closeErr = old.file.Close()

		return nil, true
	})

	if closeErr != nil {
		return fmt.Errorf("close segment %s: %w", f.name, closeErr)
	}

	return nil
}

// segment is one holder's view of a cycle's file. It maps the file lazily
// in chunks of blockSize plus an overlap of blockSize/4, so any document no
// larger than the overlap is contiguous inside the chunk its header starts
// in.
//
// A segment is not safe for concurrent use.
type segment struct {
	q         *Queue
	file      *segmentFile
	blockSize int64
	overlap   int64
	chunks    map[int][]byte
	tracked   bool
	closed    bool
}

// acquireSegment opens a handle on cycle and records the reference.
func (q *Queue) acquireSegment(cycle int, create bool) (*segment, error) {
	if cycle < 0 {
		return nil, fmt.Errorf("cycle %d: %w", cycle, ErrInvalidInput)
	}

	if q.closed.Load() {
		return nil, ErrClosed
	}

	f, created, err := q.openSegmentFile(cycle, create)
	if err != nil {
		return nil, err
	}

	if created {
		err = q.listing.recordCreated(cycle)
		if err != nil {
			_ = q.releaseSegmentFile(f)

			return nil, fmt.Errorf("record segment %s: %w", f.name, err)
		}
	}

	s := &segment{
		q:         q,
		file:      f,
		blockSize: q.blockSize,
		overlap:   q.blockSize / 4,
		chunks:    make(map[int][]byte),
	}

	if q.tracker != nil {
		// The reservation keeps the table mapped, and with it the counter
		// Close decrements, for as long as the handle lives.
		err = q.store.Reserve()
		if err != nil {
			_ = q.releaseSegmentFile(f)

			return nil, fmt.Errorf("segment %s: %w: %w", f.name, ErrClosed, err)
		}

		err = q.tracker.Acquired(cycle)
		if err != nil {
			_ = q.releaseSegmentFile(f)
			_ = q.store.Release()

			return nil, err
		}

		s.tracked = true
	}

	return s, nil
}

func (s *segment) cycle() int { return s.file.cycle }

func (s *segment) name() string { return s.file.name }

// maxPayload is the largest document payload a segment accepts. Room is
// kept for the header after it, which the appender clears on publish.
func (s *segment) maxPayload() int64 { return s.overlap - 2*docHeaderSize }

// chunk returns the mapping of chunk idx and whether this call mapped it.
func (s *segment) chunk(idx int) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}

	if data, ok := s.chunks[idx]; ok {
		return data, false, nil
	}

	if !s.file.writable {
		return nil, false, fmt.Errorf("map %s: %w", s.name(), ErrReadOnly)
	}

	offset := int64(idx) * s.blockSize
	length := s.blockSize + s.overlap

	err := s.file.ensureSize(offset + length)
	if err != nil {
		return nil, false, err
	}

	data, err := unix.Mmap(s.file.fd(), offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, false, fmt.Errorf("mmap %s chunk %d: %w", s.name(), idx, err)
	}

	s.chunks[idx] = data

	s.q.logger.Debug().Str("file", s.name()).Int("chunk", idx).Msg("mapped chunk")

	return data, true, nil
}

// window returns the n bytes starting at pos, from the chunk pos lies in.
// n must not exceed the overlap.
func (s *segment) window(pos, n int64) ([]byte, bool, error) {
	if pos < 0 || n < 0 || n > s.overlap {
		return nil, false, fmt.Errorf("window [%d, +%d): %w", pos, n, ErrInvalidInput)
	}

	idx := int(pos / s.blockSize)

	data, mapped, err := s.chunk(idx)
	if err != nil {
		return nil, false, err
	}

	off := pos - int64(idx)*s.blockSize

	return data[off : off+n : off+n], mapped, nil
}

// sync schedules write-back of every mapped chunk.
func (s *segment) sync() error {
	var errs []error

	for idx, data := range s.chunks {
		err := unix.Msync(data, unix.MS_ASYNC)
		if err != nil {
			errs = append(errs, fmt.Errorf("msync %s chunk %d: %w", s.name(), idx, err))
		}
	}

	return errors.Join(errs...)
}

// Close unmaps the handle's chunks, releases the shared file, drops the
// cycle reference and returns the table reservation. Subsequent calls are
// no-ops.
func (s *segment) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for idx, data := range s.chunks {
		err := unix.Munmap(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("munmap %s chunk %d: %w", s.name(), idx, err))
		}
	}

	s.chunks = nil

	errs = append(errs, s.q.releaseSegmentFile(s.file))

	if s.tracked {
		s.q.tracker.Released(s.cycle())
		errs = append(errs, s.q.store.Release())
	}

	return errors.Join(errs...)
}
