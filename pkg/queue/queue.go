package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
	"github.com/calvinalkan/rollq/pkg/tablestore"
)

// MetadataFileName is the table store file inside a queue directory.
const MetadataFileName = "metadata.cq4t"

const dirPerm = 0o755

// Options configures [Open].
type Options struct {
	// RollCycle buckets time into cycles. Default [rollcycle.Daily].
	//
	// Ignored when the queue already exists; the stored roll cycle wins.
	RollCycle rollcycle.RollCycle

	// Epoch is the start of cycle 0 in Unix milliseconds. Ignored when the
	// queue already exists.
	Epoch int64

	// BlockSize is the chunk size of segment mappings; documents are limited
	// to a quarter of it. Must be a page multiple of at least four pages.
	// Default [DefaultBlockSize]. Ignored when the queue already exists.
	BlockSize int64

	// TimeProvider is the clock. Default time.Now.
	TimeProvider func() time.Time

	// ReadOnly opens an existing queue without mapping its table. Reference
	// counts are neither read nor updated and appenders are refused.
	ReadOnly bool

	// LockTimeout bounds waits for the table lock. Default 10s.
	LockTimeout time.Duration

	// Logger receives warnings and debug events. Default zerolog.Nop().
	Logger *zerolog.Logger

	// FS is the filesystem. Default fs.NewReal().
	FS fs.FS
}

// Queue is one roll-cycle queue directory opened by this process.
//
// Queue methods are safe for concurrent use. Appenders, tailers and
// pretouchers it hands out are not, unless documented otherwise.
type Queue struct {
	dir       string
	rollCycle rollcycle.RollCycle
	epoch     int64
	blockSize int64
	now       func() time.Time
	readOnly  bool
	logger    zerolog.Logger
	fsys      fs.FS
	locker    *fs.Locker

	store   tablestore.TableStore
	tracker *ReferenceTracker // nil when read-only
	listing *listing
	files   *xsync.MapOf[int, *segmentFile]

	closed atomic.Bool
}

// Open opens the queue in dir, creating it unless opts.ReadOnly is set.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible], table store errors
// (tablestore.ErrCorrupt, ...), filesystem errors.
func Open(dir string, opts Options) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required: %w", ErrInvalidInput)
	}

	if opts.RollCycle.IsZero() {
		opts.RollCycle = rollcycle.Daily
	}

	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}

	err := validateBlockSize(opts.BlockSize)
	if err != nil {
		return nil, err
	}

	if opts.TimeProvider == nil {
		opts.TimeProvider = time.Now
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	logger = logger.With().Str("queue", dir).Logger()

	store, err := openStore(dir, opts, &logger)
	if err != nil {
		return nil, err
	}

	meta, err := decodeMetadata(store.Metadata())
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	if meta.rollCycle != opts.RollCycle || meta.epoch != opts.Epoch || meta.blockSize != opts.BlockSize {
		logger.Debug().
			Str("roll_cycle", meta.rollCycle.Name()).
			Int64("epoch", meta.epoch).
			Int64("block_size", meta.blockSize).
			Msg("using stored queue metadata")
	}

	q := &Queue{
		dir:       dir,
		rollCycle: meta.rollCycle,
		epoch:     meta.epoch,
		blockSize: meta.blockSize,
		now:       opts.TimeProvider,
		readOnly:  opts.ReadOnly,
		logger:    logger,
		fsys:      opts.FS,
		locker:    fs.NewLocker(opts.FS),
		store:     store,
		files:     xsync.NewMapOf[int, *segmentFile](),
	}

	if !opts.ReadOnly {
		q.tracker = NewReferenceTracker(store, logger)
	}

	q.listing, err = newListing(dir, q.rollCycle, q.epoch, opts.FS, store, opts.ReadOnly, logger)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	return q, nil
}

func openStore(dir string, opts Options, logger *zerolog.Logger) (tablestore.TableStore, error) {
	path := filepath.Join(dir, MetadataFileName)

	if opts.ReadOnly {
		raw, err := tablestore.ReadMetadata(opts.FS, path)
		if err != nil {
			return nil, fmt.Errorf("open read-only queue: %w", err)
		}

		return tablestore.NewReadOnly(raw), nil
	}

	err := opts.FS.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	meta := queueMetadata{rollCycle: opts.RollCycle, epoch: opts.Epoch, blockSize: opts.BlockSize}

	store, err := tablestore.Open(tablestore.Options{
		Path:        path,
		Metadata:    meta.encode(),
		LockTimeout: opts.LockTimeout,
		Logger:      logger,
		FS:          opts.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue table: %w", err)
	}

	return store, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// RollCycle returns the queue's roll cycle.
func (q *Queue) RollCycle() rollcycle.RollCycle { return q.rollCycle }

// Epoch returns the start of cycle 0 in Unix milliseconds.
func (q *Queue) Epoch() int64 { return q.epoch }

// BlockSize returns the chunk size of segment mappings.
func (q *Queue) BlockSize() int64 { return q.blockSize }

// MaxDocumentSize returns the largest payload an appender accepts.
func (q *Queue) MaxDocumentSize() int64 { return q.blockSize/4 - 2*docHeaderSize }

// ReadOnly reports whether the queue was opened read-only.
func (q *Queue) ReadOnly() bool { return q.readOnly }

// Store returns the queue's table store.
func (q *Queue) Store() tablestore.TableStore { return q.store }

// ReferenceTracker returns the cycle reference tracker, or nil for a
// read-only queue.
func (q *Queue) ReferenceTracker() *ReferenceTracker { return q.tracker }

// CurrentCycle returns the cycle the clock is in.
func (q *Queue) CurrentCycle() (int, error) { return q.currentCycle() }

func (q *Queue) currentCycle() (int, error) {
	now := q.now()

	c := q.rollCycle.Cycle(now, q.epoch)
	if c < 0 {
		return 0, fmt.Errorf("%s: %w", now.UTC().Format(time.RFC3339), ErrBeforeEpoch)
	}

	return c, nil
}

// FileName returns the segment file name of cycle.
func (q *Queue) FileName(cycle int) string { return q.rollCycle.FileName(cycle, q.epoch) }

// FirstCycle returns the lowest cycle with a segment file.
func (q *Queue) FirstCycle() (int, bool, error) {
	if q.closed.Load() {
		return 0, false, ErrClosed
	}

	return q.listing.first()
}

// LastCycle returns the highest cycle with a segment file.
func (q *Queue) LastCycle() (int, bool, error) {
	if q.closed.Load() {
		return 0, false, ErrClosed
	}

	return q.listing.last()
}

// NextCycle returns the lowest cycle with a segment file after the given one.
func (q *Queue) NextCycle(after int) (int, bool, error) {
	if q.closed.Load() {
		return 0, false, ErrClosed
	}

	return q.listing.next(after)
}

// Cycles returns every cycle with a segment file, ascending.
func (q *Queue) Cycles() ([]int, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	return q.listing.all()
}

// ReferenceCount returns how many holders cycle has across all processes.
//
// Returns [ErrReadOnly] for read-only queues.
func (q *Queue) ReferenceCount(cycle int) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}

	if q.tracker == nil {
		return 0, fmt.Errorf("reference count: %w", ErrReadOnly)
	}

	n, err := q.tracker.ReferenceCount(cycle)
	if errors.Is(err, tablestore.ErrClosed) {
		return 0, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return n, err
}

// DeleteUnusedCycles removes the segment files of cycles before the given
// one that nobody holds, and returns the deleted cycles. The highest cycle
// on disk is never deleted.
//
// Counts are read under the table lock. A holder that already has the
// counter cached can still acquire a cycle while it is being deleted; cycles
// are expected to be old enough that nobody opens them anymore.
func (q *Queue) DeleteUnusedCycles(before int) ([]int, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	if q.readOnly {
		return nil, fmt.Errorf("delete cycles: %w", ErrReadOnly)
	}

	var deleted []int

	err := q.store.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
		cycles, err := q.listing.scanDir()
		if err != nil || len(cycles) == 0 {
			return err
		}

		highest := cycles[len(cycles)-1]
		remaining := make([]int, 0, len(cycles))

		var errs []error

		for _, c := range cycles {
			if c >= before || c == highest {
				remaining = append(remaining, c)

				continue
			}

			unused, checkErr := q.unusedLocked(ts, c)
			if checkErr != nil || !unused {
				errs = append(errs, checkErr)
				remaining = append(remaining, c)

				continue
			}

			removeErr := q.fsys.Remove(filepath.Join(q.dir, q.FileName(c)))
			if removeErr != nil {
				errs = append(errs, fmt.Errorf("remove cycle %d: %w", c, removeErr))
				remaining = append(remaining, c)

				continue
			}

			deleted = append(deleted, c)
		}

		if len(deleted) > 0 {
			q.listing.recordDeletedLocked(remaining)
		}

		return errors.Join(errs...)
	})

	for _, c := range deleted {
		q.logger.Debug().Int("cycle", c).Msg("deleted unused cycle")
	}

	return deleted, err
}

// unusedLocked reports whether cycle has no holders. Callers hold the
// table lock, so the key is resolved directly instead of via the tracker.
func (q *Queue) unusedLocked(ts tablestore.TableStore, cycle int) (bool, error) {
	if _, open := q.files.Load(cycle); open {
		return false, nil
	}

	v, err := ts.AcquireValueFor(tablestore.StringKey(strconv.Itoa(cycle)), uninitialized)
	if err != nil {
		return false, fmt.Errorf("count cycle %d: %w", cycle, err)
	}

	n := v.Load()
	if n == uninitialized {
		v.CompareAndSwap(uninitialized, 0)

		return true, nil
	}

	if n < 0 {
		q.logger.Warn().Int("cycle", cycle).Int64("count", n).Msg("cleanup: negative reference count, keeping cycle")
	}

	return n == 0, nil
}

// Close releases the queue's table reservation. Segment handles still open
// keep the table mapped until they are closed. Subsequent calls are no-ops.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	return q.store.Close()
}
