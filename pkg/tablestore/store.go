package tablestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/rollq/internal/fs"
)

// TableStore is a persisted mapping from string keys to atomically-updatable
// 64-bit values, shared by every process that maps the same file.
//
// Implementations: [*Store] (memory-mapped) and [*ReadOnlyStore].
type TableStore interface {
	// Metadata returns the store's header record.
	Metadata() Metadata

	// AcquireValueFor returns the handle bound to key, creating it with
	// defaultValue if absent. It must be called from inside
	// DoWithExclusiveLock.
	AcquireValueFor(key Key, defaultValue int64) (*Value, error)

	// DoWithExclusiveLock runs fn while holding the cross-process lock and
	// returns fn's error. The lock is released on every exit path.
	DoWithExclusiveLock(fn func(TableStore) error) error

	// Reserve increments the store's reference count.
	Reserve() error

	// TryReserve is Reserve without the error; it reports whether the
	// reservation was taken.
	TryReserve() bool

	// Release decrements the reference count, unmapping the store at zero.
	Release() error

	// RefCount returns the current reference count.
	RefCount() (int64, error)

	// File returns the path of the backing file.
	File() (string, error)

	// Dump renders the header and all entries as text.
	Dump() (string, error)

	// WriteTo writes a binary snapshot of the mapped file to w.
	WriteTo(w io.Writer) (int64, error)

	// Close releases the reservation taken when the store was opened.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ TableStore = (*Store)(nil)
	_ TableStore = (*ReadOnlyStore)(nil)
)

const (
	defaultLockTimeout = 10 * time.Second
	tableFilePerm      = 0o644
)

// Options configures opening or creating a table store.
type Options struct {
	// Path is the filesystem path of the table file.
	//
	// Required. The exclusive lock lives at Path+".lock".
	Path string

	// Metadata is written into a newly created file. When the file already
	// exists its stored metadata wins; see [Store.Metadata].
	Metadata Metadata

	// InitialRegions is the number of regions of a newly created file.
	//
	// Default 1.
	InitialRegions int

	// LockTimeout bounds how long DoWithExclusiveLock waits for the lock.
	//
	// Default 10s.
	LockTimeout time.Duration

	// Logger receives warnings and growth events. Default zerolog.Nop().
	Logger *zerolog.Logger

	// FS is the filesystem used for creation and locking. Default fs.NewReal().
	FS fs.FS
}

// Entry is one key/value pair as read by [Store.Entries].
type Entry struct {
	Key   string
	Value int64
}

// region is one mapped, page-aligned slice of the table file.
type region []byte

// Store is a memory-mapped [TableStore].
//
// A Store must be obtained via [Open]; the zero value is not usable.
type Store struct {
	_ [0]func() // prevent external construction

	// mu serializes locked sections and mapping changes in this process.
	// The flock alone would also exclude goroutines (each acquisition opens
	// its own descriptor), but mu keeps the mapping bookkeeping simple.
	mu sync.Mutex

	path     string
	lockPath string
	fsys     fs.FS
	locker   *fs.Locker
	timeout  time.Duration
	logger   zerolog.Logger
	metadata Metadata

	fd         int
	regionSize int

	// regions is replaced copy-on-write on growth so lock-free readers can
	// load it. mappings owns the mmaps backing regions.
	regions  atomic.Pointer[[]region]
	mappings [][]byte

	refCount atomic.Int64
	closed   atomic.Bool
}

// lockedStore is the view of a [Store] handed to a locked section. It
// alone may create entries, and only until the section returns.
type lockedStore struct {
	*Store

	done atomic.Bool
}

// AcquireValueFor implements [TableStore] for the duration of the locked
// section.
func (l *lockedStore) AcquireValueFor(key Key, defaultValue int64) (*Value, error) {
	if l.done.Load() {
		return nil, ErrLockNotHeld
	}

	return l.acquireLocked(key, defaultValue)
}

// Open opens or creates the table store at opts.Path.
//
// The returned store holds one reservation, released by [Store.Close].
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrIncompatible]: format mismatch
//   - [ErrCorrupt]: damaged file
//   - lock and syscall errors: file creation, open, mmap
func Open(opts Options) (*Store, error) {
	if !is64Bit {
		return nil, errors.New("tablestore requires 64-bit architecture")
	}

	if !isLittleEndian {
		return nil, errors.New("tablestore requires little-endian CPU (x86_64, arm64)")
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.InitialRegions == 0 {
		opts.InitialRegions = 1
	}

	if opts.InitialRegions < 1 || opts.InitialRegions > maxRegions {
		return nil, fmt.Errorf("initial_regions %d not in [1, %d]: %w", opts.InitialRegions, maxRegions, ErrInvalidInput)
	}

	if opts.LockTimeout < 0 {
		return nil, fmt.Errorf("lock_timeout %s is negative: %w", opts.LockTimeout, ErrInvalidInput)
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Store{
		path:     opts.Path,
		lockPath: opts.Path + ".lock",
		fsys:     opts.FS,
		locker:   fs.NewLocker(opts.FS),
		timeout:  opts.LockTimeout,
		logger:   logger.With().Str("table", opts.Path).Logger(),
		fd:       -1,
	}

	exists, err := opts.FS.Exists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("stat table file: %w", err)
	}

	if !exists {
		err = s.createUnderLock(opts)
		if err != nil {
			return nil, err
		}
	}

	err = s.openAndMap()
	if err != nil {
		return nil, err
	}

	s.refCount.Store(1)

	return s, nil
}

// createUnderLock writes the initial file image while holding the table
// lock, so racing creators agree on one inode.
func (s *Store) createUnderLock(opts Options) error {
	lock, err := s.locker.LockWithTimeout(s.lockPath, s.timeout)
	if err != nil {
		return fmt.Errorf("acquire table lock for create: %w", err)
	}
	defer s.closeLock(lock)

	exists, err := s.fsys.Exists(s.path)
	if err != nil {
		return fmt.Errorf("stat table file: %w", err)
	}

	if exists {
		return nil
	}

	regionSize := regionSizeForPlatform()
	header := newHeader(uint32(regionSize), uint64(opts.InitialRegions), opts.Metadata)

	image := make([]byte, regionSize*opts.InitialRegions)
	copy(image, encodeHeader(&header))

	err = s.fsys.WriteFileAtomic(s.path, image, tableFilePerm)
	if err != nil {
		return fmt.Errorf("create table file: %w", err)
	}

	s.logger.Debug().Int("regions", opts.InitialRegions).Msg("created table store")

	return nil
}

// openAndMap opens the existing file, validates the header and maps every
// published region.
func (s *Store) openAndMap() error {
	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open table file: %w", err)
	}

	var stat unix.Stat_t

	err = unix.Fstat(fd, &stat)
	if err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("stat table file: %w", err)
	}

	if stat.Size < tbs1HeaderSize {
		_ = unix.Close(fd)

		return fmt.Errorf("file size %d is less than header size %d: %w", stat.Size, tbs1HeaderSize, ErrCorrupt)
	}

	headerBuf := make([]byte, tbs1HeaderSize)

	n, err := unix.Pread(fd, headerBuf, 0)
	if err != nil || n != tbs1HeaderSize {
		_ = unix.Close(fd)

		return fmt.Errorf("read header: %w", ErrCorrupt)
	}

	header, err := validateHeader(headerBuf)
	if err != nil {
		_ = unix.Close(fd)

		return err
	}

	needed := int64(header.RegionCount) * int64(header.RegionSize)
	if stat.Size < needed {
		_ = unix.Close(fd)

		return fmt.Errorf("file size %d is less than %d regions of %d: %w",
			stat.Size, header.RegionCount, header.RegionSize, ErrCorrupt)
	}

	s.fd = fd
	s.regionSize = int(header.RegionSize)
	s.metadata = header.Metadata

	empty := []region{}
	s.regions.Store(&empty)

	err = s.mapRegions(int(header.RegionCount))
	if err != nil {
		s.unmapAll()

		return err
	}

	return nil
}

// mapRegions maps regions [len(current), count) as one new mapping.
// Callers hold mu or are still constructing the store.
func (s *Store) mapRegions(count int) error {
	current := *s.regions.Load()
	if count <= len(current) {
		return nil
	}

	offset := int64(len(current)) * int64(s.regionSize)
	length := (count - len(current)) * s.regionSize

	data, err := unix.Mmap(s.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap regions [%d, %d): %w", len(current), count, err)
	}

	s.mappings = append(s.mappings, data)

	next := slices.Clone(current)
	for i := range count - len(current) {
		start := i * s.regionSize
		next = append(next, region(data[start:start+s.regionSize:start+s.regionSize]))
	}

	s.regions.Store(&next)

	return nil
}

func (s *Store) header() []byte {
	return (*s.regions.Load())[0][:tbs1HeaderSize]
}

func (s *Store) entryBytes(regions []region, i int) []byte {
	r, off := entryLocation(s.regionSize, i)

	return regions[r][off : off+entrySize]
}

// Metadata returns the header record stored in the file.
func (s *Store) Metadata() Metadata {
	return s.metadata
}

// AcquireValueFor returns the handle bound to key, creating the entry with
// defaultValue if it does not exist and growing the file when full.
//
// Only the [TableStore] that [Store.DoWithExclusiveLock] passes to its
// function can create entries; called on the Store itself, or on that
// TableStore after the section returned, it fails with [ErrLockNotHeld].
//
// Possible errors: [ErrLockNotHeld], [ErrClosed], [ErrInvalidInput],
// syscall errors from growth.
func (s *Store) AcquireValueFor(Key, int64) (*Value, error) {
	if s.refCount.Load() <= 0 {
		return nil, ErrClosed
	}

	return nil, ErrLockNotHeld
}

// acquireLocked does the work of AcquireValueFor. Callers hold s.mu and the
// table lock.
func (s *Store) acquireLocked(key Key, defaultValue int64) (*Value, error) {
	err := validateKey(key)
	if err != nil {
		return nil, err
	}

	err = s.refreshMappings()
	if err != nil {
		return nil, err
	}

	regions := *s.regions.Load()
	header := regions[0][:tbs1HeaderSize]
	count := int(atomicLoadUint64(header[offEntryCount:]))

	for i := range count {
		entry := s.entryBytes(regions, i)
		keyLen := int(binary.LittleEndian.Uint32(entry[entryKeyLenOffset:]))

		if keyMatches(entry[entryKeyOffset:entryKeyOffset+keyLen], key) {
			return newValue(entry[entryValueOffset:]), nil
		}
	}

	if uint64(count) >= entryCapacity(s.regionSize, len(regions)) {
		err = s.grow(len(regions))
		if err != nil {
			return nil, err
		}

		regions = *s.regions.Load()
	}

	entry := s.entryBytes(regions, count)
	for i := range key.Len() {
		entry[entryKeyOffset+i] = key.ByteAt(i)
	}

	binary.LittleEndian.PutUint32(entry[entryKeyLenOffset:], uint32(key.Len()))

	value := newValue(entry[entryValueOffset:])
	value.Store(defaultValue)

	// Publish only after the entry is complete.
	atomicStoreUint64(header[offEntryCount:], uint64(count+1))

	s.logger.Debug().Str("key", keyString(key)).Int64("default", defaultValue).Msg("created table entry")

	return value, nil
}

// refreshMappings maps regions another process published since our last
// locked section.
func (s *Store) refreshMappings() error {
	published := int(atomicLoadUint64(s.header()[offRegionCount:]))
	if published <= len(*s.regions.Load()) {
		return nil
	}

	if published > maxRegions {
		return fmt.Errorf("region count %d exceeds max %d: %w", published, maxRegions, ErrCorrupt)
	}

	return s.mapRegions(published)
}

// grow doubles the region count: extend, map, then publish the count.
func (s *Store) grow(current int) error {
	next := min(current*2, maxRegions)
	if next <= current {
		return fmt.Errorf("table store full at %d regions: %w", current, ErrInvalidInput)
	}

	size := int64(next) * int64(s.regionSize)

	var stat unix.Stat_t

	err := unix.Fstat(s.fd, &stat)
	if err != nil {
		return fmt.Errorf("stat table file: %w", err)
	}

	if stat.Size < size {
		err = unix.Ftruncate(s.fd, size)
		if err != nil {
			return fmt.Errorf("ftruncate table file to %d: %w", size, err)
		}
	}

	err = s.mapRegions(next)
	if err != nil {
		return err
	}

	atomicStoreUint64(s.header()[offRegionCount:], uint64(next))

	s.logger.Debug().Int("from", current).Int("to", next).Msg("grew table store")

	return nil
}

// DoWithExclusiveLock acquires the cross-process lock (waiting up to the
// configured timeout), runs fn with the store, and releases the lock on
// every exit path including panics. Lock failures are returned unretried.
//
// The store holds a reservation for the duration of fn.
func (s *Store) DoWithExclusiveLock(fn func(TableStore) error) error {
	if !s.TryReserve() {
		return ErrClosed
	}

	defer func() { _ = s.Release() }()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.locker.LockWithTimeout(s.lockPath, s.timeout)
	if err != nil {
		return fmt.Errorf("acquire table lock: %w", err)
	}

	locked := &lockedStore{Store: s}

	defer func() {
		locked.done.Store(true)
		s.closeLock(lock)
	}()

	return fn(locked)
}

func (s *Store) closeLock(lock *fs.Lock) {
	err := lock.Close()
	if err != nil {
		s.logger.Warn().Err(err).Msg("releasing table lock")
	}
}

// Reserve increments the reference count.
//
// Returns [ErrIllegalState] if the store is already closed.
func (s *Store) Reserve() error {
	if !s.TryReserve() {
		return fmt.Errorf("reserve on closed store %s: %w", s.path, ErrIllegalState)
	}

	return nil
}

// TryReserve increments the reference count unless the store is closed.
func (s *Store) TryReserve() bool {
	for {
		n := s.refCount.Load()
		if n <= 0 {
			return false
		}

		if s.refCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release decrements the reference count and unmaps the store when it
// reaches zero.
//
// Returns [ErrIllegalState] if there is no reservation to release.
func (s *Store) Release() error {
	for {
		n := s.refCount.Load()
		if n <= 0 {
			return fmt.Errorf("release without reservation on %s: %w", s.path, ErrIllegalState)
		}

		if !s.refCount.CompareAndSwap(n, n-1) {
			continue
		}

		if n == 1 {
			return s.unmapAll()
		}

		return nil
	}
}

// RefCount returns the current reference count.
func (s *Store) RefCount() (int64, error) {
	return s.refCount.Load(), nil
}

// Close releases the reservation taken by [Open]. Subsequent calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.Release()
}

func (s *Store) unmapAll() error {
	var errs []error

	for _, m := range s.mappings {
		err := unix.Munmap(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}

	s.mappings = nil

	empty := []region{}
	s.regions.Store(&empty)

	if s.fd >= 0 {
		err := unix.Close(s.fd)
		if err != nil {
			errs = append(errs, fmt.Errorf("close table file: %w", err))
		}

		s.fd = -1
	}

	return errors.Join(errs...)
}

// File returns the path of the table file.
func (s *Store) File() (string, error) {
	return s.path, nil
}

// Entries returns every published entry in creation order.
//
// Entries does not take the exclusive lock; it sees entries published by
// any process up to the regions this handle has mapped.
func (s *Store) Entries() ([]Entry, error) {
	if !s.TryReserve() {
		return nil, ErrClosed
	}

	defer func() { _ = s.Release() }()

	regions := *s.regions.Load()
	count := min(
		int(atomicLoadUint64(regions[0][offEntryCount:])),
		int(entryCapacity(s.regionSize, len(regions))),
	)

	entries := make([]Entry, 0, count)

	for i := range count {
		entry := s.entryBytes(regions, i)
		keyLen := int(binary.LittleEndian.Uint32(entry[entryKeyLenOffset:]))

		if keyLen < 1 || keyLen > MaxKeySize {
			return nil, fmt.Errorf("entry %d has key length %d: %w", i, keyLen, ErrCorrupt)
		}

		entries = append(entries, Entry{
			Key:   string(entry[entryKeyOffset : entryKeyOffset+keyLen]),
			Value: newValue(entry[entryValueOffset:]).Load(),
		})
	}

	return entries, nil
}

// Dump renders the header and entries as text, one entry per line.
func (s *Store) Dump() (string, error) {
	entries, err := s.Entries()
	if err != nil {
		return "", err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "path: %s\n", s.path)
	fmt.Fprintf(&b, "regions: %d x %d bytes\n", len(*s.regions.Load()), s.regionSize)
	fmt.Fprintf(&b, "metadata.version: %d\n", s.metadata.Version)
	fmt.Fprintf(&b, "entries: %d\n", len(entries))

	for _, e := range entries {
		fmt.Fprintf(&b, "  %s: %d\n", e.Key, e.Value)
	}

	return b.String(), nil
}

// WriteTo writes a snapshot of every mapped region to w. Values are read
// atomically so each one is untorn, though the snapshot as a whole is not a
// point-in-time image.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	if !s.TryReserve() {
		return 0, ErrClosed
	}

	defer func() { _ = s.Release() }()

	regions := *s.regions.Load()
	count := int(atomicLoadUint64(regions[0][offEntryCount:]))

	snapshot := make([]region, len(regions))
	for i, r := range regions {
		snapshot[i] = slices.Clone(r)
	}

	for i := range min(count, int(entryCapacity(s.regionSize, len(regions)))) {
		r, off := entryLocation(s.regionSize, i)
		v := newValue(regions[r][off:]).Load()
		binary.LittleEndian.PutUint64(snapshot[r][off:], uint64(v))
	}

	var written int64

	for _, r := range snapshot {
		n, err := w.Write(r)
		written += int64(n)

		if err != nil {
			return written, fmt.Errorf("write snapshot: %w", err)
		}
	}

	return written, nil
}

// ReadMetadata reads and validates the header of the table file at path
// without mapping it. Used to build a [ReadOnlyStore].
//
// Possible errors: [ErrCorrupt], [ErrIncompatible], open errors.
func ReadMetadata(fsys fs.FS, path string) (Metadata, error) {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	f, err := fsys.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("open table file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, tbs1HeaderSize)

	_, err = f.ReadAt(buf, 0)
	if err != nil {
		return Metadata{}, fmt.Errorf("read header: %w: %w", ErrCorrupt, err)
	}

	header, err := validateHeader(buf)
	if err != nil {
		return Metadata{}, err
	}

	return header.Metadata, nil
}
