package queue

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
	"github.com/calvinalkan/rollq/pkg/tablestore"
)

// Table keys of the directory listing. They never collide with cycle keys,
// which are all digits.
const (
	keyHighestCycle = "listing.highestCycle"
	keyLowestCycle  = "listing.lowestCycle"
	keyModCount     = "listing.modCount"

	noCycle = -1
)

// listing tracks which cycles have segment files on disk.
//
// Writable queues publish the lowest and highest cycle plus a modification
// counter in the table store, all updated under the table lock whenever a
// segment file is created or deleted. Each process keeps an ordered set of
// cycles and rescans the directory only when the counter moved. Read-only
// queues cannot touch the table and rescan on every query.
type listing struct {
	dir    string
	rc     rollcycle.RollCycle
	epoch  int64
	fsys   fs.FS
	store  tablestore.TableStore
	logger zerolog.Logger

	// nil for read-only queues.
	highest  *tablestore.Value
	lowest   *tablestore.Value
	modCount *tablestore.Value

	mu      sync.Mutex
	cycles  *btree.BTreeG[int]
	seen    int64
	scanned bool
}

func newListing(dir string, rc rollcycle.RollCycle, epoch int64, fsys fs.FS, store tablestore.TableStore, readOnly bool, logger zerolog.Logger) (*listing, error) {
	l := &listing{
		dir:    dir,
		rc:     rc,
		epoch:  epoch,
		fsys:   fsys,
		store:  store,
		logger: logger,
		cycles: btree.NewG(32, func(a, b int) bool { return a < b }),
	}

	if readOnly {
		return l, nil
	}

	err := store.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
		var err error

		l.highest, err = ts.AcquireValueFor(tablestore.StringKey(keyHighestCycle), noCycle)
		if err != nil {
			return err
		}

		l.lowest, err = ts.AcquireValueFor(tablestore.StringKey(keyLowestCycle), noCycle)
		if err != nil {
			return err
		}

		l.modCount, err = ts.AcquireValueFor(tablestore.StringKey(keyModCount), 0)
		if err != nil {
			return err
		}

		// Files may have been copied in or removed by hand since the last
		// writer ran.
		cycles, err := l.scanDir()
		if err != nil {
			return err
		}

		l.publishBoundsLocked(cycles)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("init directory listing: %w", err)
	}

	return l, nil
}

// scanDir returns the cycles of every segment file in the directory in
// ascending order.
func (l *listing) scanDir() ([]int, error) {
	entries, err := l.fsys.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	cycles := make([]int, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), rollcycle.FileSuffix) {
			continue
		}

		cycle, parseErr := l.rc.ParseFileName(e.Name(), l.epoch)
		if parseErr != nil {
			l.logger.Debug().Str("file", e.Name()).Msg("listing: skipping foreign file")

			continue
		}

		if cycle >= 0 {
			cycles = append(cycles, cycle)
		}
	}

	slices.Sort(cycles)

	return cycles, nil
}

// publishBoundsLocked stores the bounds of cycles and bumps the
// modification counter if they changed. Callers hold the table lock.
func (l *listing) publishBoundsLocked(cycles []int) {
	lo, hi := int64(noCycle), int64(noCycle)
	if len(cycles) > 0 {
		lo, hi = int64(cycles[0]), int64(cycles[len(cycles)-1])
	}

	if l.lowest.Load() == lo && l.highest.Load() == hi {
		return
	}

	l.lowest.Store(lo)
	l.highest.Store(hi)
	l.modCount.Add(1)
}

// recordCreated publishes a newly created segment file.
func (l *listing) recordCreated(cycle int) error {
	if l.modCount == nil {
		return ErrReadOnly
	}

	return l.store.DoWithExclusiveLock(func(tablestore.TableStore) error {
		c := int64(cycle)

		if c > l.highest.Load() {
			l.highest.Store(c)
		}

		if lo := l.lowest.Load(); lo == noCycle || c < lo {
			l.lowest.Store(c)
		}

		l.modCount.Add(1)

		return nil
	})
}

// recordDeletedLocked publishes the cycles left after a deletion. Callers
// hold the table lock.
func (l *listing) recordDeletedLocked(remaining []int) {
	l.publishBoundsLocked(remaining)

	// Bounds may be unchanged when a middle cycle went away.
	l.modCount.Add(1)
}

// refresh rebuilds the ordered set when the directory may have changed.
// Callers hold l.mu.
func (l *listing) refresh() error {
	var mc int64

	if l.modCount != nil {
		mc = l.modCount.Load()
		if l.scanned && mc == l.seen {
			return nil
		}
	}

	cycles, err := l.scanDir()
	if err != nil {
		return err
	}

	l.cycles.Clear(false)

	for _, c := range cycles {
		l.cycles.ReplaceOrInsert(c)
	}

	l.seen = mc
	l.scanned = true

	return nil
}

// first returns the lowest cycle on disk.
func (l *listing) first() (int, bool, error) {
	if l.lowest != nil {
		lo := l.lowest.Load()

		return int(lo), lo != noCycle, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.refresh()
	if err != nil {
		return 0, false, err
	}

	c, ok := l.cycles.Min()

	return c, ok, nil
}

// last returns the highest cycle on disk.
func (l *listing) last() (int, bool, error) {
	if l.highest != nil {
		hi := l.highest.Load()

		return int(hi), hi != noCycle, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.refresh()
	if err != nil {
		return 0, false, err
	}

	c, ok := l.cycles.Max()

	return c, ok, nil
}

// next returns the lowest cycle on disk greater than after.
func (l *listing) next(after int) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.refresh()
	if err != nil {
		return 0, false, err
	}

	var (
		found int
		ok    bool
	)

	l.cycles.AscendGreaterOrEqual(after+1, func(c int) bool {
		found, ok = c, true

		return false
	})

	return found, ok, nil
}

// all returns every cycle on disk in ascending order.
func (l *listing) all() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.refresh()
	if err != nil {
		return nil, err
	}

	out := make([]int, 0, l.cycles.Len())

	l.cycles.Ascend(func(c int) bool {
		out = append(out, c)

		return true
	})

	return out, nil
}
