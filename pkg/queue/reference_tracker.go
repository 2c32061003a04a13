package queue

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/rollq/pkg/tablestore"
)

const (
	trackerSlots = 64
	slotMask     = trackerSlots - 1

	// uninitialized marks a counter the table store allocated but no tracker
	// has touched yet.
	uninitialized int64 = math.MinInt64
)

// binding pairs a cycle with the counter resolved for it.
type binding struct {
	cycle int
	value *tablestore.Value
}

// ReferenceTracker counts, per cycle, how many readers and writers hold the
// cycle's segment open. Counters live in the queue's table store and are
// shared by every process that opens the queue.
//
// Resolved counters are cached in 64 slots indexed by cycle&63. Two cycles
// sharing a slot evict each other; the counters themselves are unaffected.
// The cache is a lookup accelerator only and never a registry of open
// cycles.
type ReferenceTracker struct {
	store  tablestore.TableStore
	logger zerolog.Logger

	// mu serializes Acquired, Released and slow-path resolution. It guards
	// encoder; slots are atomic so ReferenceCount can hit them lock-free.
	mu      sync.Mutex
	encoder cycleKeyEncoder
	slots   [trackerSlots]atomic.Pointer[binding]
}

// NewReferenceTracker returns a tracker backed by store.
func NewReferenceTracker(store tablestore.TableStore, logger zerolog.Logger) *ReferenceTracker {
	return &ReferenceTracker{store: store, logger: logger}
}

// reserve keeps the store mapped for one tracker call. Cached counters
// point into the mapping, so no call may touch them without it.
func (rt *ReferenceTracker) reserve() error {
	if rt.store.TryReserve() {
		return nil
	}

	// A read-only store never reserves; report that rather than closed.
	_, err := rt.store.RefCount()
	if err != nil {
		return err
	}

	return fmt.Errorf("reference tracker: %w", tablestore.ErrClosed)
}

func (rt *ReferenceTracker) release() {
	err := rt.store.Release()
	if err != nil {
		rt.logger.Warn().Err(err).Msg("reference tracker: releasing store")
	}
}

// Acquired records one more holder of cycle.
//
// Returns an error wrapping [tablestore.ErrClosed] once the store has been
// closed.
func (rt *ReferenceTracker) Acquired(cycle int) error {
	err := rt.reserve()
	if err != nil {
		return err
	}

	defer rt.release()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	v, err := rt.acquireValue(cycle)
	if err != nil {
		return err
	}

	v.Add(1)

	return nil
}

// Released records that one holder of cycle let go. A counter that cannot
// be resolved is logged and left alone so the caller's close path never
// fails here.
func (rt *ReferenceTracker) Released(cycle int) {
	err := rt.reserve()
	if err != nil {
		rt.logger.Warn().Err(err).Int("cycle", cycle).Msg("release: counter not resolved")

		return
	}

	defer rt.release()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	v, err := rt.acquireValue(cycle)
	if err != nil {
		rt.logger.Warn().Err(err).Int("cycle", cycle).Msg("release: counter not resolved")

		return
	}

	if n := v.Add(-1); n < 0 {
		rt.logger.Warn().Int("cycle", cycle).Int64("count", n).Msg("release: reference count below zero")
	}
}

// ReferenceCount returns the current number of holders of cycle across all
// processes. A cached cycle is read without taking any lock.
func (rt *ReferenceTracker) ReferenceCount(cycle int) (int64, error) {
	err := rt.reserve()
	if err != nil {
		return 0, err
	}

	defer rt.release()

	if b := rt.slots[cycle&slotMask].Load(); b != nil && b.cycle == cycle {
		return b.value.Load(), nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	v, err := rt.acquireValue(cycle)
	if err != nil {
		return 0, err
	}

	return v.Load(), nil
}

// acquireValue returns cycle's counter, resolving it through the table
// store on a cache miss. Callers hold rt.mu.
func (rt *ReferenceTracker) acquireValue(cycle int) (*tablestore.Value, error) {
	slot := &rt.slots[cycle&slotMask]

	if b := slot.Load(); b != nil && b.cycle == cycle {
		return b.value, nil
	}

	err := rt.encoder.encode(cycle)
	if err != nil {
		return nil, err
	}

	var v *tablestore.Value

	err = rt.store.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
		var acquireErr error

		v, acquireErr = ts.AcquireValueFor(&rt.encoder, uninitialized)

		return acquireErr
	})
	if err != nil {
		return nil, fmt.Errorf("resolve counter for cycle %d: %w", cycle, err)
	}

	// Racing resolvers in other processes may win this; either way the
	// counter reads 0 afterwards.
	if v.Load() == uninitialized {
		v.CompareAndSwap(uninitialized, 0)
	}

	// Publish only initialized counters to the lock-free path.
	slot.Store(&binding{cycle: cycle, value: v})

	return v, nil
}
