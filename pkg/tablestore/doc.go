// Package tablestore provides a persisted, memory-mapped table of 64-bit
// counters shared by every process that opens the same file.
//
// Keys are short byte strings (1..48 bytes). Each key is bound to one
// 8-byte slot in the mapping; [Value] handles to that slot support atomic
// load, add and compare-and-swap with immediate cross-process visibility.
//
// # Basic Usage
//
//	store, err := tablestore.Open(tablestore.Options{Path: "/data/q/metadata.cq4t"})
//	if err != nil {
//	    // handle [ErrCorrupt]/[ErrIncompatible] by deleting and recreating
//	}
//	defer store.Close()
//
//	var counter *tablestore.Value
//	err = store.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
//	    counter, err = ts.AcquireValueFor(tablestore.StringKey("42"), 0)
//	    return err
//	})
//
//	counter.Add(1)
//
// # Concurrency
//
// Creating a key requires the exclusive lock: a flock on Path+".lock"
// plus an in-process mutex. Value updates need no lock at all.
//
// The store carries its own reservation count, starting at one. Every
// [TableStore.Reserve] must be paired with a [TableStore.Release]; the
// mapping is unmapped when the count reaches zero, after which Value
// handles from this store must not be used.
//
// # Growth
//
// When the entry table is full the file doubles its region count. Only the
// new regions are mapped; existing mappings stay put, so handles never
// move. Other processes map new regions on their next locked operation.
package tablestore
