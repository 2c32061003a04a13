package tablestore

import "errors"

// Sentinel errors returned by table store operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, tablestore.ErrReadOnly) {
//	    // the queue was opened read-only; skip reference tracking
//	}
var (
	// ErrCorrupt indicates the table file is damaged (short file, bad CRC,
	// counters pointing past the end of the file).
	//
	// Recovery: delete the table file; the queue recreates it.
	ErrCorrupt = errors.New("tablestore: corrupt")

	// ErrIncompatible indicates a format mismatch: unknown magic or version,
	// or a layout this build cannot map (entry size, region size).
	ErrIncompatible = errors.New("tablestore: incompatible")

	// ErrInvalidInput indicates invalid arguments (empty path, empty or
	// oversized key, out-of-range options).
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("tablestore: invalid input")

	// ErrClosed indicates the store's reference count already reached zero
	// and its mapping is gone.
	ErrClosed = errors.New("tablestore: closed")

	// ErrIllegalState indicates reservation misuse: [TableStore.Reserve] on a
	// closed store, or [TableStore.Release] without a matching reservation.
	ErrIllegalState = errors.New("tablestore: illegal state")

	// ErrReadOnly is returned by every mutating operation of a [ReadOnlyStore].
	ErrReadOnly = errors.New("tablestore: read only")

	// ErrLockNotHeld is returned by [TableStore.AcquireValueFor] when it is
	// called outside [TableStore.DoWithExclusiveLock].
	ErrLockNotHeld = errors.New("tablestore: exclusive lock not held")
)
