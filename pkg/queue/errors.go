package queue

import "errors"

// Sentinel errors returned by queue operations. Table store errors
// (tablestore.ErrReadOnly, tablestore.ErrIllegalState, ...) pass through
// wrapped and match with [errors.Is] as well.
var (
	// ErrInvalidInput indicates invalid arguments: a negative cycle, bad
	// options.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("queue: invalid input")

	// ErrClosed indicates the queue or handle was already closed.
	ErrClosed = errors.New("queue: closed")

	// ErrReadOnly is returned by operations that need a writable queue.
	ErrReadOnly = errors.New("queue: read only")

	// ErrIncompatible indicates the stored queue metadata cannot be used by
	// this build (unknown version or roll cycle).
	ErrIncompatible = errors.New("queue: incompatible metadata")

	// ErrBeforeEpoch is returned when the clock reads earlier than the
	// queue's epoch, which would give a negative cycle.
	ErrBeforeEpoch = errors.New("queue: time before epoch")

	// ErrCorrupt indicates a segment holds a document header that cannot
	// be valid for the queue's block size.
	ErrCorrupt = errors.New("queue: corrupt segment")

	// ErrNoSegment is returned when a cycle has no segment file.
	ErrNoSegment = errors.New("queue: no segment for cycle")

	// ErrDocumentTooLarge is returned when a document would exceed the
	// maximum payload of the queue's block size.
	ErrDocumentTooLarge = errors.New("queue: document too large")

	// ErrWriterBusy is returned by [Queue.Appender] when another appender
	// (in this or another process) holds the queue's writer lock.
	ErrWriterBusy = errors.New("queue: writer busy")

	// ErrCycleSealed is returned when an appender would write to a cycle
	// that an earlier appender already rolled past.
	ErrCycleSealed = errors.New("queue: cycle sealed")
)
