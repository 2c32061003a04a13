package tablestore

import (
	"fmt"
	"io"
)

// ReadOnlyStore is a [TableStore] that exposes only metadata.
//
// Read-only consumers use it instead of mapping the table file. Every other
// method fails with [ErrReadOnly], except [ReadOnlyStore.TryReserve] which
// reports false so callers can probe without branching on the store mode.
type ReadOnlyStore struct {
	metadata Metadata
}

// NewReadOnly returns a read-only store holding meta. See [ReadMetadata].
func NewReadOnly(meta Metadata) *ReadOnlyStore {
	return &ReadOnlyStore{metadata: meta}
}

func readOnly(op string) error {
	return fmt.Errorf("%s: %w", op, ErrReadOnly)
}

// Metadata returns the stored metadata.
func (s *ReadOnlyStore) Metadata() Metadata {
	return s.metadata
}

// AcquireValueFor fails with [ErrReadOnly].
func (s *ReadOnlyStore) AcquireValueFor(Key, int64) (*Value, error) {
	return nil, readOnly("acquire value")
}

// DoWithExclusiveLock fails with [ErrReadOnly] without running fn.
func (s *ReadOnlyStore) DoWithExclusiveLock(func(TableStore) error) error {
	return readOnly("exclusive lock")
}

// Reserve fails with [ErrReadOnly].
func (s *ReadOnlyStore) Reserve() error {
	return readOnly("reserve")
}

// TryReserve always reports false.
func (s *ReadOnlyStore) TryReserve() bool {
	return false
}

// Release fails with [ErrReadOnly].
func (s *ReadOnlyStore) Release() error {
	return readOnly("release")
}

// RefCount fails with [ErrReadOnly].
func (s *ReadOnlyStore) RefCount() (int64, error) {
	return 0, readOnly("ref count")
}

// File fails with [ErrReadOnly].
func (s *ReadOnlyStore) File() (string, error) {
	return "", readOnly("file")
}

// Dump fails with [ErrReadOnly].
func (s *ReadOnlyStore) Dump() (string, error) {
	return "", readOnly("dump")
}

// WriteTo fails with [ErrReadOnly].
func (s *ReadOnlyStore) WriteTo(io.Writer) (int64, error) {
	return 0, readOnly("write")
}

// Close is a no-op.
func (s *ReadOnlyStore) Close() error {
	return nil
}
