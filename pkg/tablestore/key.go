package tablestore

import "fmt"

// Key is a read-only view of a table key.
//
// Lookups compare keys byte by byte through this view, so callers can pass
// reusable encoders without materializing a string per lookup.
type Key interface {
	Len() int
	ByteAt(i int) byte
}

// StringKey adapts a string to [Key].
type StringKey string

// Len returns the key length in bytes.
func (k StringKey) Len() int { return len(k) }

// ByteAt returns byte i of the key.
func (k StringKey) ByteAt(i int) byte { return k[i] }

func validateKey(key Key) error {
	if key == nil {
		return fmt.Errorf("key is nil: %w", ErrInvalidInput)
	}

	n := key.Len()
	if n < 1 || n > MaxKeySize {
		return fmt.Errorf("key length %d not in [1, %d]: %w", n, MaxKeySize, ErrInvalidInput)
	}

	return nil
}

// keyMatches reports whether the stored key bytes equal key.
func keyMatches(stored []byte, key Key) bool {
	if len(stored) != key.Len() {
		return false
	}

	for i, b := range stored {
		if key.ByteAt(i) != b {
			return false
		}
	}

	return true
}

// keyString copies key into a string, for diagnostics.
func keyString(key Key) string {
	buf := make([]byte, key.Len())
	for i := range buf {
		buf[i] = key.ByteAt(i)
	}

	return string(buf)
}
