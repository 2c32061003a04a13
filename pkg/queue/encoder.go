package queue

import (
	"fmt"

	"github.com/calvinalkan/rollq/pkg/tablestore"
)

// maxCycleDigits fits the decimal form of any non-negative int64.
const maxCycleDigits = 20

// cycleKeyEncoder renders a cycle as its decimal table key without
// allocating. Digits are stored least significant first and read back to
// front.
//
// An encoder holds one key at a time; callers must not share it across
// goroutines. [ReferenceTracker] uses it under its mutex.
type cycleKeyEncoder struct {
	digits [maxCycleDigits]byte
	n      int
}

var _ tablestore.Key = (*cycleKeyEncoder)(nil)

// encode loads cycle into the encoder.
func (e *cycleKeyEncoder) encode(cycle int) error {
	if cycle < 0 {
		return fmt.Errorf("encode cycle %d: %w", cycle, ErrInvalidInput)
	}

	e.n = 0

	for v := cycle; v != 0; v /= 10 {
		e.digits[e.n] = byte('0' + v%10)
		e.n++
	}

	if e.n == 0 {
		e.digits[0] = '0'
		e.n = 1
	}

	return nil
}

// Len implements [tablestore.Key].
func (e *cycleKeyEncoder) Len() int { return e.n }

// ByteAt implements [tablestore.Key].
func (e *cycleKeyEncoder) ByteAt(i int) byte { return e.digits[e.n-1-i] }

func (e *cycleKeyEncoder) String() string {
	buf := make([]byte, e.n)
	for i := range buf {
		buf[i] = e.ByteAt(i)
	}

	return string(buf)
}
