package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tailer reads documents in order, from the first cycle on disk onwards.
//
// Reads go through pread on the shared segment file, never through a
// mapping, so a tailer on a read-only queue cannot fault on a file another
// process has not extended yet. A tailer holds a reference on the cycle it
// is reading.
//
// A Tailer is not safe for concurrent use.
type Tailer struct {
	q      *Queue
	seg    *segment
	pos    int64
	closed bool
}

// Tailer returns a tailer positioned before the first document.
func (q *Queue) Tailer() (*Tailer, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	return &Tailer{q: q}, nil
}

// Cycle returns the cycle being read, or false before the first read found
// a segment.
func (t *Tailer) Cycle() (int, bool) {
	if t.seg == nil {
		return 0, false
	}

	return t.seg.cycle(), true
}

// ReadDocument returns the next complete document. It returns false when
// no document is available yet; callers poll again later.
//
// The tailer moves on to the next cycle on disk when its appender sealed
// the current one, or when the current one has no more data and the clock
// has passed it.
func (t *Tailer) ReadDocument() ([]byte, bool, error) {
	if t.closed {
		return nil, false, ErrClosed
	}

	if t.seg == nil {
		first, ok, err := t.q.listing.first()
		if err != nil || !ok {
			return nil, false, err
		}

		err = t.moveTo(first)
		if err != nil {
			return nil, false, err
		}
	}

	for {
		h, err := t.readHeader()
		if err != nil {
			return nil, false, err
		}

		switch {
		case h == headerEndOfCycle:
			moved, err := t.advance(false)
			if err != nil || !moved {
				return nil, false, err
			}

			continue
		case h == 0:
			moved, err := t.advance(true)
			if err != nil || !moved {
				return nil, false, err
			}

			continue
		case h&headerNotComplete != 0:
			return nil, false, nil
		}

		n := int64(h)
		if n > t.seg.maxPayload() {
			return nil, false, fmt.Errorf("%s at %d: length %d: %w", t.seg.name(), t.pos, n, ErrCorrupt)
		}

		payload := make([]byte, n)

		_, err = t.seg.file.file.ReadAt(payload, t.pos+docHeaderSize)
		if err != nil {
			return nil, false, fmt.Errorf("read %s at %d: %w", t.seg.name(), t.pos, err)
		}

		t.pos += align4(docHeaderSize + n)

		return payload, true, nil
	}
}

// readHeader returns the header at the read position. Past the end of the
// file reads as zero.
func (t *Tailer) readHeader() (uint32, error) {
	var buf [docHeaderSize]byte

	n, err := t.seg.file.file.ReadAt(buf[:], t.pos)
	if errors.Is(err, io.EOF) && n < docHeaderSize {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("read %s at %d: %w", t.seg.name(), t.pos, err)
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// advance moves to the next cycle on disk, if any. With needClockPast it
// also waits until the clock has left the current cycle.
func (t *Tailer) advance(needClockPast bool) (bool, error) {
	current := t.seg.cycle()

	if needClockPast {
		now, err := t.q.currentCycle()
		if err != nil {
			return false, err
		}

		if now <= current {
			return false, nil
		}
	}

	next, ok, err := t.q.listing.next(current)
	if err != nil || !ok {
		return false, err
	}

	err = t.moveTo(next)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (t *Tailer) moveTo(cycle int) error {
	seg, err := t.q.acquireSegment(cycle, false)
	if err != nil {
		return err
	}

	if t.seg != nil {
		err = t.seg.Close()
		if err != nil {
			t.q.logger.Warn().Err(err).Str("file", t.seg.name()).Msg("tailer: closing segment")
		}
	}

	t.seg = seg
	t.pos = 0

	return nil
}

// Close releases the tailer's segment. Subsequent calls are no-ops.
func (t *Tailer) Close() error {
	if t.closed {
		return nil
	}

	t.closed = true

	if t.seg == nil {
		return nil
	}

	err := t.seg.Close()
	t.seg = nil

	return err
}
