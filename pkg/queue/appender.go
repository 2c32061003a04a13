package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/calvinalkan/rollq/internal/fs"
)

const appenderLockName = "appender.lock"

// Writer is the live write position a [Pretoucher] follows.
type Writer interface {
	// Cycle returns the cycle being written, or false before the first
	// document.
	Cycle() (int, bool)

	// Position returns the offset in the current cycle's segment up to
	// which data has been written.
	Position() int64
}

var _ Writer = (*Appender)(nil)

// Appender writes documents to the queue, rolling to a new cycle when the
// clock crosses a boundary. One appender per queue directory may exist at a
// time, across processes.
//
// An Appender is not safe for concurrent use, except for [Appender.Cycle]
// and [Appender.Position] which may be read from any goroutine.
type Appender struct {
	q    *Queue
	lock *fs.Lock
	seg  *segment
	doc  *DocumentContext

	cycle    atomic.Int64
	position atomic.Int64

	closed bool
}

// Appender returns the queue's appender, taking the writer lock.
//
// Possible errors: [ErrReadOnly], [ErrWriterBusy], [ErrClosed].
func (q *Queue) Appender() (*Appender, error) {
	if q.readOnly {
		return nil, fmt.Errorf("appender: %w", ErrReadOnly)
	}

	if q.closed.Load() {
		return nil, ErrClosed
	}

	lock, err := q.locker.TryLock(filepath.Join(q.dir, appenderLockName))
	if errors.Is(err, fs.ErrWouldBlock) {
		return nil, fmt.Errorf("%w: %w", ErrWriterBusy, err)
	}

	if err != nil {
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}

	a := &Appender{q: q, lock: lock}
	a.cycle.Store(noCycle)

	return a, nil
}

// Cycle implements [Writer].
func (a *Appender) Cycle() (int, bool) {
	c := a.cycle.Load()

	return int(c), c != noCycle
}

// Position implements [Writer].
func (a *Appender) Position() int64 {
	return a.position.Load()
}

// WritingDocument starts a document in the clock's current cycle. The
// document becomes visible to tailers when the returned context is closed.
//
// Possible errors: [ErrClosed], [ErrBeforeEpoch], [ErrCycleSealed], syscall
// errors while creating or mapping the segment.
func (a *Appender) WritingDocument() (*DocumentContext, error) {
	if a.closed {
		return nil, ErrClosed
	}

	if a.doc != nil {
		return nil, fmt.Errorf("document already open: %w", ErrInvalidInput)
	}

	cycle, err := a.q.currentCycle()
	if err != nil {
		return nil, err
	}

	err = a.rollTo(cycle)
	if err != nil {
		return nil, err
	}

	pos := a.position.Load()

	hdr, _, err := a.seg.window(pos, docHeaderSize)
	if err != nil {
		return nil, err
	}

	storeHeader(hdr, headerNotComplete)

	a.doc = &DocumentContext{a: a, start: pos}

	return a.doc, nil
}

// WriteDocument writes p as one document.
func (a *Appender) WriteDocument(p []byte) error {
	doc, err := a.WritingDocument()
	if err != nil {
		return err
	}

	_, err = doc.Write(p)
	if err != nil {
		doc.discard()

		return err
	}

	return doc.Close()
}

// rollTo moves the appender onto cycle. A clock that went backwards keeps
// the appender on its current cycle.
func (a *Appender) rollTo(cycle int) error {
	if a.seg != nil && cycle <= a.seg.cycle() {
		return nil
	}

	seg, err := a.q.acquireSegment(cycle, true)
	if err != nil {
		return err
	}

	pos, err := findEnd(seg)
	if err != nil {
		return errors.Join(err, seg.Close())
	}

	if a.seg != nil {
		old := a.seg

		err = a.seal()
		if err != nil {
			a.q.logger.Warn().Err(err).Str("file", old.name()).Msg("appender: sealing cycle")
		}

		err = old.Close()
		if err != nil {
			a.q.logger.Warn().Err(err).Str("file", old.name()).Msg("appender: closing segment")
		}
	}

	a.seg = seg

	// Position before cycle: a reader that sees the new cycle also sees its
	// position.
	a.position.Store(pos)
	a.cycle.Store(int64(cycle))

	a.q.logger.Debug().Int("cycle", cycle).Int64("position", pos).Msg("appender: rolled")

	return nil
}

// seal marks the end of the current cycle for tailers.
func (a *Appender) seal() error {
	hdr, _, err := a.seg.window(a.position.Load(), docHeaderSize)
	if err != nil {
		return err
	}

	storeHeader(hdr, headerEndOfCycle)

	return nil
}

// findEnd returns the offset of the first free header in seg. A document a
// crashed writer left incomplete is overwritten.
func findEnd(seg *segment) (int64, error) {
	var pos int64

	for {
		hdr, _, err := seg.window(pos, docHeaderSize)
		if err != nil {
			return 0, err
		}

		h := loadHeader(hdr)

		switch {
		case h == 0, h&headerNotComplete != 0 && h != headerEndOfCycle:
			return pos, nil
		case h == headerEndOfCycle:
			return 0, fmt.Errorf("cycle %d: %w", seg.cycle(), ErrCycleSealed)
		}

		pos += align4(docHeaderSize + int64(h&headerLengthMask))
	}
}

// Close discards any open document and releases the appender's segment and
// writer lock. The cycle is left unsealed so a later appender continues it.
func (a *Appender) Close() error {
	if a.closed {
		return nil
	}

	a.closed = true

	var errs []error

	if a.doc != nil {
		a.doc.discard()
	}

	if a.seg != nil {
		errs = append(errs, a.seg.sync(), a.seg.Close())
		a.seg = nil
	}

	errs = append(errs, a.lock.Close())

	return errors.Join(errs...)
}

// DocumentContext is a document being written. Payload bytes go in with
// Write; Close publishes the document.
type DocumentContext struct {
	a     *Appender
	start int64
	n     int64
	done  bool
}

// Write appends p to the document's payload.
//
// Returns [ErrDocumentTooLarge] if the payload would exceed the segment's
// maximum; nothing is written in that case.
func (d *DocumentContext) Write(p []byte) (int, error) {
	if d.done {
		return 0, ErrClosed
	}

	seg := d.a.seg

	if d.n+int64(len(p)) > seg.maxPayload() {
		return 0, fmt.Errorf("%d bytes exceed max payload %d: %w", d.n+int64(len(p)), seg.maxPayload(), ErrDocumentTooLarge)
	}

	buf, _, err := seg.window(d.start, docHeaderSize+d.n+int64(len(p)))
	if err != nil {
		return 0, err
	}

	copy(buf[docHeaderSize+d.n:], p)
	d.n += int64(len(p))

	return len(p), nil
}

// Close publishes the document and advances the appender. An empty
// document is discarded because a zero header means end of data.
func (d *DocumentContext) Close() error {
	if d.done {
		return nil
	}

	if d.n == 0 {
		d.discard()

		return nil
	}

	d.done = true
	d.a.doc = nil

	seg := d.a.seg
	next := d.start + align4(docHeaderSize+d.n)

	buf, _, err := seg.window(d.start, next-d.start+docHeaderSize)
	if err != nil {
		return err
	}

	// Clear the next header before publishing so a tailer never reads
	// leftovers of an overwritten document as data.
	storeHeader(buf[next-d.start:], 0)
	storeHeader(buf, uint32(d.n))

	d.a.position.Store(next)

	return nil
}

func (d *DocumentContext) discard() {
	if d.done {
		return
	}

	d.done = true
	d.a.doc = nil

	hdr, _, err := d.a.seg.window(d.start, docHeaderSize)
	if err != nil {
		d.a.q.logger.Warn().Err(err).Msg("appender: discarding document")

		return
	}

	storeHeader(hdr, 0)
}
