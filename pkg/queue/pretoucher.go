package queue

import (
	"errors"
	"fmt"
	"time"
)

// PretouchConfig tunes a [Pretoucher].
type PretouchConfig struct {
	// EarlyAcquireNextCycle creates and maps the next cycle's segment
	// before the clock reaches it.
	EarlyAcquireNextCycle bool

	// PrerollTime is how long before a cycle boundary early acquisition
	// triggers.
	PrerollTime time.Duration
}

// ChunkListener is told about every chunk a pretoucher maps first, with
// the microseconds elapsed since the Execute call that mapped it.
type ChunkListener func(filename string, chunk int, delayMicros int64)

// CycleListener is told about every cycle a pretoucher moves to or
// acquires early, once per cycle.
type CycleListener func(cycle int)

// Pretoucher runs ahead of an appender, faulting in the pages the appender
// has written up to and optionally creating the next cycle's segment
// before the roll boundary. It has no goroutine of its own; callers invoke
// [Pretoucher.Execute] from their own loop, typically right after writing.
//
// A Pretoucher is not safe for concurrent use, but Execute may run on a
// different goroutine from the appender it follows.
type Pretoucher struct {
	q      *Queue
	writer Writer
	chunks ChunkListener
	cycles CycleListener
	cfg    PretouchConfig

	seg   *segment // handle on the writer's cycle
	early *segment // next cycle, acquired ahead of the writer

	lastSeen    int
	hasSeen     bool
	notified    int
	hasNotified bool
	frontier    int64
}

// NewPretoucher returns a pretoucher following w on q. Either listener may
// be nil.
func NewPretoucher(q *Queue, w Writer, chunks ChunkListener, cycles CycleListener, cfg PretouchConfig) *Pretoucher {
	return &Pretoucher{
		q:      q,
		writer: w,
		chunks: chunks,
		cycles: cycles,
		cfg:    cfg,
	}
}

// Execute does one round of pretouching. A round with nothing new to do
// makes no callbacks.
//
// Errors are logged and returned. The pretoucher's state only advances past
// work that succeeded, so the next call retries the rest.
func (p *Pretoucher) Execute() error {
	if p.q.readOnly {
		return fmt.Errorf("pretouch: %w", ErrReadOnly)
	}

	start := time.Now()

	cycle, ok := p.writer.Cycle()
	if !ok {
		return nil
	}

	position := p.writer.Position()

	var errs []error

	// A failed early acquire must not hold up the writer's own cycle.
	if p.cfg.EarlyAcquireNextCycle {
		err := p.acquireNext(cycle, start)
		if err != nil {
			p.q.logger.Warn().Err(err).Int("cycle", cycle).Msg("pretouch: early acquire of next cycle")

			errs = append(errs, err)
		}
	}

	if !p.hasSeen || cycle != p.lastSeen {
		err := p.switchTo(cycle)
		if err != nil {
			p.q.logger.Warn().Err(err).Int("cycle", cycle).Msg("pretouch: switching cycle")

			return errors.Join(append(errs, err)...)
		}
	}

	err := p.touch(position, start)
	if err != nil {
		p.q.logger.Warn().Err(err).Str("file", p.seg.name()).Int64("frontier", p.frontier).Msg("pretouch: touching pages")

		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// acquireNext creates and maps the next cycle's segment once the clock is
// within the preroll window of its boundary. An idle writer left behind by
// the clock gets nothing until the clock nears the following boundary.
func (p *Pretoucher) acquireNext(writerCycle int, start time.Time) error {
	now := p.q.now()
	current := p.q.rollCycle.Cycle(now, p.q.epoch)
	next := p.q.rollCycle.Cycle(now.Add(p.cfg.PrerollTime), p.q.epoch)

	if next <= current || next <= writerCycle || (p.hasNotified && next <= p.notified) {
		return nil
	}

	seg, err := p.q.acquireSegment(next, true)
	if err != nil {
		return err
	}

	_, mapped, err := seg.chunk(0)
	if err != nil {
		return errors.Join(err, seg.Close())
	}

	if mapped {
		p.chunkMapped(seg, 0, start)
	}

	if p.early != nil {
		p.closeSegment(p.early)
	}

	p.early = seg

	p.q.logger.Debug().Int("cycle", next).Msg("pretouch: acquired next cycle early")
	p.notify(next)

	return nil
}

// switchTo follows the writer onto cycle, reusing an early handle on it.
func (p *Pretoucher) switchTo(cycle int) error {
	var seg *segment

	if p.early != nil && p.early.cycle() == cycle {
		seg, p.early = p.early, nil
	} else {
		var err error

		seg, err = p.q.acquireSegment(cycle, false)
		if err != nil {
			return err
		}

		// An early handle behind the writer is of no further use.
		if p.early != nil && p.early.cycle() < cycle {
			p.closeSegment(p.early)
			p.early = nil
		}
	}

	if p.seg != nil {
		p.closeSegment(p.seg)
	}

	p.seg = seg
	p.lastSeen = cycle
	p.hasSeen = true
	p.frontier = 0

	p.q.logger.Debug().Int("cycle", cycle).Msg("pretouch: following writer")

	if !p.hasNotified || cycle > p.notified {
		p.notify(cycle)
	}

	return nil
}

// touch faults in every page starting below position that has not been
// touched yet.
func (p *Pretoucher) touch(position int64, start time.Time) error {
	for p.frontier < position {
		buf, mapped, err := p.seg.window(p.frontier, docHeaderSize)
		if err != nil {
			return err
		}

		if mapped {
			p.chunkMapped(p.seg, int(p.frontier/p.seg.blockSize), start)
		}

		touchWord(buf)

		p.frontier += pageSize
	}

	return nil
}

func (p *Pretoucher) chunkMapped(seg *segment, chunk int, start time.Time) {
	if p.chunks != nil {
		p.chunks(seg.name(), chunk, time.Since(start).Microseconds())
	}
}

func (p *Pretoucher) notify(cycle int) {
	p.notified = cycle
	p.hasNotified = true

	if p.cycles != nil {
		p.cycles(cycle)
	}
}

func (p *Pretoucher) closeSegment(seg *segment) {
	err := seg.Close()
	if err != nil {
		p.q.logger.Warn().Err(err).Str("file", seg.name()).Msg("pretouch: closing segment")
	}
}

// Close releases the pretoucher's segment handles.
func (p *Pretoucher) Close() error {
	var errs []error

	if p.seg != nil {
		errs = append(errs, p.seg.Close())
		p.seg = nil
	}

	if p.early != nil {
		errs = append(errs, p.early.Close())
		p.early = nil
	}

	p.hasSeen = false

	return errors.Join(errs...)
}
