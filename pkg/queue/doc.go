// Package queue implements the lifecycle core of a roll-cycle queue: a
// directory of append-only segment files, one per time-bucketed cycle, plus
// a shared table store holding per-cycle reference counts.
//
// # Layout
//
//	<dir>/metadata.cq4t     table store: queue metadata, listing, counters
//	<dir>/appender.lock     writer lock
//	<dir>/<cycle name>.cq4  one segment per cycle, e.g. 20261014-09.cq4
//
// # Reference counting
//
// Every handle on a segment (appender, tailer, pretoucher) increments the
// cycle's counter through a [ReferenceTracker] when it opens the segment
// and decrements it on close. Counters are shared by every process opening
// the directory; [Queue.DeleteUnusedCycles] only removes cycles whose
// counter is zero.
//
// # Pretouching
//
// A [Pretoucher] follows an [Appender], faulting in written pages through
// its own mapping and optionally creating the next cycle's segment shortly
// before the boundary so the appender never pays for file creation:
//
//	app, _ := q.Appender()
//	pt := queue.NewPretoucher(q, app, nil, nil, queue.PretouchConfig{
//	    EarlyAcquireNextCycle: true,
//	    PrerollTime:           100 * time.Millisecond,
//	})
//	defer pt.Close()
//
//	for msg := range msgs {
//	    _ = app.WriteDocument(msg)
//	    _ = pt.Execute()
//	}
package queue
