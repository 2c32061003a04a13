package queue_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/internal/testutil"
	"github.com/calvinalkan/rollq/pkg/queue"
)

// capturingChunks records chunk notifications per file.
type capturingChunks struct {
	mu     sync.Mutex
	chunks map[string][]int
}

func newCapturingChunks() *capturingChunks {
	return &capturingChunks{chunks: make(map[string][]int)}
}

func (c *capturingChunks) listener(filename string, chunk int, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chunks[filename] = append(c.chunks[filename], chunk)
}

func (c *capturingChunks) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, v := range c.chunks {
		n += len(v)
	}

	return n
}

func writeInt32Then1K(t *testing.T, app *queue.Appender, i int, during func()) {
	t.Helper()

	doc, err := app.WritingDocument()
	require.NoError(t, err)

	_, err = doc.Write([]byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)})
	require.NoError(t, err)

	during()

	_, err = doc.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, doc.Close())
}

func Test_Pretoucher_Notifies_Each_Cycle_Once_When_Writer_Rolls(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(secondBoundary)
	q := openTestQueue(t, t.TempDir(), clock)
	app := openTestAppender(t, q)
	chunks := newCapturingChunks()

	var cycles []int

	pt := queue.NewPretoucher(q, app, chunks.listener, func(c int) { cycles = append(cycles, c) }, queue.PretouchConfig{})

	defer pt.Close()

	for i := range 10 {
		writeInt32Then1K(t, app, i, func() {
			require.Len(t, cycles, i)
			require.NoError(t, pt.Execute())
		})

		require.Len(t, cycles, i+1)
		require.NoError(t, pt.Execute())
		require.Len(t, cycles, i+1)

		clock.Advance(5 * time.Second)
	}

	require.Len(t, cycles, 10)
	assert.NotZero(t, chunks.total())

	for i := 1; i < len(cycles); i++ {
		assert.Equal(t, cycles[i-1]+5, cycles[i])
	}
}

func Test_Pretoucher_Acquires_Next_Cycle_Before_Boundary_When_Early_Acquire_Enabled(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(secondBoundary)
	q := openTestQueue(t, t.TempDir(), clock)
	app := openTestAppender(t, q)
	chunks := newCapturingChunks()

	var cycles []int

	pt := queue.NewPretoucher(q, app, chunks.listener, func(c int) { cycles = append(cycles, c) }, queue.PretouchConfig{
		EarlyAcquireNextCycle: true,
		PrerollTime:           100 * time.Millisecond,
	})

	defer pt.Close()

	for i := range 10 {
		writeInt32Then1K(t, app, i, func() {
			want := i + 1
			if i == 0 {
				want = 0
			}

			require.Len(t, cycles, want)
			require.NoError(t, pt.Execute())
		})

		require.Len(t, cycles, i+1)

		clock.Advance(950 * time.Millisecond)
		require.NoError(t, pt.Execute())

		// Acquired while the clock is still inside the writer's cycle.
		current, err := q.CurrentCycle()
		require.NoError(t, err)
		require.Len(t, cycles, i+2)
		assert.Equal(t, current+1, cycles[len(cycles)-1])

		held, err := q.ReferenceCount(current + 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), held, "early segment is held by the pretoucher only")

		clock.Advance(50 * time.Millisecond)
	}

	require.Len(t, cycles, 11)
	assert.NotZero(t, chunks.total())

	// The early segment exists before the appender ever wrote to it.
	last, ok, err := q.LastCycle()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cycles[10], last)
}

func Test_Pretoucher_Waits_For_Preroll_Window_When_Writer_Is_Idle(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(secondBoundary)
	dir := t.TempDir()
	q := openTestQueue(t, dir, clock)
	app := openTestAppender(t, q)

	var cycles []int

	pt := queue.NewPretoucher(q, app, nil, func(c int) { cycles = append(cycles, c) }, queue.PretouchConfig{
		EarlyAcquireNextCycle: true,
		PrerollTime:           100 * time.Millisecond,
	})

	defer pt.Close()

	require.NoError(t, app.WriteDocument([]byte("first")))
	require.NoError(t, pt.Execute())

	written, ok := app.Cycle()
	require.True(t, ok)
	require.Equal(t, []int{written}, cycles)

	// Five cycles later the next boundary is 800ms away.
	clock.Advance(5200 * time.Millisecond)
	require.NoError(t, pt.Execute())

	assert.Equal(t, []int{written}, cycles, "no boundary inside the preroll window")

	_, err := os.Stat(filepath.Join(dir, q.FileName(written+5)))
	require.ErrorIs(t, err, os.ErrNotExist)

	clock.Advance(750 * time.Millisecond)
	require.NoError(t, pt.Execute())

	assert.Equal(t, []int{written, written + 6}, cycles)

	last, ok, err := q.LastCycle()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, written+6, last)
}

func Test_Pretoucher_Touches_Writer_Cycle_When_Early_Acquire_Fails(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(secondBoundary)
	q, faulty := openFaultyQueue(t, t.TempDir(), clock)
	app := openTestAppender(t, q)
	chunks := newCapturingChunks()

	var cycles []int

	pt := queue.NewPretoucher(q, app, chunks.listener, func(c int) { cycles = append(cycles, c) }, queue.PretouchConfig{
		EarlyAcquireNextCycle: true,
		PrerollTime:           100 * time.Millisecond,
	})

	defer pt.Close()

	require.NoError(t, app.WriteDocument([]byte("first")))

	written, ok := app.Cycle()
	require.True(t, ok)

	nextName := q.FileName(written + 1)
	faulty.Fail(fs.OpOpenFile, func(path string) bool { return filepath.Base(path) == nextName }, syscall.EIO, -1)

	clock.Advance(950 * time.Millisecond)

	err := pt.Execute()
	require.Error(t, err)
	assert.True(t, fs.IsInjected(err), "err=%v", err)

	assert.Equal(t, []int{written}, cycles, "writer cycle still followed")
	assert.NotZero(t, chunks.total(), "writer cycle still touched")

	faulty.Reset()

	require.NoError(t, pt.Execute())
	assert.Equal(t, []int{written, written + 1}, cycles)
}

func Test_Pretoucher_Makes_No_Callbacks_When_Nothing_Was_Written_Since_Last_Call(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, t.TempDir(), testutil.NewClock(secondBoundary))
	app := openTestAppender(t, q)
	chunks := newCapturingChunks()
	cycleCalls := 0

	pt := queue.NewPretoucher(q, app, chunks.listener, func(int) { cycleCalls++ }, queue.PretouchConfig{})

	defer pt.Close()

	// No writer cycle yet.
	require.NoError(t, pt.Execute())
	assert.Zero(t, cycleCalls)

	require.NoError(t, app.WriteDocument(make([]byte, 9000)))
	require.NoError(t, pt.Execute())

	chunksAfterFirst := chunks.total()
	require.Equal(t, 1, cycleCalls)
	require.Equal(t, 1, chunksAfterFirst)

	require.NoError(t, pt.Execute())
	assert.Equal(t, 1, cycleCalls)
	assert.Equal(t, chunksAfterFirst, chunks.total())
}

func Test_Pretoucher_Reports_New_Chunks_When_Writer_Crosses_Block(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, t.TempDir(), testutil.NewClock(secondBoundary))
	app := openTestAppender(t, q)
	chunks := newCapturingChunks()

	pt := queue.NewPretoucher(q, app, chunks.listener, nil, queue.PretouchConfig{})

	defer pt.Close()

	payload := make([]byte, 8000)
	for app.Position() < 2*testBlockSize+100 {
		require.NoError(t, app.WriteDocument(payload))
		require.NoError(t, pt.Execute())
	}

	cycle, _ := app.Cycle()
	name := q.FileName(cycle)

	chunks.mu.Lock()
	defer chunks.mu.Unlock()

	assert.Equal(t, []int{0, 1, 2}, chunks.chunks[name])
}

func Test_Pretoucher_Returns_Error_And_Retries_When_Segment_Is_Missing(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(secondBoundary)
	dir := t.TempDir()
	q := openTestQueue(t, dir, clock)
	cycles := 0

	w := &stubWriter{}
	pt := queue.NewPretoucher(q, w, nil, func(int) { cycles++ }, queue.PretouchConfig{})

	defer pt.Close()

	cycle, err := q.CurrentCycle()
	require.NoError(t, err)

	w.cycle, w.ok, w.pos = cycle, true, 10

	err = pt.Execute()
	if !errors.Is(err, queue.ErrNoSegment) {
		t.Fatalf("Execute: err=%v, want ErrNoSegment", err)
	}

	assert.Zero(t, cycles, "failed switch must not notify")

	app := openTestAppender(t, q)
	require.NoError(t, app.WriteDocument([]byte("now it exists")))

	require.NoError(t, pt.Execute())
	assert.Equal(t, 1, cycles)

	_, err = os.Stat(filepath.Join(dir, q.FileName(cycle)))
	require.NoError(t, err)
}

type stubWriter struct {
	cycle int
	ok    bool
	pos   int64
}

func (w *stubWriter) Cycle() (int, bool) { return w.cycle, w.ok }
func (w *stubWriter) Position() int64    { return w.pos }

func Test_Pretoucher_Returns_ErrReadOnly_When_Queue_Is_Read_Only(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := testutil.NewClock(secondBoundary)
	openTestQueue(t, dir, clock)

	ro, err := queue.Open(dir, queue.Options{ReadOnly: true, TimeProvider: clock.Now})
	require.NoError(t, err)

	defer ro.Close()

	pt := queue.NewPretoucher(ro, &stubWriter{ok: true}, nil, nil, queue.PretouchConfig{})

	require.ErrorIs(t, pt.Execute(), queue.ErrReadOnly)
	require.NoError(t, pt.Close())
}
