package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/internal/testutil"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

const testBlockSize = 64 << 10

// secondBoundary is a fixed instant on a whole second.
var secondBoundary = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func openTestQueue(tb testing.TB, dir string, clock *testutil.Clock) *queue.Queue {
	tb.Helper()

	q, err := queue.Open(dir, queue.Options{
		RollCycle:    rollcycle.TestSecondly,
		BlockSize:    testBlockSize,
		TimeProvider: clock.Now,
	})
	require.NoError(tb, err)

	tb.Cleanup(func() { _ = q.Close() })

	return q
}

func openTestAppender(tb testing.TB, q *queue.Queue) *queue.Appender {
	tb.Helper()

	app, err := q.Appender()
	require.NoError(tb, err)

	tb.Cleanup(func() { _ = app.Close() })

	return app
}
