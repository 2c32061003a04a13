package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/rollq/internal/config"
	"github.com/calvinalkan/rollq/pkg/queue"
)

const (
	// Payload prefix: run id (16 bytes), sequence number, send time in Unix nanos.
	messageHeaderSize  = 32
	defaultMessageSize = 256

	paceInterval = time.Millisecond
	idleBackoff  = 50 * time.Microsecond
	drainTimeout = 2 * time.Second
)

var errStageCorrupt = errors.New("stage read a malformed document")

// PublishCmd returns the publish command.
func PublishCmd() *Command {
	flags := flag.NewFlagSet("publish", flag.ContinueOnError)
	rate := flags.Float64("rate", 0, "Publish rate in `MB/s` (default from config)")
	stages := flags.Int("stages", 0, "Number of tailing stages (default from config)")
	cpu := flags.Int("cpu", 0, "Pin the publisher to `cpu`, -1 for none (default from config)")
	rollCycle := flags.String("roll-cycle", "", "Roll cycle `name` for a new queue (default from config)")
	earlyAcquire := flags.Bool("early-acquire", false, "Acquire the next cycle before the boundary")
	prerollMs := flags.Int64("preroll-ms", 0, "Early acquisition lead time in `ms` (default from config)")
	duration := flags.Duration("duration", 10*time.Second, "How long to publish")
	messageSize := flags.Int("message-size", defaultMessageSize, "Document size in `bytes`")
	metricsOut := flags.String("metrics-out", "", "Write Prometheus metrics to `file` when done")

	return &Command{
		Flags: flags,
		Usage: "publish [dir] [flags]",
		Short: "Run the load harness",
		Long: `Append fixed-size documents at a steady rate while stages tail the queue.

The pretoucher runs after every append. When --duration elapses the stages
drain and a summary with per-stage latency is printed.`,
		Exec: func(ctx context.Context, e *Env, args []string) error {
			var o config.Overrides

			if flags.Changed("rate") {
				o.PublishRateMB = rate
			}

			if flags.Changed("stages") {
				o.StageCount = stages
			}

			if flags.Changed("cpu") {
				o.CPU = cpu
			}

			if flags.Changed("roll-cycle") {
				o.RollCycle = rollCycle
			}

			if flags.Changed("early-acquire") {
				o.EarlyAcquireNextCycle = earlyAcquire
			}

			if flags.Changed("preroll-ms") {
				o.PretouchPrerollMs = prerollMs
			}

			cfg, err := e.Config.WithOverrides(o)
			if err != nil {
				return err
			}

			if *messageSize < messageHeaderSize {
				return fmt.Errorf("--message-size %d below %d: %w", *messageSize, messageHeaderSize, queue.ErrInvalidInput)
			}

			if *duration <= 0 {
				return fmt.Errorf("--duration must be positive: %w", queue.ErrInvalidInput)
			}

			h := &harness{
				cfg:         cfg,
				dir:         queueDir(e, args),
				duration:    *duration,
				messageSize: *messageSize,
				metricsOut:  *metricsOut,
				logger:      e.Logger,
			}

			return h.run(ctx, e.IO)
		},
	}
}

type harness struct {
	cfg         config.Config
	dir         string
	duration    time.Duration
	messageSize int
	metricsOut  string
	logger      zerolog.Logger

	runID     uuid.UUID
	published atomic.Int64
	cycles    atomic.Int64

	metrics       *metrics.Set
	publishedDocs *metrics.Counter
	pretouched    *metrics.Counter
}

type stageStats struct {
	read       int64
	gaps       int64
	maxLatency time.Duration
	total      time.Duration
	latency    *metrics.Histogram
}

func (h *harness) run(ctx context.Context, o *IO) error {
	q, err := queue.Open(h.dir, queue.Options{
		RollCycle: h.cfg.QueueRollCycle(),
		BlockSize: h.cfg.BlockSize,
		Logger:    &h.logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	if int64(h.messageSize) > q.MaxDocumentSize() {
		return fmt.Errorf("--message-size %d: %w", h.messageSize, queue.ErrDocumentTooLarge)
	}

	h.runID = uuid.New()
	h.metrics = metrics.NewSet()
	h.publishedDocs = h.metrics.NewCounter("rollq_published_documents_total")
	h.pretouched = h.metrics.NewCounter("rollq_pretouched_cycles_total")

	stageCtx, stopStages := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStages()

	var target atomic.Int64

	target.Store(math.MaxInt64)

	stats := make([]stageStats, h.cfg.StageCount)
	errs := make([]error, h.cfg.StageCount)

	var wg sync.WaitGroup

	for i := range h.cfg.StageCount {
		stats[i].latency = h.metrics.NewHistogram(fmt.Sprintf(`rollq_stage_latency_seconds{stage="%d"}`, i))

		wg.Go(func() {
			errs[i] = h.stage(stageCtx, q, &target, &stats[i])
		})
	}

	start := time.Now()
	pubErr := h.publish(ctx, q)
	elapsed := time.Since(start)

	target.Store(h.published.Load())

	drain := time.AfterFunc(drainTimeout, stopStages)
	wg.Wait()
	drain.Stop()

	mb := float64(h.published.Load()*int64(h.messageSize)) / 1e6

	o.Printf("published=%d bytes=%d elapsed=%s rate_mb=%.2f cycles=%d\n",
		h.published.Load(), h.published.Load()*int64(h.messageSize),
		elapsed.Round(time.Millisecond), mb/math.Max(elapsed.Seconds(), 1e-9), h.cycles.Load())

	for i, s := range stats {
		var mean time.Duration
		if s.read > 0 {
			mean = s.total / time.Duration(s.read)
		}

		o.Printf("stage=%d read=%d gaps=%d mean_latency=%s max_latency=%s\n",
			i, s.read, s.gaps, mean, s.maxLatency)

		if s.read < h.published.Load() {
			o.Warn(fmt.Sprintf("stage %d read %d of %d documents", i, s.read, h.published.Load()),
				"the stage did not drain before the timeout")
		}
	}

	return errors.Join(pubErr, errors.Join(errs...), h.writeMetrics())
}

func (h *harness) writeMetrics() error {
	if h.metricsOut == "" {
		return nil
	}

	var buf bytes.Buffer

	h.metrics.WritePrometheus(&buf)

	err := os.WriteFile(h.metricsOut, buf.Bytes(), 0o644)
	if err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	return nil
}

// publish appends documents until ctx is done or the duration elapses.
func (h *harness) publish(ctx context.Context, q *queue.Queue) error {
	if h.cfg.CPU != config.NoCPU {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		err := pinCPU(h.cfg.CPU)
		if err != nil {
			return err
		}
	}

	app, err := q.Appender()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	chunks := func(filename string, chunk int, delayMicros int64) {
		h.logger.Debug().Str("file", filename).Int("chunk", chunk).Int64("delay_us", delayMicros).Msg("pretouched chunk")
	}
	cycles := func(cycle int) {
		h.cycles.Add(1)
		h.pretouched.Inc()
		h.logger.Info().Int("cycle", cycle).Msg("pretouched cycle")
	}

	pt := queue.NewPretoucher(q, app, chunks, cycles, h.cfg.PretouchConfig())
	defer func() { _ = pt.Close() }()

	ctx, cancel := context.WithTimeout(ctx, h.duration)
	defer cancel()

	ticker := time.NewTicker(paceInterval)
	defer ticker.Stop()

	bytesPerTick := h.cfg.PublishRateMB * 1e6 * paceInterval.Seconds()
	maxAllowance := bytesPerTick*10 + float64(h.messageSize)
	allowance := 0.0

	buf := make([]byte, h.messageSize)
	copy(buf, h.runID[:])

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		allowance = math.Min(allowance+bytesPerTick, maxAllowance)

		for allowance >= float64(h.messageSize) {
			allowance -= float64(h.messageSize)

			binary.LittleEndian.PutUint64(buf[16:], uint64(h.published.Load()))
			binary.LittleEndian.PutUint64(buf[24:], uint64(time.Now().UnixNano()))

			err := app.WriteDocument(buf)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			h.published.Add(1)
			h.publishedDocs.Inc()

			// Failures are logged by the pretoucher and retried on the next call.
			_ = pt.Execute()
		}
	}
}

// stage tails the queue and records documents of this run until it has
// read target documents or ctx is done.
func (h *harness) stage(ctx context.Context, q *queue.Queue, target *atomic.Int64, s *stageStats) error {
	t, err := q.Tailer()
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	next := uint64(0)

	for s.read < target.Load() && ctx.Err() == nil {
		doc, ok, err := t.ReadDocument()
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}

		if !ok {
			time.Sleep(idleBackoff)
			continue
		}

		if len(doc) < messageHeaderSize {
			return fmt.Errorf("%w: %d bytes", errStageCorrupt, len(doc))
		}

		if !bytes.Equal(doc[:16], h.runID[:]) {
			continue
		}

		seq := binary.LittleEndian.Uint64(doc[16:])
		if seq != next {
			s.gaps++
		}

		next = seq + 1

		latency := time.Since(time.Unix(0, int64(binary.LittleEndian.Uint64(doc[24:]))))
		s.latency.Update(latency.Seconds())
		s.total += latency
		s.maxLatency = max(s.maxLatency, latency)
		s.read++
	}

	return nil
}

func pinCPU(cpu int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	err := unix.SchedSetaffinity(0, &set)
	if err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}

	return nil
}
