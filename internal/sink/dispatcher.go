package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-bridge/internal/metrics"
	"github.com/rickgao/realtime-bridge/internal/queue"
)

// DispatcherConfig holds batching settings.
type DispatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration // per flush, across all sinks
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// DispatcherStats counts dispatcher activity.
type DispatcherStats struct {
	Changes int64
	Flushes int64
	Errors  map[string]int64 // per sink name
}

// Dispatcher consumes changes from a queue and writes batches to every sink.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger

	input *queue.Queue[Change]
	sinks []Sink

	batch       []Change
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   DispatcherStats
}

// NewDispatcher creates a dispatcher. It owns sinks and closes them on Stop.
func NewDispatcher(cfg DispatcherConfig, input *queue.Queue[Change], sinks []Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultDispatcherConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		input:  input,
		sinks:  sinks,
		batch:  make([]Change, 0, cfg.BatchSize),
		stats:  DispatcherStats{Errors: make(map[string]int64)},
	}
}

// Start begins consuming changes.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.flushTicker = time.NewTicker(d.cfg.FlushInterval)

	d.wg.Add(1)
	go d.consumeLoop()

	d.wg.Add(1)
	go d.flushLoop()

	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	d.logger.Info("sink dispatcher started",
		"sinks", names,
		"batch_size", d.cfg.BatchSize,
		"flush_interval", d.cfg.FlushInterval,
	)
	return nil
}

// Stop drains what is queued, flushes it, and closes every sink.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping sink dispatcher")

	if d.cancel != nil {
		d.cancel()
	}
	if d.flushTicker != nil {
		d.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("sink dispatcher stop timed out")
	}

	// Final flush
	for _, c := range d.input.Drain(0) {
		d.add(c)
	}
	d.flush(ctx)

	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.logger.Warn("sink close failed", "sink", s.Name(), "error", err)
		}
	}
	d.logger.Info("sink dispatcher stopped")
	return nil
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	out := d.stats
	out.Errors = make(map[string]int64, len(d.stats.Errors))
	for k, v := range d.stats.Errors {
		out.Errors[k] = v
	}
	return out
}

func (d *Dispatcher) consumeLoop() {
	defer d.wg.Done()

	for {
		if d.ctx.Err() != nil {
			return
		}
		changes := d.input.Drain(d.cfg.BatchSize)
		if len(changes) == 0 {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		for _, c := range changes {
			if d.add(c) {
				d.flush(context.WithoutCancel(d.ctx))
			}
		}
	}
}

func (d *Dispatcher) flushLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.flushTicker.C:
			d.flush(context.WithoutCancel(d.ctx))
		}
	}
}

// add appends c and reports whether the batch is full.
func (d *Dispatcher) add(c Change) bool {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	d.batch = append(d.batch, c)
	return len(d.batch) >= d.cfg.BatchSize
}

// flush writes the current batch to all sinks in parallel. A failing sink
// does not stop the others. Writes are bounded by WriteTimeout; loop
// flushes are not cut short by Stop.
func (d *Dispatcher) flush(parent context.Context) {
	d.batchMu.Lock()
	if len(d.batch) == 0 {
		d.batchMu.Unlock()
		return
	}
	batch := d.batch
	d.batch = make([]Change, 0, d.cfg.BatchSize)
	d.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, d.cfg.WriteTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			start := time.Now()
			err := s.Write(ctx, batch)
			metrics.SinkFlushDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())

			if err != nil {
				metrics.SinkWrites.WithLabelValues(s.Name(), "error").Add(float64(len(batch)))
				d.logger.Error("sink write failed", "sink", s.Name(), "count", len(batch), "error", err)
				d.statsMu.Lock()
				d.stats.Errors[s.Name()]++
				d.statsMu.Unlock()
				return err
			}

			metrics.SinkWrites.WithLabelValues(s.Name(), "ok").Add(float64(len(batch)))
			d.logger.Debug("flushed changes", "sink", s.Name(), "count", len(batch), "duration", time.Since(start))
			return nil
		})
	}
	g.Wait()

	d.statsMu.Lock()
	d.stats.Changes += int64(len(batch))
	d.stats.Flushes++
	d.statsMu.Unlock()
}
