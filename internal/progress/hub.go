package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush a small batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline for one flush (default 10s).
//   - BaseContext: parent of every sink call (default context.Background()).
//
// RUN_DONE always flushes the pending batch so a finished run is visible in
// the sinks without waiting out MaxBatchWait.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub buffers run and site events and fans them out to sinks in batches.
// Emit never blocks; when the buffer is full the event is dropped and counted
// against its stage.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger
	drops  dropCounter
	closed atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	b := &batcher{hub: h, batch: make([]Event, 0, cfg.MaxBatchEvents), timer: time.NewTimer(cfg.MaxBatchWait)}
	b.stopTimer()
	go b.run()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		if counts, ok := h.drops.add(evt.Stage, time.Now()); ok {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.String("run_id", evt.RunUUID().String()),
				zap.Any("dropped_by_stage", counts),
			)
		}
	}
}

// Dropped returns how many events of each stage were lost to backpressure
// since the hub started.
func (h *Hub) Dropped() map[Stage]int64 {
	if h == nil {
		return nil
	}
	return h.drops.totals()
}

// Close drains remaining events, flushes and closes sinks, and waits for the
// batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		if lost := h.Dropped(); len(lost) > 0 {
			h.logger.Warn("progress hub closed with dropped events", zap.Any("dropped_by_stage", lost))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batcher owns the pending batch; only the hub goroutine touches it.
type batcher struct {
	hub         *Hub
	batch       []Event
	timer       *time.Timer
	timerActive bool
}

func (b *batcher) run() {
	h := b.hub
	defer close(h.doneCh)
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.timerActive = false
			b.flush()
		case <-h.stopCh:
			b.stopTimer()
			b.drain()
			h.closeSinks()
			return
		}
	}
}

func (b *batcher) add(evt Event) {
	b.batch = append(b.batch, evt)
	if evt.Stage == StageRunDone || len(b.batch) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		b.stopTimer()
		return
	}
	if !b.timerActive {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.timerActive = true
	}
}

func (b *batcher) drain() {
	for {
		select {
		case evt := <-b.hub.events:
			b.batch = append(b.batch, evt)
			if len(b.batch) >= b.hub.cfg.MaxBatchEvents {
				b.flush()
			}
		default:
			b.flush()
			return
		}
	}
}

func (b *batcher) stopTimer() {
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.timerActive = false
}

func (b *batcher) flush() {
	if len(b.batch) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.batch...))
	b.batch = b.batch[:0]
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// dropCounter tallies dropped events per stage. add reports the counts since
// the last report at most once per dropLogInterval.
type dropCounter struct {
	mu       sync.Mutex
	total    map[Stage]int64
	unlogged map[Stage]int64
	lastLog  time.Time
}

func (d *dropCounter) add(stage Stage, now time.Time) (map[Stage]int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.total == nil {
		d.total = make(map[Stage]int64)
		d.unlogged = make(map[Stage]int64)
	}
	d.total[stage]++
	d.unlogged[stage]++
	if !d.lastLog.IsZero() && now.Sub(d.lastLog) < dropLogInterval {
		return nil, false
	}
	d.lastLog = now
	out := d.unlogged
	d.unlogged = make(map[Stage]int64)
	return out, true
}

func (d *dropCounter) totals() map[Stage]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.total) == 0 {
		return nil
	}
	out := make(map[Stage]int64, len(d.total))
	for stage, n := range d.total {
		out[stage] = n
	}
	return out
}
