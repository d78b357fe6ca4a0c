package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the capacity of the inbound channel (default 1024).
	BufferSize int
	// MaxBatchEvents triggers a flush once this many events queue (default 256).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long (default 250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call (default 5s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call context.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub aggregates lifecycle events and fans them out to sinks. It is safe for
// concurrent use and never blocks emitters.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	lastWarn atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		in:     make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit queues evt for the sinks. Invalid events are discarded; a full buffer
// drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid job event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		h.recordDrop(time.Now())
	}
}

// Dropped returns how many events were dropped since the last warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) recordDrop(now time.Time) {
	h.dropped.Add(1)
	last := h.lastWarn.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastWarn.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("job events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close stops intake, drains buffered events into the sinks and closes them.
// Calling it more than once is safe.
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
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch truncated for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
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
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
