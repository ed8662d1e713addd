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
//   - BufferSize: size of the ingress channel (default 4096).
//   - ListenerBuffer: default per-listener buffer (default 256).
//   - MaxBatchEvents: sink flush once this many events queue (default 1000).
//   - MaxBatchWait: sink flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	ListenerBuffer int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultListenerBuffer = 256
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans events out to subscribed listeners. It is safe for concurrent use
// and Emit never blocks callers.
type Hub struct {
	cfg         Config
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	droppedAll  atomic.Int64
	closed      atomic.Bool

	mu        sync.RWMutex
	listeners []*Subscription
	stopped   bool
	sinkWG    sync.WaitGroup

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub, starts the fan-out goroutine and attaches sinks.
// The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ListenerBuffer <= 0 {
		cfg.ListenerBuffer = defaultListenerBuffer
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
		cfg:         cfg,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	for _, sink := range sinks {
		h.AttachSink(sink)
	}
	go h.run()
	return h
}

// Emit enqueues an Event for fan-out. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.droppedAll.Add(1)
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Dropped reports how many events were rejected at ingress.
func (h *Hub) Dropped() int64 {
	return h.droppedAll.Load()
}

// Subscribe registers a listener with its own buffer. A buffer <= 0 uses the
// configured default. After Close the returned subscription is already closed.
func (h *Hub) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.cfg.ListenerBuffer
	}
	sub := &Subscription{
		name:    name,
		ch:      make(chan Event, buffer),
		hub:     h,
		logger:  h.logger.With(zap.String("listener", name)),
		limiter: rateLimiter{interval: dropLogInterval},
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.listeners = append(append([]*Subscription(nil), h.listeners...), sub)
	return sub
}

// Listeners reports the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	next := make([]*Subscription, 0, len(h.listeners))
	for _, l := range h.listeners {
		if l != sub {
			next = append(next, l)
		}
	}
	h.listeners = next
	sub.closed = true
	close(sub.ch)
}

// AttachSink subscribes a batching runner that feeds sink until the hub closes.
func (h *Hub) AttachSink(sink Sink) {
	if sink == nil {
		return
	}
	sub := h.Subscribe(fmt.Sprintf("sink-%T", sink), h.cfg.MaxBatchEvents*2)
	h.sinkWG.Add(1)
	go func() {
		defer h.sinkWG.Done()
		runner := sinkRunner{hub: h, sink: sink, sub: sub}
		runner.run()
	}()
}

// Close drains remaining events to listeners, closes every listener channel,
// then waits for sinks to flush and close. Subsequent calls only wait.
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
	sinksDone := make(chan struct{})
	go func() {
		<-h.doneCh
		h.sinkWG.Wait()
		close(sinksDone)
	}()
	select {
	case <-sinksDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		case <-h.stopCh:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleStop() {
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		default:
			h.mu.Lock()
			for _, sub := range h.listeners {
				sub.closed = true
				close(sub.ch)
			}
			h.listeners = nil
			h.stopped = true
			h.mu.Unlock()
			return
		}
	}
}

// deliver holds the read lock so Unsubscribe cannot close a channel mid-send.
func (h *Hub) deliver(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.listeners {
		select {
		case sub.ch <- evt:
		default:
			sub.drop()
		}
	}
}

// Subscription is one listener's view of the event stream.
type Subscription struct {
	name    string
	ch      chan Event
	hub     *Hub
	logger  *zap.Logger
	dropped atomic.Int64
	window  atomic.Int64
	limiter rateLimiter
	// closed is guarded by hub.mu.
	closed bool
}

// Events returns the listener channel. It is closed on Unsubscribe or when
// the hub closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Name returns the listener name.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped reports how many events this listener missed because it was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe removes the listener and closes its channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) drop() {
	s.dropped.Add(1)
	s.window.Add(1)
	if s.limiter.Allow(time.Now()) {
		s.logger.Warn("listener too slow, events dropped", zap.Int64("dropped", s.window.Swap(0)))
	}
}

type sinkRunner struct {
	hub  *Hub
	sink Sink
	sub  *Subscription
}

func (r sinkRunner) run() {
	cfg := r.hub.cfg
	batch := make([]Event, 0, cfg.MaxBatchEvents)
	timer := time.NewTimer(cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt, ok := <-r.sub.Events():
			if !ok {
				stopTimer(timer, &timerActive)
				r.flush(batch)
				r.close()
				return
			}
			batch = append(batch, evt)
			if len(batch) >= cfg.MaxBatchEvents {
				r.flush(batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else {
				resetTimer(timer, &timerActive, cfg.MaxBatchWait)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r sinkRunner) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	ctx, cancel := context.WithTimeout(r.hub.cfg.BaseContext, r.hub.cfg.SinkTimeout)
	defer cancel()
	if err := r.sink.Consume(ctx, copyBatch); err != nil {
		r.hub.logger.Warn("sink consume failed", zap.String("sink", r.sub.name), zap.Error(err))
	}
}

func (r sinkRunner) close() {
	ctx := r.hub.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.sink.Close(ctx); err != nil {
		r.hub.logger.Warn("sink close failed", zap.String("sink", r.sub.name), zap.Error(err))
	}
}

func resetTimer(timer *time.Timer, timerActive *bool, wait time.Duration) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(wait)
	*timerActive = true
}

func stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
