// Package dispatcher supervises the pool of workers draining the target queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/clock/system"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
	"github.com/JakeFAU/crawl-swarm/internal/worker"
)

const (
	defaultMaxWorkers       = 64
	defaultMaxCrashRequeues = 3
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("worker pool already started")

// Config controls pool sizing and crash handling.
type Config struct {
	// MaxWorkers caps the count accepted by Start (default 64).
	MaxWorkers int
	// MaxCrashRequeues is how many times a target is requeued after crashing
	// a worker (default 3). The next crash fails it with worker-crash.
	MaxCrashRequeues int
	Worker           worker.Config
}

// Deps bundles the collaborators handed to every worker.
type Deps struct {
	Queue    swarm.Queue
	Strategy swarm.Strategy
	Pacer    swarm.Pacer
	Retry    swarm.RetryPolicy
	Recorder swarm.Recorder
	Events   progress.Emitter
	Clock    swarm.Clock
}

type exitNotice struct {
	id  string
	err error
}

// Pool runs a fixed number of workers, replacing any that crash. A single
// supervisor goroutine owns the per-worker state table.
type Pool struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	updates chan swarm.WorkerState
	exits   chan exitNotice
	queries chan chan []swarm.WorkerState
	stopCh  chan struct{}
	doneCh  chan struct{}

	started   atomic.Bool
	stopping  atomic.Bool
	live      atomic.Int32
	busy      atomic.Int32
	nextID    atomic.Int64
	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates an idle Pool.
func New(cfg Config, deps Deps, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxCrashRequeues <= 0 {
		cfg.MaxCrashRequeues = defaultMaxCrashRequeues
	}
	if deps.Events == nil {
		deps.Events = progress.Nop
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("pool"),
		updates: make(chan swarm.WorkerState),
		exits:   make(chan exitNotice),
		queries: make(chan chan []swarm.WorkerState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start spawns count workers bound to the shared queue. Workers outlive ctx's
// cancellation; use Stop or Signal to end them.
func (p *Pool) Start(ctx context.Context, count int) error {
	if count < 1 || count > p.cfg.MaxWorkers {
		return fmt.Errorf("pool size %d outside [1, %d]", count, p.cfg.MaxWorkers)
	}
	if p.deps.Queue == nil || p.deps.Strategy == nil {
		return errors.New("pool requires a queue and a strategy")
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for range count {
		p.spawn()
	}
	go p.supervise()
	p.logger.Info("worker pool started", zap.Int("workers", count))
	return nil
}

// Signal asks every worker to finish its current target and exit. It does
// not wait; see Done.
func (p *Pool) Signal() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		close(p.stopCh)
	})
}

// Stop signals the workers and waits until all have exited or ctx ends.
func (p *Pool) Stop(ctx context.Context) error {
	p.Signal()
	if !p.started.Load() {
		p.startOnce.Do(func() { close(p.doneCh) })
		return nil
	}
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Done is closed once the pool has been signaled and every worker exited.
func (p *Pool) Done() <-chan struct{} {
	return p.doneCh
}

// ActiveCount reports live workers, busy or idle.
func (p *Pool) ActiveCount() int {
	return int(p.live.Load())
}

// BusyCount reports workers with a target in flight.
func (p *Pool) BusyCount() int {
	return int(p.busy.Load())
}

// Workers returns the latest state of every live worker, ordered by ID.
func (p *Pool) Workers() []swarm.WorkerState {
	if !p.started.Load() {
		return nil
	}
	reply := make(chan []swarm.WorkerState, 1)
	select {
	case p.queries <- reply:
		return <-reply
	case <-p.doneCh:
		return nil
	}
}

func (p *Pool) spawn() {
	id := "worker-" + strconv.FormatInt(p.nextID.Add(1), 10)
	p.live.Add(1)
	w := worker.New(
		id,
		p.deps.Queue,
		p.deps.Strategy,
		p.deps.Pacer,
		p.deps.Retry,
		p.deps.Recorder,
		p.deps.Events,
		p.deps.Clock,
		func(state swarm.WorkerState) { p.updates <- state },
		p.cfg.Worker,
		p.logger,
	)
	go func() {
		err := w.Run(p.runCtx)
		p.exits <- exitNotice{id: id, err: err}
	}()
}

func (p *Pool) supervise() {
	defer p.startOnce.Do(func() { close(p.doneCh) })
	states := make(map[string]swarm.WorkerState)
	stopCh := p.stopCh
	for {
		select {
		case state := <-p.updates:
			states[state.ID] = state
			p.busy.Store(countBusy(states))
		case ex := <-p.exits:
			delete(states, ex.id)
			p.busy.Store(countBusy(states))
			p.live.Add(-1)
			p.handleExit(ex)
		case reply := <-p.queries:
			reply <- sortedStates(states)
		case <-stopCh:
			stopCh = nil
		}
		if p.stopping.Load() && p.live.Load() == 0 {
			p.logger.Info("worker pool stopped")
			return
		}
	}
}

func (p *Pool) handleExit(ex exitNotice) {
	var crash *swarm.CrashError
	if !errors.As(ex.err, &crash) {
		if ex.err != nil {
			p.logger.Error("worker exited with error", zap.String("worker_id", ex.id), zap.Error(ex.err))
		}
		return
	}

	p.recordCrash()
	p.emit(progress.Event{Type: progress.EventWorkerCrashed, WorkerID: ex.id, Note: crash.Cause.Error()})
	if crash.Target != nil {
		p.reclaim(ex.id, *crash.Target, crash)
	}
	if p.stopping.Load() {
		return
	}
	p.spawn()
	p.logger.Info("replaced crashed worker", zap.String("worker_id", ex.id), zap.Int32("live", p.live.Load()))
}

// reclaim returns a crashed worker's target to the queue, or fails it once
// it has crashed too many workers.
func (p *Pool) reclaim(workerID string, target swarm.Target, crash *swarm.CrashError) {
	target.Crashes++
	attempts := target.Attempts
	target.Attempts = 0
	logger := p.logger.With(zap.String("worker_id", workerID), zap.String("target_id", target.ID.String()))

	if target.Crashes > p.cfg.MaxCrashRequeues {
		target.Status = swarm.TargetFailed
		target.Attempts = attempts
		outcome := swarm.CrawlOutcome{
			Target:   target,
			WorkerID: workerID,
			Attempts: attempts,
			Error: &swarm.ErrorDescriptor{
				Kind:    swarm.KindWorkerCrash,
				Message: crash.Error(),
			},
		}
		outcome.CompletedAt = p.deps.Clock.Now()
		if p.deps.Recorder != nil {
			p.deps.Recorder.Record(outcome)
		}
		logger.Warn("target failed after repeated worker crashes", zap.Int("crashes", target.Crashes))
		p.emit(progress.Event{
			Type:      progress.EventTaskFailed,
			WorkerID:  workerID,
			TargetID:  target.ID,
			ErrorKind: swarm.KindWorkerCrash,
			Outcome:   &outcome,
			Note:      outcome.Error.Message,
		})
		return
	}

	target.Status = swarm.TargetPending
	p.deps.Queue.Requeue(target)
	if p.deps.Recorder != nil {
		p.deps.Recorder.RecordRequeue()
	}
	logger.Info("requeued target from crashed worker", zap.Int("crashes", target.Crashes))
	p.emit(progress.Event{Type: progress.EventTargetRequeued, WorkerID: workerID, TargetID: target.ID})
}

func (p *Pool) recordCrash() {
	if p.deps.Recorder != nil {
		p.deps.Recorder.RecordCrash()
	}
}

func (p *Pool) emit(evt progress.Event) {
	evt.TS = p.deps.Clock.Now()
	p.deps.Events.Emit(evt)
}

func countBusy(states map[string]swarm.WorkerState) int32 {
	var n int32
	for _, s := range states {
		if s.Status == swarm.WorkerActive {
			n++
		}
	}
	return n
}

func sortedStates(states map[string]swarm.WorkerState) []swarm.WorkerState {
	out := make([]swarm.WorkerState, 0, len(states))
	for _, s := range states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return workerLess(out[i].ID, out[j].ID)
	})
	return out
}

// workerLess orders "worker-2" before "worker-10".
func workerLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "worker-"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "worker-"))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
