// Package controller is the façade over a swarm run: it owns the run's queue,
// aggregator and worker pool and moves them through the start/stop lifecycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/aggregator"
	"github.com/JakeFAU/crawl-swarm/internal/clock/system"
	"github.com/JakeFAU/crawl-swarm/internal/dispatcher"
	"github.com/JakeFAU/crawl-swarm/internal/id/uuid"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/queue/memory"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// State is the controller lifecycle state.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrNotRunning is returned when targets are added outside a run.
	ErrNotRunning = errors.New("swarm is not running")
	// ErrStopping is returned when Start races an in-progress stop.
	ErrStopping = errors.New("swarm is stopping")
)

const (
	defaultPoolSize = 4
	idlePoll        = 25 * time.Millisecond
)

// Config controls run sizing.
type Config struct {
	// PoolSize is the number of workers per run (default 4).
	PoolSize int
	// RecentResults bounds the outcomes kept for Recent (default 256).
	RecentResults int
	Pool          dispatcher.Config
}

// Deps are the long-lived collaborators shared by every run.
type Deps struct {
	Strategy swarm.Strategy
	Pacer    swarm.Pacer
	Retry    swarm.RetryPolicy
	Events   progress.Emitter
	Clock    swarm.Clock
	IDs      swarm.IDGenerator
}

// Status is a point-in-time view of the swarm.
type Status struct {
	State   State               `json:"state"`
	Stats   swarm.Stats         `json:"stats"`
	Workers []swarm.WorkerState `json:"workers"`
}

// Rejection explains why a submitted target was not enqueued.
type Rejection struct {
	Index  int            `json:"index"`
	ID     swarm.TargetID `json:"id,omitempty"`
	Reason string         `json:"reason"`
}

// AddResult reports the fate of each submitted target.
type AddResult struct {
	Accepted []swarm.TargetID `json:"accepted"`
	Rejected []Rejection      `json:"rejected"`
}

type run struct {
	queue *memory.Queue
	agg   *aggregator.Aggregator
	pool  *dispatcher.Pool
	seen  map[swarm.TargetID]struct{}
}

// Controller coordinates swarm runs. All methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	current   *run
	carryover []swarm.Target
	stopDone  chan struct{}
}

// New builds a stopped Controller.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Strategy == nil {
		return nil, errors.New("controller requires a strategy")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Pool.MaxWorkers > 0 && cfg.PoolSize > cfg.Pool.MaxWorkers {
		return nil, fmt.Errorf("pool size %d exceeds max %d", cfg.PoolSize, cfg.Pool.MaxWorkers)
	}
	if deps.Events == nil {
		deps.Events = progress.Nop
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("controller"),
		state:  StateStopped,
	}, nil
}

// Start begins a run with targets. Targets left over from the previous stop
// are enqueued first. Starting an active swarm is a no-op that returns the
// current status.
func (c *Controller) Start(ctx context.Context, targets []swarm.Target) (Status, AddResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateRunning, StateStarting:
		c.mu.Unlock()
		c.logger.Debug("start ignored, swarm already active")
		return c.Status(), AddResult{}, nil
	case StateStopping:
		c.mu.Unlock()
		return Status{}, AddResult{}, ErrStopping
	}
	c.setStateLocked(StateStarting)

	r := &run{
		queue: memory.NewQueue(),
		agg:   aggregator.New(aggregator.Config{RecentLimit: c.cfg.RecentResults, Logger: c.logger}),
		seen:  make(map[swarm.TargetID]struct{}),
	}
	r.pool = dispatcher.New(c.cfg.Pool, dispatcher.Deps{
		Queue:    r.queue,
		Strategy: c.deps.Strategy,
		Pacer:    c.deps.Pacer,
		Retry:    c.deps.Retry,
		Recorder: r.agg,
		Events:   c.deps.Events,
		Clock:    c.deps.Clock,
	}, c.logger)

	carried := c.carryover
	c.carryover = nil
	for _, t := range carried {
		t.Seq = 0
		if err := r.queue.Enqueue(t); err != nil {
			c.logger.Warn("dropping carryover target", zap.String("target_id", t.ID.String()), zap.Error(err))
			continue
		}
		r.seen[t.ID] = struct{}{}
	}
	r.agg.Submitted(r.queue.Len())
	c.current = r

	result := c.addLocked(r, targets)

	if err := r.pool.Start(ctx, c.cfg.PoolSize); err != nil {
		r.queue.Close()
		c.carryover = r.queue.Drain()
		r.agg.Close()
		c.setStateLocked(StateStopped)
		c.mu.Unlock()
		return Status{}, result, fmt.Errorf("start worker pool: %w", err)
	}
	c.setStateLocked(StateRunning)
	c.mu.Unlock()

	c.logger.Info("swarm started",
		zap.Int("pool_size", c.cfg.PoolSize),
		zap.Int("carryover", len(carried)),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.Rejected)),
	)
	return c.Status(), result, nil
}

// AddTargets enqueues more targets into the active run.
func (c *Controller) AddTargets(_ context.Context, targets []swarm.Target) (AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StateStarting {
		return AddResult{}, ErrNotRunning
	}
	return c.addLocked(c.current, targets), nil
}

func (c *Controller) addLocked(r *run, targets []swarm.Target) AddResult {
	result := AddResult{Accepted: []swarm.TargetID{}, Rejected: []Rejection{}}
	for i, t := range targets {
		if t.ID == "" {
			id, err := c.deps.IDs.NewID()
			if err != nil {
				result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: err.Error()})
				continue
			}
			t.ID = swarm.TargetID(id)
		}
		if t.Depth == 0 {
			t.Depth = 1
		}
		if err := t.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, ID: t.ID, Reason: err.Error()})
			continue
		}
		if _, dup := r.seen[t.ID]; dup {
			result.Rejected = append(result.Rejected, Rejection{Index: i, ID: t.ID, Reason: "duplicate target id"})
			continue
		}
		t.Status = swarm.TargetPending
		t.Attempts, t.Crashes, t.Seq = 0, 0, 0
		if err := r.queue.Enqueue(t); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, ID: t.ID, Reason: err.Error()})
			continue
		}
		r.seen[t.ID] = struct{}{}
		result.Accepted = append(result.Accepted, t.ID)
	}
	r.agg.Submitted(len(result.Accepted))
	if len(result.Rejected) > 0 {
		c.logger.Info("targets rejected", zap.Int("count", len(result.Rejected)))
	}
	return result
}

// BeginStop starts a graceful stop and returns a channel closed once the
// swarm is stopped. Workers finish their current target first; targets
// still queued are kept for the next Start.
func (c *Controller) BeginStop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStopped:
		done := make(chan struct{})
		close(done)
		return done
	case StateStopping:
		return c.stopDone
	}
	c.setStateLocked(StateStopping)
	done := make(chan struct{})
	c.stopDone = done
	go c.finishStop(c.current, done)
	return done
}

// Stop performs a graceful stop and waits for it, or for ctx to end.
func (c *Controller) Stop(ctx context.Context) error {
	select {
	case <-c.BeginStop():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for swarm stop: %w", ctx.Err())
	}
}

func (c *Controller) finishStop(r *run, done chan struct{}) {
	r.queue.Close()
	if err := r.pool.Stop(context.Background()); err != nil {
		c.logger.Error("worker pool stop failed", zap.Error(err))
	}
	leftovers := r.queue.Drain()
	r.agg.Close()

	c.mu.Lock()
	c.carryover = append(c.carryover, leftovers...)
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	stats := r.agg.Snapshot()
	c.logger.Info("swarm stopped",
		zap.Int64("completed", stats.CompletedTargets),
		zap.Int64("failed", stats.FailedTargets),
		zap.Int("carryover", len(leftovers)),
	)
	close(done)
}

// Status returns the current state, statistics and worker snapshots.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	r := c.current
	carried := len(c.carryover)
	c.mu.Unlock()

	status := Status{State: state, Workers: []swarm.WorkerState{}}
	if r == nil {
		status.Stats.QueueDepth = carried
		return status
	}
	status.Stats = r.agg.Snapshot()
	status.Stats.ActiveWorkers = r.pool.ActiveCount()
	status.Stats.BusyWorkers = r.pool.BusyCount()
	status.Stats.QueueDepth = r.queue.Len() + carried
	if workers := r.pool.Workers(); workers != nil {
		status.Workers = workers
	}
	return status
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recent returns up to limit recent outcomes of the current or last run.
func (c *Controller) Recent(limit int) []swarm.CrawlOutcome {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return []swarm.CrawlOutcome{}
	}
	return r.agg.Recent(limit)
}

// WaitIdle blocks until every accepted target of the active run has an
// outcome, the swarm stops, or ctx ends.
func (c *Controller) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		status := c.Status()
		if status.State == StateStopped {
			return nil
		}
		if status.State == StateRunning &&
			status.Stats.Finished() >= status.Stats.TotalTargets &&
			status.Stats.BusyWorkers == 0 &&
			status.Stats.QueueDepth == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for idle swarm: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Controller) setStateLocked(state State) {
	c.state = state
	c.logger.Debug("swarm state changed", zap.String("state", string(state)))
	c.deps.Events.Emit(progress.Event{
		Type:  progress.EventSwarmState,
		TS:    c.deps.Clock.Now(),
		State: string(state),
	})
}
