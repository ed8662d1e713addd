// Package worker implements the crawl execution loop run by each pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/clock/system"
	"github.com/JakeFAU/crawl-swarm/internal/policy/retry"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const (
	defaultTaskTimeout = 30 * time.Second
	tracerName         = "github.com/JakeFAU/crawl-swarm/internal/worker"
)

// DefaultCheckpoints are the progress percentages that produce events.
var DefaultCheckpoints = []int{25, 50, 75, 100}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds a single strategy attempt (default 30s).
	TaskTimeout time.Duration
	// Checkpoints lists ascending percentages that emit progress events.
	Checkpoints []int
	// Tracer records one span per strategy attempt. Defaults to the global
	// provider.
	Tracer trace.Tracer
}

// StateReporter receives snapshots of the worker's own state.
type StateReporter func(state swarm.WorkerState)

// Worker dequeues targets and executes them with a Strategy.
type Worker struct {
	id       string
	queue    swarm.Queue
	strategy swarm.Strategy
	pacer    swarm.Pacer
	retry    swarm.RetryPolicy
	recorder swarm.Recorder
	events   progress.Emitter
	clock    swarm.Clock
	report   StateReporter
	cfg      Config
	logger   *zap.Logger

	// state and current are only touched by the Run goroutine.
	state   swarm.WorkerState
	current *swarm.Target
}

// New constructs a Worker. Nil collaborators other than queue and strategy
// fall back to permissive defaults.
func New(
	id string,
	queue swarm.Queue,
	strategy swarm.Strategy,
	pacer swarm.Pacer,
	retryPolicy swarm.RetryPolicy,
	recorder swarm.Recorder,
	events progress.Emitter,
	clock swarm.Clock,
	report StateReporter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.New(retry.Config{})
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if events == nil {
		events = progress.Nop
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if len(cfg.Checkpoints) == 0 {
		cfg.Checkpoints = DefaultCheckpoints
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Worker{
		id:       id,
		queue:    queue,
		strategy: strategy,
		pacer:    pacer,
		retry:    retryPolicy,
		recorder: recorder,
		events:   events,
		clock:    clock,
		report:   report,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, consuming targets until ctx is canceled or the queue closes,
// and returns nil. Cancellation never interrupts a target already being
// executed. A panic anywhere in the loop is returned as *swarm.CrashError
// carrying the in-flight target.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = w.crash(fmt.Errorf("worker panic: %v", r))
		}
	}()

	w.state = swarm.WorkerState{ID: w.id, Status: swarm.WorkerIdle, StartTime: w.clock.Now()}
	w.publish()
	w.emit(progress.Event{Type: progress.EventWorkerStarted, WorkerID: w.id})
	w.logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			w.stopped()
			return nil
		}
		target, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, swarm.ErrQueueClosed) || ctx.Err() != nil {
				w.stopped()
				return nil
			}
			return w.crash(fmt.Errorf("dequeue: %w", err))
		}
		// Held from dequeue on so a crash anywhere below hands it back.
		held := target
		w.current = &held
		if err := w.pace(ctx, target); err != nil {
			// Not started yet: hand the target back untouched.
			w.current = nil
			w.queue.Requeue(target)
			w.stopped()
			return nil
		}
		if err := w.process(ctx, target); err != nil {
			return err
		}
	}
}

func (w *Worker) pace(ctx context.Context, target swarm.Target) error {
	if w.pacer == nil {
		return nil
	}
	if err := w.pacer.Wait(ctx, target); err != nil {
		w.logger.Debug("pacing interrupted", zap.String("target_id", target.ID.String()), zap.Error(err))
		return fmt.Errorf("pace target %s: %w", target.ID, err)
	}
	return nil
}

// process runs the target held in w.current to a terminal outcome.
func (w *Worker) process(ctx context.Context, target swarm.Target) error {
	held := w.current
	w.state.Status = swarm.WorkerActive
	w.state.CurrentTarget = held
	w.publish()

	start := w.clock.Now()
	tracker := newTracker(w, target.ID, w.cfg.Checkpoints)
	var (
		res     swarm.Result
		lastErr error
	)
	for {
		target.Attempts++
		held.Attempts = target.Attempts
		res, lastErr = w.attempt(ctx, target, tracker)
		if lastErr == nil {
			break
		}
		var crash *swarm.CrashError
		if errors.As(lastErr, &crash) {
			return w.crash(crash.Cause)
		}
		kind := swarm.Classify(lastErr)
		if !w.retry.ShouldRetry(kind, target.Attempts) {
			break
		}
		backoff := w.retry.Backoff(target.Attempts)
		w.logger.Info("retrying target",
			zap.String("target_id", target.ID.String()),
			zap.Int("attempt", target.Attempts),
			zap.String("error_kind", string(kind)),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		w.emit(progress.Event{
			Type:      progress.EventTaskRetry,
			WorkerID:  w.id,
			TargetID:  target.ID,
			Attempt:   target.Attempts,
			ErrorKind: kind,
			Note:      lastErr.Error(),
		})
		sleep(backoff)
	}

	outcome := swarm.CrawlOutcome{
		WorkerID:    w.id,
		DurationMs:  w.clock.Now().Sub(start).Milliseconds(),
		Attempts:    target.Attempts,
		Success:     lastErr == nil,
		Error:       swarm.Describe(lastErr),
		CompletedAt: w.clock.Now(),
	}
	if outcome.DurationMs < 0 {
		outcome.DurationMs = 0
	}
	if outcome.Success {
		target.Status = swarm.TargetCompleted
		outcome.ItemsFound = max(res.ItemsFound, 0)
		outcome.DeployedCount = max(res.DeployedCount, 0)
		tracker.complete(outcome.ItemsFound)
	} else {
		tracker.close()
		target.Status = swarm.TargetFailed
	}
	outcome.Target = target

	// Recorded targets are never handed back, even if a later step crashes.
	w.current = nil
	w.recorder.Record(outcome)
	w.finish(outcome)
	return nil
}

func (w *Worker) finish(outcome swarm.CrawlOutcome) {
	fields := []zap.Field{
		zap.String("target_id", outcome.Target.ID.String()),
		zap.Int("attempts", outcome.Attempts),
		zap.Int64("duration_ms", outcome.DurationMs),
	}
	if outcome.Success {
		w.logger.Info("target completed", append(fields, zap.Int("items_found", outcome.ItemsFound))...)
		w.emit(progress.Event{
			Type:       progress.EventTaskComplete,
			WorkerID:   w.id,
			TargetID:   outcome.Target.ID,
			ItemsFound: outcome.ItemsFound,
			Outcome:    &outcome,
		})
	} else {
		w.logger.Warn("target failed", append(fields,
			zap.String("error_kind", string(outcome.Error.Kind)),
			zap.String("error", outcome.Error.Message))...)
		w.emit(progress.Event{
			Type:      progress.EventTaskFailed,
			WorkerID:  w.id,
			TargetID:  outcome.Target.ID,
			ErrorKind: outcome.Error.Kind,
			Outcome:   &outcome,
			Note:      outcome.Error.Message,
		})
	}

	w.current = nil
	w.state.Status = swarm.WorkerIdle
	w.state.CurrentTarget = nil
	w.state.TasksDone++
	w.state.ItemsFound += int64(outcome.ItemsFound)
	w.state.SeedsDeployed += int64(outcome.DeployedCount)
	w.publish()
}

type attemptResult struct {
	res swarm.Result
	err error
}

// attempt runs one traced strategy execution detached from ctx cancellation
// and bounded by TaskTimeout.
func (w *Worker) attempt(ctx context.Context, target swarm.Target, tracker *tracker) (swarm.Result, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TaskTimeout)
	defer cancel()
	attemptCtx, span := w.cfg.Tracer.Start(attemptCtx, "swarm.attempt", trace.WithAttributes(
		attribute.String("swarm.worker_id", w.id),
		attribute.String("swarm.target_id", target.ID.String()),
		attribute.String("swarm.target_type", string(target.Type)),
		attribute.Int("swarm.attempt", target.Attempts),
	))
	res, err := w.execute(attemptCtx, target, tracker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(swarm.Classify(err)))
	} else {
		span.SetAttributes(attribute.Int("swarm.items_found", res.ItemsFound))
	}
	span.End()
	return res, err
}

// execute runs the strategy on its own goroutine. A strategy that ignores its
// deadline is abandoned.
func (w *Worker) execute(attemptCtx context.Context, target swarm.Target, tracker *tracker) (swarm.Result, error) {
	report := tracker.begin()
	defer tracker.end()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: &swarm.CrashError{
					WorkerID: w.id,
					Cause:    fmt.Errorf("strategy panic: %v", r),
				}}
			}
		}()
		res, err := w.strategy.Execute(attemptCtx, target, report)
		done <- attemptResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && swarm.Classify(r.err) == swarm.KindFatalStrategy {
			return swarm.Result{}, swarm.Timeout(fmt.Errorf("target %s: %w", target.ID, r.err))
		}
		if r.err != nil {
			return swarm.Result{}, fmt.Errorf("execute target %s: %w", target.ID, r.err)
		}
		return r.res, nil
	case <-attemptCtx.Done():
		return swarm.Result{}, swarm.Timeout(fmt.Errorf("target %s exceeded %s", target.ID, w.cfg.TaskTimeout))
	}
}

func (w *Worker) crash(cause error) error {
	crash := &swarm.CrashError{WorkerID: w.id, Cause: cause}
	if w.current != nil {
		held := *w.current
		crash.Target = &held
	}
	w.logger.Error("worker crashed", zap.Error(cause))
	w.state.Status = swarm.WorkerError
	w.publish()
	return crash
}

func (w *Worker) stopped() {
	w.logger.Debug("worker stopped", zap.Int64("tasks_done", w.state.TasksDone))
	w.emit(progress.Event{Type: progress.EventWorkerStopped, WorkerID: w.id})
}

func (w *Worker) publish() {
	if w.report != nil {
		w.report(w.state.Clone())
	}
}

func (w *Worker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.events.Emit(evt)
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
}

type nopRecorder struct{}

func (nopRecorder) Record(swarm.CrawlOutcome) {}
func (nopRecorder) RecordCrash()              {}
func (nopRecorder) RecordRequeue()            {}
