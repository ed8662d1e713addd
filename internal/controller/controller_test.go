package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-swarm/internal/dispatcher"
	"github.com/JakeFAU/crawl-swarm/internal/policy/retry"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
	"github.com/JakeFAU/crawl-swarm/internal/worker"
)

func target(id string, priority int) swarm.Target {
	return swarm.Target{
		ID:       swarm.TargetID(id),
		URL:      "http://" + id + ".example",
		Type:     swarm.TargetSurface,
		Priority: priority,
		Depth:    1,
	}
}

func quickRetry() swarm.RetryPolicy {
	return retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func newController(t *testing.T, size int, strategy swarm.Strategy, events progress.Emitter) *Controller {
	t.Helper()
	c, err := New(Config{
		PoolSize: size,
		Pool:     dispatcher.Config{Worker: worker.Config{TaskTimeout: 200 * time.Millisecond}},
	}, Deps{Strategy: strategy, Retry: quickRetry(), Events: events}, nil)
	require.NoError(t, err)
	return c
}

func okStrategy(items int) swarm.Strategy {
	return swarm.StrategyFunc(func(_ context.Context, _ swarm.Target, report swarm.ProgressFunc) (swarm.Result, error) {
		report(50, items/2)
		return swarm.Result{ItemsFound: items}, nil
	})
}

func TestControllerStartRunsToCompletion(t *testing.T) {
	t.Parallel()

	c := newController(t, 2, okStrategy(4), nil)
	ctx := context.Background()

	status, added, err := c.Start(ctx, []swarm.Target{target("1", 1), target("2", 5), target("3", 5)})
	require.NoError(t, err)
	require.Equal(t, StateRunning, status.State)
	require.Len(t, added.Accepted, 3)
	require.Empty(t, added.Rejected)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(waitCtx))

	status = c.Status()
	require.Equal(t, int64(3), status.Stats.TotalTargets)
	require.Equal(t, int64(3), status.Stats.CompletedTargets)
	require.Equal(t, int64(12), status.Stats.ItemsFound)
	require.Equal(t, 2, status.Stats.ActiveWorkers)
	require.Len(t, status.Workers, 2)

	require.NoError(t, c.Stop(waitCtx))
	require.Equal(t, StateStopped, c.State())
	require.Len(t, c.Recent(10), 3)
}

func TestControllerStartWhileRunningIsNoop(t *testing.T) {
	t.Parallel()

	c := newController(t, 1, okStrategy(1), nil)
	_, _, err := c.Start(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = c.Stop(context.Background()) }()

	status, added, err := c.Start(context.Background(), []swarm.Target{target("x", 1)})
	require.NoError(t, err)
	require.Equal(t, StateRunning, status.State)
	require.Empty(t, added.Accepted)
	require.Equal(t, int64(0), c.Status().Stats.TotalTargets)
}

func TestControllerAddTargetsIsAdditive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	strategy := swarm.StrategyFunc(func(ctx context.Context, _ swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return swarm.Result{ItemsFound: 1}, nil
	})
	c := newController(t, 1, strategy, nil)

	_, err := c.AddTargets(context.Background(), []swarm.Target{target("a", 1)})
	require.ErrorIs(t, err, ErrNotRunning)

	_, _, err = c.Start(context.Background(), []swarm.Target{target("a", 1)})
	require.NoError(t, err)

	added, err := c.AddTargets(context.Background(), []swarm.Target{
		target("b", 1),
		target("a", 1),
		{URL: "http://anon.example", Type: swarm.TargetAPI},
		{ID: "bad", URL: "http://bad.example", Type: "carrier-pigeon"},
	})
	require.NoError(t, err)
	require.Len(t, added.Accepted, 2)
	require.Equal(t, swarm.TargetID("b"), added.Accepted[0])
	require.NotEmpty(t, added.Accepted[1])
	require.Len(t, added.Rejected, 2)
	require.Equal(t, 1, added.Rejected[0].Index)
	require.Equal(t, "duplicate target id", added.Rejected[0].Reason)
	require.Equal(t, 3, added.Rejected[1].Index)

	require.Equal(t, int64(3), c.Status().Stats.TotalTargets)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
	require.Equal(t, int64(3), c.Status().Stats.CompletedTargets)
	require.NoError(t, c.Stop(ctx))
}

func TestControllerGracefulStopFinishesInFlight(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	release := make(chan struct{})
	strategy := swarm.StrategyFunc(func(_ context.Context, _ swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		running.Add(1)
		<-release
		return swarm.Result{ItemsFound: 2}, nil
	})
	c, err := New(Config{
		PoolSize: 2,
		Pool:     dispatcher.Config{Worker: worker.Config{TaskTimeout: 5 * time.Second}},
	}, Deps{Strategy: strategy, Retry: quickRetry()}, nil)
	require.NoError(t, err)

	_, _, err = c.Start(context.Background(), []swarm.Target{target("1", 1), target("2", 1), target("3", 1)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)

	done := c.BeginStop()
	require.Equal(t, StateStopping, c.State())

	_, _, err = c.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrStopping)

	select {
	case <-done:
		t.Fatal("stop finished before in-flight targets")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	status := c.Status()
	require.Equal(t, StateStopped, status.State)
	require.Equal(t, int64(2), status.Stats.CompletedTargets)
	require.Equal(t, 1, status.Stats.QueueDepth)
	require.Equal(t, 0, status.Stats.ActiveWorkers)
}

func TestControllerCarryoverRunsOnNextStart(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []swarm.TargetID
	block := make(chan struct{})
	strategy := swarm.StrategyFunc(func(_ context.Context, tgt swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		mu.Lock()
		seen = append(seen, tgt.ID)
		first := len(seen) == 1
		mu.Unlock()
		if first {
			<-block
		}
		return swarm.Result{}, nil
	})
	c := newController(t, 1, strategy, nil)
	_, _, err := c.Start(context.Background(), []swarm.Target{target("first", 9), target("left", 1)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().Stats.BusyWorkers == 1 }, time.Second, 5*time.Millisecond)

	done := c.BeginStop()
	close(block)
	<-done
	require.Equal(t, 1, c.Status().Stats.QueueDepth)

	_, added, err := c.Start(context.Background(), []swarm.Target{target("left", 1)})
	require.NoError(t, err)
	require.Len(t, added.Rejected, 1, "carried target keeps its id reserved")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
	require.NoError(t, c.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []swarm.TargetID{"first", "left"}, seen)
}

func TestControllerTimeoutTargetFailsAfterRetries(t *testing.T) {
	t.Parallel()

	strategy := swarm.StrategyFunc(func(_ context.Context, tgt swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		if tgt.ID == "4" {
			return swarm.Result{}, swarm.Timeout(errors.New("deadline"))
		}
		return swarm.Result{ItemsFound: 1}, nil
	})
	c := newController(t, 2, strategy, nil)
	_, _, err := c.Start(context.Background(), []swarm.Target{target("4", 1), target("5", 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))

	stats := c.Status().Stats
	require.Equal(t, int64(1), stats.CompletedTargets)
	require.Equal(t, int64(1), stats.FailedTargets)
	require.Equal(t, int64(1), stats.FailuresByKind[swarm.KindTimeout])
	require.Equal(t, int64(2), stats.Retries)
	require.NoError(t, c.Stop(ctx))
}

func TestControllerCrashedWorkerIsReplaced(t *testing.T) {
	t.Parallel()

	var crashed atomic.Bool
	strategy := swarm.StrategyFunc(func(_ context.Context, tgt swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		if tgt.ID == "boom" && crashed.CompareAndSwap(false, true) {
			panic("strategy exploded")
		}
		return swarm.Result{ItemsFound: 1}, nil
	})
	c := newController(t, 2, strategy, nil)
	_, _, err := c.Start(context.Background(), []swarm.Target{target("boom", 1), target("ok", 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))

	stats := c.Status().Stats
	require.Equal(t, int64(2), stats.CompletedTargets)
	require.Equal(t, int64(1), stats.WorkerCrashes)
	require.Equal(t, int64(1), stats.Requeued)
	require.Eventually(t, func() bool { return c.Status().Stats.ActiveWorkers == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(ctx))
}

func TestControllerRecoversTargetWhenPacerPanics(t *testing.T) {
	t.Parallel()

	var panicked atomic.Bool
	pacer := pacerFunc(func(context.Context, swarm.Target) error {
		if panicked.CompareAndSwap(false, true) {
			panic("rate limiter exploded")
		}
		return nil
	})
	c, err := New(Config{
		PoolSize: 1,
		Pool:     dispatcher.Config{Worker: worker.Config{TaskTimeout: 200 * time.Millisecond}},
	}, Deps{Strategy: okStrategy(2), Pacer: pacer, Retry: quickRetry()}, nil)
	require.NoError(t, err)
	_, _, err = c.Start(context.Background(), []swarm.Target{target("paced", 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))

	stats := c.Status().Stats
	require.Equal(t, int64(1), stats.CompletedTargets)
	require.Equal(t, int64(1), stats.WorkerCrashes)
	require.Equal(t, int64(1), stats.Requeued)
	require.Equal(t, int64(2), stats.ItemsFound)
	require.NoError(t, c.Stop(ctx))
}

func TestControllerEmitsSwarmStateEvents(t *testing.T) {
	t.Parallel()

	events := &stateRecorder{}
	c := newController(t, 1, okStrategy(1), events)
	_, _, err := c.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))

	require.Equal(t, []string{"starting", "running", "stopping", "stopped"}, events.States())
}

func TestNewRejectsOversizedPool(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PoolSize: 10, Pool: dispatcher.Config{MaxWorkers: 4}}, Deps{Strategy: okStrategy(1)}, nil)
	require.Error(t, err)

	_, err = New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (s *stateRecorder) Emit(evt progress.Event) {
	if evt.Type != progress.EventSwarmState {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, evt.State)
}

func (s *stateRecorder) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}

type pacerFunc func(ctx context.Context, target swarm.Target) error

func (f pacerFunc) Wait(ctx context.Context, target swarm.Target) error { return f(ctx, target) }
