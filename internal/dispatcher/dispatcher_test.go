package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/aggregator"
	"github.com/JakeFAU/crawl-swarm/internal/policy/retry"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/queue/memory"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

func TestPoolDispatchOrderFollowsPriority(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{Queue: memory.NewQueue()}
	require.NoError(t, queue.Enqueue(target("A", 1)))
	require.NoError(t, queue.Enqueue(target("B", 5)))
	require.NoError(t, queue.Enqueue(target("C", 5)))

	agg := aggregator.New(aggregator.Config{})
	pool := newTestPool(t, queue, okStrategy(0), agg, nil, Config{})
	require.NoError(t, pool.Start(context.Background(), 1))

	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
	require.Equal(t, []swarm.TargetID{"B", "C", "A"}, queue.Order())
}

func TestPoolTwoWorkersScenario(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{Queue: memory.NewQueue()}
	require.NoError(t, queue.Enqueue(target("1", 1)))
	require.NoError(t, queue.Enqueue(target("2", 5)))
	require.NoError(t, queue.Enqueue(target("3", 5)))

	agg := aggregator.New(aggregator.Config{})
	pool := newTestPool(t, queue, okStrategy(5*time.Millisecond), agg, nil, Config{})
	require.NoError(t, pool.Start(context.Background(), 2))

	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
	require.Equal(t, []swarm.TargetID{"2", "3", "1"}, queue.Order())
	require.Zero(t, agg.Snapshot().FailedTargets)
}

func TestPoolNeverExceedsSize(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	for i := range 12 {
		require.NoError(t, queue.Enqueue(target(string(swarm.ParseTargetID(i)), 0)))
	}

	var inFlight, peak atomic.Int32
	strategy := swarm.StrategyFunc(func(context.Context, swarm.Target, swarm.ProgressFunc) (swarm.Result, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return swarm.Result{ItemsFound: 1}, nil
	})

	agg := aggregator.New(aggregator.Config{})
	pool := newTestPool(t, queue, strategy, agg, nil, Config{})
	require.NoError(t, pool.Start(context.Background(), 3))
	require.Equal(t, 3, pool.ActiveCount())

	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 12 }, 2*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.LessOrEqual(t, pool.BusyCount(), 3)
	require.NoError(t, pool.Stop(context.Background()))
	require.Zero(t, pool.ActiveCount())
}

func TestPoolCrashRequeuesOnceAndRespawns(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	for _, id := range []string{"1", "crash", "3"} {
		require.NoError(t, queue.Enqueue(target(id, 0)))
	}

	var crashed atomic.Bool
	strategy := swarm.StrategyFunc(func(_ context.Context, tgt swarm.Target, _ swarm.ProgressFunc) (swarm.Result, error) {
		if tgt.ID == "crash" && crashed.CompareAndSwap(false, true) {
			panic("segfault in parser")
		}
		return swarm.Result{ItemsFound: 1}, nil
	})

	agg := aggregator.New(aggregator.Config{})
	events := &fakeEmitter{}
	pool := newTestPool(t, queue, strategy, agg, events, Config{})
	require.NoError(t, pool.Start(context.Background(), 2))

	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pool.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	stats := agg.Snapshot()
	require.Equal(t, int64(1), stats.Requeued)
	require.Equal(t, int64(1), stats.WorkerCrashes)
	require.Equal(t, 1, events.Count(progress.EventWorkerCrashed))
	require.Equal(t, 1, events.Count(progress.EventTargetRequeued))

	var ids []string
	require.Eventually(t, func() bool {
		ids = ids[:0]
		for _, st := range pool.Workers() {
			ids = append(ids, st.ID)
		}
		return len(ids) == 2
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, ids, "worker-3")

	var crashOutcome swarm.CrawlOutcome
	for _, o := range agg.Recent(0) {
		if o.Target.ID == "crash" {
			crashOutcome = o
		}
	}
	require.True(t, crashOutcome.Success)
	require.Equal(t, 1, crashOutcome.Target.Crashes)
	require.Equal(t, 1, crashOutcome.Attempts)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolFailsTargetThatKeepsCrashing(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	require.NoError(t, queue.Enqueue(target("poison", 0)))

	strategy := swarm.StrategyFunc(func(context.Context, swarm.Target, swarm.ProgressFunc) (swarm.Result, error) {
		panic("always")
	})
	agg := aggregator.New(aggregator.Config{})
	events := &fakeEmitter{}
	pool := newTestPool(t, queue, strategy, agg, events, Config{MaxCrashRequeues: 2})
	require.NoError(t, pool.Start(context.Background(), 1))

	require.Eventually(t, func() bool { return agg.Snapshot().FailedTargets == 1 }, time.Second, 5*time.Millisecond)
	stats := agg.Snapshot()
	require.Equal(t, int64(3), stats.WorkerCrashes)
	require.Equal(t, int64(2), stats.Requeued)
	require.Equal(t, int64(1), stats.FailuresByKind[swarm.KindWorkerCrash])
	require.Equal(t, 1, events.Count(progress.EventTaskFailed))
	require.Equal(t, 2, events.Count(progress.EventTargetRequeued))

	failed := agg.Recent(0)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Target.Crashes)
	require.Eventually(t, func() bool { return pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolRequeuesTargetWhenPacingPanics(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	require.NoError(t, queue.Enqueue(target("paced", 0)))

	var panicked atomic.Bool
	pacer := pacerFunc(func(context.Context, swarm.Target) error {
		if panicked.CompareAndSwap(false, true) {
			panic("limiter state corrupted")
		}
		return nil
	})
	agg := aggregator.New(aggregator.Config{})
	t.Cleanup(agg.Close)
	events := &fakeEmitter{}
	pool := New(Config{}, Deps{
		Queue:    queue,
		Strategy: okStrategy(0),
		Pacer:    pacer,
		Retry:    retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		Events:   events,
		Recorder: agg,
	}, zap.NewNop())
	require.NoError(t, pool.Start(context.Background(), 1))

	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 1 }, time.Second, 5*time.Millisecond)
	stats := agg.Snapshot()
	require.Equal(t, int64(1), stats.WorkerCrashes)
	require.Equal(t, int64(1), stats.Requeued)
	require.Zero(t, stats.FailedTargets)
	require.Equal(t, 1, events.Count(progress.EventTargetRequeued))

	recent := agg.Recent(0)
	require.Len(t, recent, 1)
	require.Equal(t, swarm.TargetID("paced"), recent[0].Target.ID)
	require.Equal(t, 1, recent[0].Target.Crashes)
	require.Eventually(t, func() bool { return pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolDoesNotRequeueTargetAlreadyRecorded(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	require.NoError(t, queue.Enqueue(target("once", 0)))

	agg := aggregator.New(aggregator.Config{})
	events := &panickyEmitter{on: progress.EventTaskComplete}
	pool := newTestPool(t, queue, okStrategy(0), agg, events, Config{})
	require.NoError(t, pool.Start(context.Background(), 1))

	require.Eventually(t, func() bool {
		stats := agg.Snapshot()
		return stats.CompletedTargets == 1 && stats.WorkerCrashes == 1
	}, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return agg.Snapshot().CompletedTargets > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	stats := agg.Snapshot()
	require.Zero(t, stats.Requeued)
	require.Zero(t, stats.FailedTargets)
	require.Zero(t, queue.Len())
	require.Zero(t, events.Count(progress.EventTargetRequeued))
	require.Len(t, agg.Recent(0), 1)
	require.Eventually(t, func() bool { return pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolGracefulStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	require.NoError(t, queue.Enqueue(target("1", 0)))
	require.NoError(t, queue.Enqueue(target("2", 0)))
	require.NoError(t, queue.Enqueue(target("3", 0)))

	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	strategy := swarm.StrategyFunc(func(context.Context, swarm.Target, swarm.ProgressFunc) (swarm.Result, error) {
		started.Done()
		<-release
		return swarm.Result{ItemsFound: 1}, nil
	})

	agg := aggregator.New(aggregator.Config{})
	pool := newTestPool(t, queue, strategy, agg, nil, Config{})
	require.NoError(t, pool.Start(context.Background(), 2))
	started.Wait()
	require.Eventually(t, func() bool { return pool.BusyCount() == 2 }, time.Second, 5*time.Millisecond)

	pool.Signal()
	select {
	case <-pool.Done():
		t.Fatal("pool finished before in-flight targets")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	require.NoError(t, pool.Stop(context.Background()))
	require.Equal(t, int64(2), agg.Snapshot().CompletedTargets)
	require.Equal(t, 1, queue.Len())
	require.Nil(t, pool.Workers())
}

func TestPoolStartValidation(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	pool := newTestPool(t, queue, okStrategy(0), nil, nil, Config{MaxWorkers: 4})
	require.Error(t, pool.Start(context.Background(), 0))
	require.Error(t, pool.Start(context.Background(), 5))
	require.NoError(t, pool.Start(context.Background(), 4))
	require.ErrorIs(t, pool.Start(context.Background(), 1), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	queue.Close()
	require.NoError(t, pool.Stop(ctx), "workers exit on queue close")

	idle := New(Config{}, Deps{Queue: queue, Strategy: okStrategy(0)}, nil)
	require.NoError(t, idle.Stop(context.Background()))
	<-idle.Done()
}

func TestPoolSurvivesStartContextCancel(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue()
	agg := aggregator.New(aggregator.Config{})
	pool := newTestPool(t, queue, okStrategy(0), agg, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx, 2))
	cancel()

	require.NoError(t, queue.Enqueue(target("late", 0)))
	require.Eventually(t, func() bool { return agg.Snapshot().CompletedTargets == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, pool.ActiveCount())
	require.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerLess(t *testing.T) {
	t.Parallel()

	require.True(t, workerLess("worker-2", "worker-10"))
	require.False(t, workerLess("worker-10", "worker-2"))
	require.True(t, workerLess("alpha", "beta"))
}

func newTestPool(
	t *testing.T,
	queue swarm.Queue,
	strategy swarm.Strategy,
	agg *aggregator.Aggregator,
	events progress.Emitter,
	cfg Config,
) *Pool {
	t.Helper()
	deps := Deps{
		Queue:    queue,
		Strategy: strategy,
		Retry:    retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		Events:   events,
	}
	if agg != nil {
		deps.Recorder = agg
		t.Cleanup(agg.Close)
	}
	return New(cfg, deps, zap.NewNop())
}

func target(id string, priority int) swarm.Target {
	return swarm.Target{
		ID:       swarm.TargetID(id),
		URL:      "https://example.com/" + id,
		Type:     swarm.TargetSurface,
		Priority: priority,
		Depth:    1,
	}
}

func okStrategy(delay time.Duration) swarm.Strategy {
	return swarm.StrategyFunc(func(context.Context, swarm.Target, swarm.ProgressFunc) (swarm.Result, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return swarm.Result{ItemsFound: 1, DeployedCount: 1}, nil
	})
}

// recordingQueue records dispatch order. Dequeue is serialized so the
// recorded order is the order the queue handed targets out.
type recordingQueue struct {
	*memory.Queue
	serial sync.Mutex
	mu     sync.Mutex
	order  []swarm.TargetID
}

func (q *recordingQueue) Dequeue(ctx context.Context) (swarm.Target, error) {
	q.serial.Lock()
	defer q.serial.Unlock()
	tgt, err := q.Queue.Dequeue(ctx)
	if err == nil {
		q.mu.Lock()
		q.order = append(q.order, tgt.ID)
		q.mu.Unlock()
	}
	return tgt, err
}

func (q *recordingQueue) Order() []swarm.TargetID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]swarm.TargetID(nil), q.order...)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) Count(typ progress.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

type pacerFunc func(ctx context.Context, target swarm.Target) error

func (f pacerFunc) Wait(ctx context.Context, target swarm.Target) error { return f(ctx, target) }

// panickyEmitter panics on the first event of type on and records the rest.
type panickyEmitter struct {
	fakeEmitter
	on    progress.EventType
	fired atomic.Bool
}

func (e *panickyEmitter) Emit(evt progress.Event) {
	if evt.Type == e.on && e.fired.CompareAndSwap(false, true) {
		panic("event sink failed")
	}
	e.fakeEmitter.Emit(evt)
}
