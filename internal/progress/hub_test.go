package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// TestHubBatchBySize verifies a sink is flushed once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("worker-1", 25))
	hub.Emit(sampleEvent("worker-1", 50))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("worker-1", 25))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for range 100 {
		hub.Emit(sampleEvent("worker-1", 25))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(100), hub.Dropped())
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent("worker-1", 100))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
}

func TestHubSlowListenerDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 64})
	slow := hub.Subscribe("slow", 1)
	fast := hub.Subscribe("fast", 64)

	for i := range 10 {
		hub.Emit(sampleEvent("worker-1", i*10))
	}

	var got []int
	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-fast.Events():
				got = append(got, evt.Percent)
			default:
				return len(got) == 10
			}
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, got)
	require.Equal(t, int64(9), slow.Dropped())
	require.Zero(t, fast.Dropped())

	require.NoError(t, hub.Close(context.Background()))
	_, open := <-slow.Events()
	require.True(t, open, "buffered event still readable")
	_, open = <-slow.Events()
	require.False(t, open)
}

func TestHubPreservesPerWorkerOrder(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 1024})
	sub := hub.Subscribe("ordered", 1024)

	var wg sync.WaitGroup
	for _, worker := range []string{"worker-1", "worker-2", "worker-3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pct := 0; pct <= 100; pct++ {
				hub.Emit(sampleEvent(worker, pct))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, hub.Close(context.Background()))

	last := map[string]int{}
	count := 0
	for evt := range sub.Events() {
		prev, seen := last[evt.WorkerID]
		if seen {
			require.Greater(t, evt.Percent, prev)
		}
		last[evt.WorkerID] = evt.Percent
		count++
	}
	require.Equal(t, 303, count)
}

func TestHubUnsubscribe(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()
	sub := hub.Subscribe("ws", 0)
	require.Equal(t, 1, hub.Listeners())

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Zero(t, hub.Listeners())
	_, open := <-sub.Events()
	require.False(t, open)

	hub.Emit(sampleEvent("worker-1", 25))
}

func TestHubSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	sub := hub.Subscribe("late", 1)
	_, open := <-sub.Events()
	require.False(t, open)
	hub.Emit(sampleEvent("worker-1", 25))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	sub := hub.Subscribe("all", 8)
	hub.Emit(Event{Type: EventProgress})
	hub.Emit(Event{Type: "bogus", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))

	_, open := <-sub.Events()
	require.False(t, open)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	outcome := &swarm.CrawlOutcome{Target: swarm.Target{ID: "1"}}
	valid := []Event{
		{Type: EventProgress, TS: now, WorkerID: "w", TargetID: "1", Percent: 50},
		{Type: EventTaskComplete, TS: now, Outcome: outcome},
		{Type: EventTaskFailed, TS: now, TargetID: "1", ErrorKind: swarm.KindTimeout},
		{Type: EventTaskRetry, TS: now, TargetID: "1", Attempt: 2},
		{Type: EventWorkerCrashed, TS: now, WorkerID: "w"},
		{Type: EventTargetRequeued, TS: now, TargetID: "1"},
		{Type: EventSwarmState, TS: now, State: "running"},
	}
	for _, evt := range valid {
		require.NoError(t, evt.Validate(), evt.Type)
	}

	invalid := []Event{
		{Type: EventProgress, WorkerID: "w", TargetID: "1"},
		{Type: EventProgress, TS: now, WorkerID: "w", TargetID: "1", Percent: 101},
		{Type: EventTaskComplete, TS: now},
		{Type: EventTaskFailed, TS: now, TargetID: "1"},
		{Type: EventWorkerStarted, TS: now},
		{Type: EventSwarmState, TS: now},
		{Type: "nope", TS: now},
	}
	for _, evt := range invalid {
		require.Error(t, evt.Validate(), evt.Type)
	}

	require.True(t, Event{Type: EventTaskFailed, Outcome: outcome}.Terminal())
	require.False(t, Event{Type: EventProgress}.Terminal())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(workerID string, percent int) Event {
	return Event{
		Type:     EventProgress,
		TS:       time.Now(),
		WorkerID: workerID,
		TargetID: "target-1",
		Percent:  percent,
	}
}
