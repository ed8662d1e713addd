package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
)

// PrometheusSink exports swarm activity via Prometheus. It owns collectors for
// target outcomes, retries, and worker lifecycle.
type PrometheusSink struct {
	events         *prometheus.CounterVec
	targetsDone    *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec
	targetAttempts prometheus.Histogram
	itemsFound     prometheus.Counter
	retries        *prometheus.CounterVec
	requeues       prometheus.Counter
	workerCrashes  prometheus.Counter
	workersRunning prometheus.Gauge

	tracker *workerTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_events_total",
			Help: "Progress events consumed partitioned by type.",
		}, []string{"type"}),
		targetsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_targets_finished_total",
			Help: "Targets with a terminal outcome partitioned by result and error kind.",
		}, []string{"result", "error_kind"}),
		targetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarm_target_duration_seconds",
			Help:    "Wall time per finished target including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		targetAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_target_attempts",
			Help:    "Attempts used per finished target.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		itemsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_items_found_total",
			Help: "Items discovered by completed targets.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_retries_total",
			Help: "Retried attempts partitioned by error kind.",
		}, []string{"error_kind"}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_targets_requeued_total",
			Help: "Targets returned to the queue after a worker crash.",
		}),
		workerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_worker_crashes_total",
			Help: "Workers that terminated abnormally.",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_workers_running",
			Help: "Workers started and not yet stopped or crashed.",
		}),
		tracker: newWorkerTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.targetsDone,
		s.targetDuration,
		s.targetAttempts,
		s.itemsFound,
		s.retries,
		s.requeues,
		s.workerCrashes,
		s.workersRunning,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Type)).Inc()
	switch evt.Type {
	case progress.EventTaskComplete, progress.EventTaskFailed:
		s.handleOutcome(evt)
	case progress.EventTaskRetry:
		s.retries.WithLabelValues(string(evt.ErrorKind)).Inc()
	case progress.EventTargetRequeued:
		s.requeues.Inc()
	case progress.EventWorkerStarted:
		if s.tracker.start(evt.WorkerID) {
			s.workersRunning.Inc()
		}
	case progress.EventWorkerStopped:
		if s.tracker.stop(evt.WorkerID) {
			s.workersRunning.Dec()
		}
	case progress.EventWorkerCrashed:
		s.workerCrashes.Inc()
		if s.tracker.stop(evt.WorkerID) {
			s.workersRunning.Dec()
		}
	}
}

func (s *PrometheusSink) handleOutcome(evt progress.Event) {
	result := "success"
	kind := ""
	if evt.Type == progress.EventTaskFailed {
		result = "failure"
		kind = string(evt.ErrorKind)
	}
	s.targetsDone.WithLabelValues(result, kind).Inc()
	if evt.Outcome == nil {
		return
	}
	s.targetAttempts.Observe(float64(evt.Outcome.Attempts))
	if evt.Outcome.DurationMs > 0 {
		s.targetDuration.WithLabelValues(result).Observe(float64(evt.Outcome.DurationMs) / 1000)
	}
	if evt.Outcome.ItemsFound > 0 {
		s.itemsFound.Add(float64(evt.Outcome.ItemsFound))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type workerTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newWorkerTracker() *workerTracker {
	return &workerTracker{running: make(map[string]struct{})}
}

func (t *workerTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *workerTracker) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
