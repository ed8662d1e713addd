package swarm

import (
	"context"
	"time"
)

// ProgressFunc receives incremental progress from a Strategy. percent is in
// [0,100]; itemsFound is a running estimate.
type ProgressFunc func(percent int, itemsFound int)

// Strategy executes the crawl for a single target. Implementations must honor
// ctx deadlines and should wrap failures with Timeout/Transient/Fatal.
type Strategy interface {
	Execute(ctx context.Context, target Target, report ProgressFunc) (Result, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, target Target, report ProgressFunc) (Result, error)

// Execute calls f.
func (f StrategyFunc) Execute(ctx context.Context, target Target, report ProgressFunc) (Result, error) {
	return f(ctx, target, report)
}

// Queue provides priority enqueue/dequeue semantics for targets.
type Queue interface {
	Enqueue(target Target) error
	Dequeue(ctx context.Context) (Target, error)
	Requeue(target Target)
	Len() int
}

// Recorder consumes terminal outcomes.
type Recorder interface {
	Record(outcome CrawlOutcome)
	RecordCrash()
	RecordRequeue()
}

// Pacer throttles executions, e.g. per host.
type Pacer interface {
	Wait(ctx context.Context, target Target) error
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(kind ErrorKind, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces target IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
