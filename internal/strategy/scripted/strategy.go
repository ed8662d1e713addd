// Package scripted provides a deterministic swarm.Strategy whose behavior is
// programmed per target ID. It backs tests and dry runs of the control plane.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Step describes one attempt. An empty Kind means success.
type Step struct {
	Delay    time.Duration
	Percents []int
	Items    int
	Deployed int
	Kind     swarm.ErrorKind
	// Hang blocks until the attempt context ends.
	Hang bool
	// Panic crashes the calling worker.
	Panic bool
}

// Strategy replays scripted steps. The last step of a script repeats for any
// further attempts.
type Strategy struct {
	mu       sync.Mutex
	scripts  map[swarm.TargetID][]Step
	fallback Step
	calls    map[swarm.TargetID]int
	order    []swarm.TargetID
	inFlight int
	peak     int
}

// New returns a Strategy that runs fallback for targets without a script.
func New(fallback Step) *Strategy {
	return &Strategy{
		scripts:  make(map[swarm.TargetID][]Step),
		fallback: fallback,
		calls:    make(map[swarm.TargetID]int),
	}
}

// Script sets the steps for id.
func (s *Strategy) Script(id swarm.TargetID, steps ...Step) *Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = steps
	return s
}

// Execute plays the next step for target.
func (s *Strategy) Execute(ctx context.Context, target swarm.Target, report swarm.ProgressFunc) (swarm.Result, error) {
	step := s.begin(target.ID)
	defer s.end()

	if step.Panic {
		panic(fmt.Sprintf("scripted panic for target %s", target.ID))
	}
	if step.Hang {
		<-ctx.Done()
		return swarm.Result{}, swarm.Timeout(fmt.Errorf("target %s: %w", target.ID, ctx.Err()))
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return swarm.Result{}, swarm.Timeout(fmt.Errorf("target %s: %w", target.ID, ctx.Err()))
		case <-timer.C:
		}
	}
	if report != nil {
		for _, pct := range step.Percents {
			report(pct, step.Items*pct/100)
		}
	}
	if step.Kind != "" {
		return swarm.Result{}, kindError(step.Kind, target.ID)
	}
	return swarm.Result{ItemsFound: step.Items, DeployedCount: step.Deployed}, nil
}

// Calls reports how many attempts id has received.
func (s *Strategy) Calls(id swarm.TargetID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// Order returns target IDs in the order their first attempt started.
func (s *Strategy) Order() []swarm.TargetID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swarm.TargetID(nil), s.order...)
}

// Peak reports the maximum number of concurrent executions observed.
func (s *Strategy) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Strategy) begin(id swarm.TargetID) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.calls[id]
	if attempt == 0 {
		s.order = append(s.order, id)
	}
	s.calls[id] = attempt + 1
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)

	steps, ok := s.scripts[id]
	if !ok || len(steps) == 0 {
		return s.fallback
	}
	return steps[min(attempt, len(steps)-1)]
}

func (s *Strategy) end() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func kindError(kind swarm.ErrorKind, id swarm.TargetID) error {
	err := fmt.Errorf("scripted %s for target %s", kind, id)
	switch kind {
	case swarm.KindTimeout:
		return swarm.Timeout(err)
	case swarm.KindTransientNetwork:
		return swarm.Transient(err)
	case swarm.KindFatalStrategy:
		return swarm.Fatal(err)
	case swarm.KindValidation:
		return swarm.Invalid(err)
	default:
		return swarm.Fatal(errors.Join(err, fmt.Errorf("unknown kind %q", kind)))
	}
}
