// Package simulated implements a randomized swarm.Strategy for demos and load
// testing the coordinator without touching the network.
package simulated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Config tunes the simulation.
type Config struct {
	// MinDelay and MaxDelay bound the simulated crawl duration.
	MinDelay time.Duration
	MaxDelay time.Duration
	// FailureRate is the probability in [0,1] of a transient failure.
	FailureRate float64
	// MaxItems caps items found per target (default 50).
	MaxItems int
	// Seed makes runs reproducible when non-zero.
	Seed uint64
}

// Strategy sleeps for a random duration, reporting progress in quarters.
type Strategy struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and builds a Strategy.
func New(cfg Config) (*Strategy, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("invalid delay range [%s, %s]", cfg.MinDelay, cfg.MaxDelay)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate %v outside [0, 1]", cfg.FailureRate)
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Strategy{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed>>1))}, nil
}

type plan struct {
	delay    time.Duration
	items    int
	deployed int
	fail     bool
}

func (s *Strategy) draw(target swarm.Target) plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	delay := s.cfg.MinDelay
	if spread := s.cfg.MaxDelay - s.cfg.MinDelay; spread > 0 {
		delay += time.Duration(s.rng.Int64N(int64(spread)))
	}
	items := s.rng.IntN(s.cfg.MaxItems + 1)
	deployed := 0
	if items > 0 {
		deployed = s.rng.IntN(min(items, max(target.Depth, 1)) + 1)
	}
	return plan{
		delay:    delay,
		items:    items,
		deployed: deployed,
		fail:     s.rng.Float64() < s.cfg.FailureRate,
	}
}

// Execute simulates a crawl of target.
func (s *Strategy) Execute(ctx context.Context, target swarm.Target, report swarm.ProgressFunc) (swarm.Result, error) {
	p := s.draw(target)
	step := p.delay / 4
	for quarter := 1; quarter <= 4; quarter++ {
		if step > 0 {
			timer := time.NewTimer(step)
			select {
			case <-ctx.Done():
				timer.Stop()
				return swarm.Result{}, swarm.Timeout(fmt.Errorf("simulated crawl of %s: %w", target.ID, ctx.Err()))
			case <-timer.C:
			}
		}
		if p.fail && quarter == 2 {
			return swarm.Result{}, swarm.Transient(fmt.Errorf("simulated connection reset for %s", target.URL))
		}
		if report != nil {
			report(quarter*25, p.items*quarter/4)
		}
	}
	return swarm.Result{ItemsFound: p.items, DeployedCount: p.deployed}, nil
}
