// Package ratelimit paces target execution with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const defaultMaxHosts = 4096

// Observer receives the delay introduced by a wait, keyed by host.
type Observer func(host string, delay time.Duration)

// Limiter manages per-host rate limits. Hosts beyond MaxHosts evict the least
// recently used bucket.
type Limiter struct {
	limiters     *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int
	observe      Observer
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	MaxHosts     int
	Observer     Observer
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxHosts
	if size <= 0 {
		size = defaultMaxHosts
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("create host cache: %w", err)
	}
	return &Limiter{
		limiters:     cache,
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.Observer,
	}, nil
}

// Wait blocks until a token is available for the target's host.
func (l *Limiter) Wait(ctx context.Context, target swarm.Target) error {
	host := target.Host()
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond && l.observe != nil {
		l.observe(host, delay)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	if limiter, ok := l.limiters.Get(host); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.defaultRate, l.defaultBurst)
	// Another goroutine may have raced us; keep whichever landed first.
	if prev, ok, _ := l.limiters.PeekOrAdd(host, limiter); ok {
		return prev
	}
	return limiter
}

// Hosts reports how many host buckets are tracked.
func (l *Limiter) Hosts() int {
	return l.limiters.Len()
}
