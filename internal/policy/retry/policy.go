// Package retry decides when failed crawl attempts are retried and how long to wait.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Config tunes the exponential policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Exponential implements swarm.RetryPolicy with jittered backoff. Only
// timeout and transient-network failures are retried.
type Exponential struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a policy, falling back to 3 attempts, 250ms base and 5s cap.
func New(cfg Config) *Exponential {
	p := &Exponential{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

// MaxAttempts reports the total attempt budget, first attempt included.
func (p *Exponential) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt may follow attempt number
// attempt (1-based) that failed with kind.
func (p *Exponential) ShouldRetry(kind swarm.ErrorKind, attempt int) bool {
	if !kind.Retryable() {
		return false
	}
	return attempt < p.maxAttempts
}

// Backoff returns the wait before the attempt following attempt: half the
// exponential delay plus up to another half of jitter.
func (p *Exponential) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay/2))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
