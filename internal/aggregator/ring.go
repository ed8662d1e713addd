package aggregator

import "github.com/JakeFAU/crawl-swarm/internal/swarm"

// ring keeps the newest outcomes up to a fixed capacity.
type ring struct {
	buf  []swarm.CrawlOutcome
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]swarm.CrawlOutcome, capacity)}
}

func (r *ring) push(o swarm.CrawlOutcome) {
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns a copy, oldest first.
func (r *ring) items() []swarm.CrawlOutcome {
	if !r.full {
		return append([]swarm.CrawlOutcome(nil), r.buf[:r.next]...)
	}
	out := make([]swarm.CrawlOutcome, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
