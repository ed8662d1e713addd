// Package aggregator folds crawl outcomes into swarm statistics. A single
// goroutine owns the statistics; everything else talks to it by message.
package aggregator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const (
	defaultRecentLimit = 256
	defaultInbox       = 1024
)

// Config tunes the aggregator.
type Config struct {
	// RecentLimit bounds the ring buffer of recent outcomes (default 256).
	RecentLimit int
	// Inbox sizes the message channel (default 1024).
	Inbox  int
	Logger *zap.Logger
}

type msgKind int

const (
	msgOutcome msgKind = iota
	msgSubmitted
	msgCrash
	msgRequeue
)

type message struct {
	kind    msgKind
	outcome swarm.CrawlOutcome
	n       int
}

type snapshotReq struct {
	reply chan swarm.Stats
}

type recentReq struct {
	limit int
	reply chan []swarm.CrawlOutcome
}

// Aggregator is the single writer of swarm statistics.
type Aggregator struct {
	inbox    chan message
	snapReqs chan snapshotReq
	recReqs  chan recentReq
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *zap.Logger

	closeOnce sync.Once
	// final holds the last stats and outcomes once the actor exits.
	final       swarm.Stats
	finalRecent []swarm.CrawlOutcome
}

// New starts the aggregator goroutine.
func New(cfg Config) *Aggregator {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.Inbox <= 0 {
		cfg.Inbox = defaultInbox
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		inbox:    make(chan message, cfg.Inbox),
		snapReqs: make(chan snapshotReq),
		recReqs:  make(chan recentReq),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
	st := &state{recent: newRing(cfg.RecentLimit)}
	go a.run(st)
	return a
}

// Record folds a terminal outcome into the statistics.
func (a *Aggregator) Record(outcome swarm.CrawlOutcome) {
	a.send(message{kind: msgOutcome, outcome: outcome})
}

// Submitted counts n newly accepted targets.
func (a *Aggregator) Submitted(n int) {
	if n <= 0 {
		return
	}
	a.send(message{kind: msgSubmitted, n: n})
}

// RecordCrash counts a worker crash.
func (a *Aggregator) RecordCrash() {
	a.send(message{kind: msgCrash})
}

// RecordRequeue counts a target returned to the queue after a crash.
func (a *Aggregator) RecordRequeue() {
	a.send(message{kind: msgRequeue})
}

func (a *Aggregator) send(m message) {
	select {
	case <-a.doneCh:
		a.discard(m)
		return
	default:
	}
	select {
	case a.inbox <- m:
	case <-a.doneCh:
		a.discard(m)
	}
}

func (a *Aggregator) discard(m message) {
	a.logger.Warn("aggregator closed, message discarded", zap.Int("kind", int(m.kind)))
}

// Snapshot returns a point-in-time copy of the statistics. After Close it
// returns the final statistics.
func (a *Aggregator) Snapshot() swarm.Stats {
	req := snapshotReq{reply: make(chan swarm.Stats, 1)}
	select {
	case a.snapReqs <- req:
		return <-req.reply
	case <-a.doneCh:
		return a.final.Clone()
	}
}

// Recent returns up to limit of the newest outcomes, oldest first. A limit
// <= 0 returns everything retained.
func (a *Aggregator) Recent(limit int) []swarm.CrawlOutcome {
	req := recentReq{limit: limit, reply: make(chan []swarm.CrawlOutcome, 1)}
	select {
	case a.recReqs <- req:
		return <-req.reply
	case <-a.doneCh:
		return tail(a.finalRecent, limit)
	}
}

// Close processes every queued message and stops the goroutine. Safe to call
// more than once.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// Done is closed once the aggregator has stopped.
func (a *Aggregator) Done() <-chan struct{} {
	return a.doneCh
}

func (a *Aggregator) run(st *state) {
	defer close(a.doneCh)
	for {
		select {
		case m := <-a.inbox:
			st.apply(m)
		case req := <-a.snapReqs:
			a.drain(st)
			req.reply <- st.stats.Clone()
		case req := <-a.recReqs:
			a.drain(st)
			req.reply <- tail(st.recent.items(), req.limit)
		case <-a.stopCh:
			a.drain(st)
			a.final = st.stats.Clone()
			a.finalRecent = st.recent.items()
			return
		}
	}
}

// drain applies queued messages so readers observe every write that
// happened before their request.
func (a *Aggregator) drain(st *state) {
	for {
		select {
		case m := <-a.inbox:
			st.apply(m)
		default:
			return
		}
	}
}

type state struct {
	stats  swarm.Stats
	recent *ring
	// durations counts outcomes folded into AvgResponseMs.
	durations int64
}

func (s *state) apply(m message) {
	switch m.kind {
	case msgSubmitted:
		s.stats.TotalTargets += int64(m.n)
	case msgCrash:
		s.stats.WorkerCrashes++
	case msgRequeue:
		s.stats.Requeued++
	case msgOutcome:
		s.applyOutcome(m.outcome)
	}
}

func (s *state) applyOutcome(o swarm.CrawlOutcome) {
	if o.Success {
		s.stats.CompletedTargets++
		o.Target.Status = swarm.TargetCompleted
	} else {
		s.stats.FailedTargets++
		o.Target.Status = swarm.TargetFailed
		kind := swarm.KindFatalStrategy
		if o.Error != nil && o.Error.Kind != "" {
			kind = o.Error.Kind
		}
		if s.stats.FailuresByKind == nil {
			s.stats.FailuresByKind = make(map[swarm.ErrorKind]int64)
		}
		s.stats.FailuresByKind[kind]++
	}
	if o.ItemsFound > 0 {
		s.stats.ItemsFound += int64(o.ItemsFound)
	}
	if o.DeployedCount > 0 {
		s.stats.Deployments += int64(o.DeployedCount)
	}
	if o.Attempts > 1 {
		s.stats.Retries += int64(o.Attempts - 1)
	}
	duration := o.DurationMs
	if duration < 0 {
		duration = 0
	}
	s.durations++
	s.stats.AvgResponseMs += (float64(duration) - s.stats.AvgResponseMs) / float64(s.durations)
	s.recent.push(o)
}

func tail(items []swarm.CrawlOutcome, limit int) []swarm.CrawlOutcome {
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]swarm.CrawlOutcome(nil), items...)
}
