package worker

import (
	"sync"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// tracker turns raw strategy reports into monotonic checkpoint events for a
// single target. Reports from an abandoned attempt are ignored.
type tracker struct {
	w           *Worker
	target      swarm.TargetID
	checkpoints []int

	mu      sync.Mutex
	gen     int
	live    bool
	percent int
	items   int
	next    int
	done    bool
}

func newTracker(w *Worker, target swarm.TargetID, checkpoints []int) *tracker {
	return &tracker{w: w, target: target, checkpoints: checkpoints}
}

// begin opens a new attempt and returns its report callback.
func (t *tracker) begin() swarm.ProgressFunc {
	t.mu.Lock()
	t.gen++
	t.live = true
	gen := t.gen
	t.mu.Unlock()
	return func(percent, itemsFound int) {
		t.observe(gen, percent, itemsFound)
	}
}

// end fences off the current attempt.
func (t *tracker) end() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

func (t *tracker) observe(gen, percent, itemsFound int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live || gen != t.gen {
		return
	}
	percent = min(max(percent, 0), 100)
	t.percent = max(t.percent, percent)
	t.items = max(t.items, itemsFound)
	for t.next < len(t.checkpoints) && t.percent >= t.checkpoints[t.next] {
		t.emitLocked(t.checkpoints[t.next])
		t.next++
	}
}

// complete reports 100% once the target succeeded, if not already reported.
// items is the final count from the strategy result.
func (t *tracker) complete(items int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.gen++
	t.percent = 100
	t.items = items
	t.next = len(t.checkpoints)
	if !t.done {
		t.emitLocked(100)
	}
}

// close discards any further reports without emitting.
func (t *tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.gen++
}

func (t *tracker) emitLocked(percent int) {
	if percent == 100 {
		t.done = true
	}
	t.w.emit(progress.Event{
		Type:       progress.EventProgress,
		WorkerID:   t.w.id,
		TargetID:   t.target,
		Percent:    percent,
		ItemsFound: t.items,
	})
}
