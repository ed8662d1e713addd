package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TargetID opaquely identifies a target. JSON numbers are accepted so callers
// can submit {"id": 1} as well as {"id": "1"}.
type TargetID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *TargetID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode target id: %w", err)
		}
		*id = TargetID(s)
		return nil
	}
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode target id: %w", err)
	}
	*id = TargetID(n.String())
	return nil
}

// TargetType is the network a target lives on.
type TargetType string

// Supported target types.
const (
	TargetSurface    TargetType = "surface"
	TargetOverlayTor TargetType = "overlay-tor"
	TargetOverlayI2P TargetType = "overlay-i2p"
	TargetSocial     TargetType = "social"
	TargetAPI        TargetType = "api"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetSurface, TargetOverlayTor, TargetOverlayI2P, TargetSocial, TargetAPI:
		return true
	default:
		return false
	}
}

// TargetStatus represents the lifecycle state of a target.
type TargetStatus string

// Target status values.
const (
	TargetPending   TargetStatus = "pending"
	TargetActive    TargetStatus = "active"
	TargetCompleted TargetStatus = "completed"
	TargetFailed    TargetStatus = "failed"
)

// Target is a unit of crawl work. It is passed by value; only the current
// holder (queue, worker, aggregator) changes its copy.
type Target struct {
	ID       TargetID     `json:"id" yaml:"id"`
	URL      string       `json:"url" yaml:"url"`
	Type     TargetType   `json:"type" yaml:"type"`
	Priority int          `json:"priority" yaml:"priority"`
	Depth    int          `json:"depth" yaml:"depth"`
	Status   TargetStatus `json:"status,omitempty" yaml:"status,omitempty"`
	// Attempts counts strategy executions for the current dispatch.
	Attempts int `json:"attempts,omitempty" yaml:"-"`
	// Crashes counts worker crashes that happened while holding this target.
	Crashes int `json:"crashes,omitempty" yaml:"-"`
	// Seq is the arrival order assigned by the queue.
	Seq uint64 `json:"-" yaml:"-"`
}

// Validate checks the target is well formed. Depth 0 is accepted here and
// normalized to 1 by the controller.
func (t Target) Validate() error {
	if !t.Type.Valid() {
		return Invalid(fmt.Errorf("unknown target type %q", t.Type))
	}
	if strings.TrimSpace(t.URL) == "" {
		return Invalid(errors.New("url is required"))
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return Invalid(fmt.Errorf("parse url: %w", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return Invalid(fmt.Errorf("url %q must include scheme and host", t.URL))
	}
	if t.Depth < 0 {
		return Invalid(fmt.Errorf("depth must be >= 1, got %d", t.Depth))
	}
	if t.Status != "" && t.Status != TargetPending {
		return Invalid(fmt.Errorf("new targets must be pending, got %q", t.Status))
	}
	return nil
}

// Host returns the lowercase host of the target URL or "unknown".
func (t Target) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// WorkerStatus is the coarse state of a worker.
type WorkerStatus string

// Worker status values.
const (
	WorkerIdle   WorkerStatus = "idle"
	WorkerActive WorkerStatus = "active"
	WorkerError  WorkerStatus = "error"
)

// WorkerState is a point-in-time copy of a worker's own bookkeeping.
type WorkerState struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTarget *Target      `json:"current_target,omitempty"`
	ItemsFound    int64        `json:"items_found"`
	SeedsDeployed int64        `json:"seeds_deployed"`
	TasksDone     int64        `json:"tasks_done"`
	StartTime     time.Time    `json:"start_time"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s WorkerState) Clone() WorkerState {
	if s.CurrentTarget != nil {
		t := *s.CurrentTarget
		s.CurrentTarget = &t
	}
	return s
}

// ErrorDescriptor describes why a target failed.
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CrawlOutcome is the terminal record of one target dispatch.
type CrawlOutcome struct {
	Target        Target           `json:"target"`
	WorkerID      string           `json:"worker_id"`
	ItemsFound    int              `json:"items_found"`
	DeployedCount int              `json:"deployed_count"`
	DurationMs    int64            `json:"duration_ms"`
	Attempts      int              `json:"attempts"`
	Success       bool             `json:"success"`
	Error         *ErrorDescriptor `json:"error,omitempty"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// Result is what a Strategy reports for a successful execution.
type Result struct {
	ItemsFound    int
	DeployedCount int
}

// Stats aggregates swarm progress. It is derived state; callers only ever
// receive copies.
type Stats struct {
	TotalTargets     int64               `json:"total_targets"`
	CompletedTargets int64               `json:"completed_targets"`
	FailedTargets    int64               `json:"failed_targets"`
	ActiveWorkers    int                 `json:"active_workers"`
	BusyWorkers      int                 `json:"busy_workers"`
	QueueDepth       int                 `json:"queue_depth"`
	ItemsFound       int64               `json:"items_found"`
	Deployments      int64               `json:"deployments"`
	AvgResponseMs    float64             `json:"avg_response_ms"`
	Retries          int64               `json:"retries"`
	Requeued         int64               `json:"requeued"`
	WorkerCrashes    int64               `json:"worker_crashes"`
	FailuresByKind   map[ErrorKind]int64 `json:"failures_by_kind,omitempty"`
}

// Clone returns a copy that shares no maps with s.
func (s Stats) Clone() Stats {
	if s.FailuresByKind != nil {
		m := make(map[ErrorKind]int64, len(s.FailuresByKind))
		for k, v := range s.FailuresByKind {
			m[k] = v
		}
		s.FailuresByKind = m
	}
	return s
}

// Finished returns the number of targets with a terminal outcome.
func (s Stats) Finished() int64 {
	return s.CompletedTargets + s.FailedTargets
}

// String renders a compact description for logs.
func (id TargetID) String() string {
	return string(id)
}

// ParseTargetID converts an integer into a TargetID.
func ParseTargetID(n int) TargetID {
	return TargetID(strconv.Itoa(n))
}
