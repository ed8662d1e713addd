package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// EventType names the kind of swarm activity an Event reports.
type EventType string

// Supported event types.
const (
	EventProgress       EventType = "progress"
	EventTaskComplete   EventType = "taskComplete"
	EventTaskFailed     EventType = "taskFailed"
	EventTaskRetry      EventType = "taskRetry"
	EventWorkerStarted  EventType = "workerStarted"
	EventWorkerStopped  EventType = "workerStopped"
	EventWorkerCrashed  EventType = "workerCrashed"
	EventTargetRequeued EventType = "targetRequeued"
	EventSwarmState     EventType = "swarmState"
)

// Event captures a single piece of swarm activity.
type Event struct {
	Type EventType `json:"type"`
	// TS is the UTC timestamp recorded by the emitter.
	TS       time.Time      `json:"ts"`
	WorkerID string         `json:"worker_id,omitempty"`
	TargetID swarm.TargetID `json:"target_id,omitempty"`
	// Percent and ItemsFound are only meaningful for progress events.
	Percent    int `json:"percent,omitempty"`
	ItemsFound int `json:"items_found,omitempty"`
	// Attempt is the 1-based attempt number for retry events.
	Attempt   int                 `json:"attempt,omitempty"`
	ErrorKind swarm.ErrorKind     `json:"error_kind,omitempty"`
	Outcome   *swarm.CrawlOutcome `json:"outcome,omitempty"`
	// State carries the controller state for swarmState events.
	State string `json:"state,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventProgress:
		if e.WorkerID == "" || e.TargetID == "" {
			return errors.New("progress requires worker and target")
		}
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %d out of range", e.Percent)
		}
	case EventTaskComplete:
		if e.Outcome == nil {
			return errors.New("task complete requires outcome")
		}
	case EventTaskFailed:
		if e.TargetID == "" {
			return errors.New("task failed requires target")
		}
		if e.ErrorKind == "" {
			return errors.New("task failed requires error kind")
		}
	case EventTaskRetry, EventTargetRequeued:
		if e.TargetID == "" {
			return fmt.Errorf("%s requires target", e.Type)
		}
	case EventWorkerStarted, EventWorkerStopped, EventWorkerCrashed:
		if e.WorkerID == "" {
			return fmt.Errorf("%s requires worker", e.Type)
		}
	case EventSwarmState:
		if e.State == "" {
			return errors.New("swarm state requires state")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Terminal reports whether the event carries a final crawl outcome.
func (e Event) Terminal() bool {
	return (e.Type == EventTaskComplete || e.Type == EventTaskFailed) && e.Outcome != nil
}
