package store

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// OutcomeRecord is the flattened, storage-friendly form of a CrawlOutcome.
type OutcomeRecord struct {
	TargetID      string    `json:"target_id"`
	URL           string    `json:"url"`
	TargetType    string    `json:"target_type"`
	Priority      int       `json:"priority"`
	Depth         int       `json:"depth"`
	WorkerID      string    `json:"worker_id"`
	Success       bool      `json:"success"`
	ItemsFound    int       `json:"items_found"`
	DeployedCount int       `json:"deployed_count"`
	Attempts      int       `json:"attempts"`
	DurationMs    int64     `json:"duration_ms"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RecordFromOutcome flattens an outcome.
func RecordFromOutcome(o swarm.CrawlOutcome) OutcomeRecord {
	rec := OutcomeRecord{
		TargetID:      o.Target.ID.String(),
		URL:           o.Target.URL,
		TargetType:    string(o.Target.Type),
		Priority:      o.Target.Priority,
		Depth:         o.Target.Depth,
		WorkerID:      o.WorkerID,
		Success:       o.Success,
		ItemsFound:    o.ItemsFound,
		DeployedCount: o.DeployedCount,
		Attempts:      o.Attempts,
		DurationMs:    o.DurationMs,
		CompletedAt:   o.CompletedAt.UTC(),
	}
	if o.Error != nil {
		rec.ErrorKind = string(o.Error.Kind)
		rec.ErrorMessage = o.Error.Message
	}
	return rec
}

// OutcomeRepository persists terminal outcomes.
type OutcomeRepository interface {
	// SaveOutcomes appends records; an empty slice is a no-op.
	SaveOutcomes(ctx context.Context, records []OutcomeRecord) error
	// Close releases underlying connections.
	Close() error
}

// OutcomeReader is implemented by repositories that can list what they hold.
type OutcomeReader interface {
	// RecentOutcomes returns up to limit records, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error)
}
