package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/store"
)

// ArchiveSink persists terminal outcomes via a store.OutcomeRepository. Each
// batch is written with a single SaveOutcomes call. The sink owns the
// repository and closes it on Close.
type ArchiveSink struct {
	repo   store.OutcomeRepository
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink for the provided repository.
func NewArchiveSink(repo store.OutcomeRepository, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{repo: repo, logger: logger.Named("archive")}
}

// Consume collects outcomes from taskComplete/taskFailed events and forwards
// them to the repository. Repository errors are returned wrapped.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var records []store.OutcomeRecord
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		records = append(records, store.RecordFromOutcome(*evt.Outcome))
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.SaveOutcomes(ctx, records); err != nil {
		return fmt.Errorf("archive %d outcomes: %w", len(records), err)
	}
	s.logger.Debug("archived outcomes", zap.Int("count", len(records)))
	return nil
}

// Close closes the underlying repository.
func (s *ArchiveSink) Close(context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if err := s.repo.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}
