// Package memory keeps archived outcomes in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-swarm/internal/store"
)

// OutcomeStore stores records in insertion order.
type OutcomeStore struct {
	mu      sync.RWMutex
	records []store.OutcomeRecord
}

// NewOutcomeStore creates an empty store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{}
}

// SaveOutcomes appends records.
func (s *OutcomeStore) SaveOutcomes(ctx context.Context, records []store.OutcomeRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save outcomes: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// RecentOutcomes returns up to limit records, newest first.
func (s *OutcomeStore) RecentOutcomes(_ context.Context, limit int) ([]store.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]store.OutcomeRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *OutcomeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements store.OutcomeRepository.
func (s *OutcomeStore) Close() error {
	return nil
}
