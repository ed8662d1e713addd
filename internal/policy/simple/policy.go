// Package simple contains permissive policy implementations.
package simple

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Pacer never delays a target; it only observes cancellation.
type Pacer struct{}

// New creates a new Pacer.
func New() *Pacer {
	return &Pacer{}
}

// Wait returns immediately unless ctx is already done.
func (Pacer) Wait(ctx context.Context, _ swarm.Target) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	return nil
}
