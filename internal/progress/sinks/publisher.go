package sinks

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// DefaultPublishedTypes skips high-volume progress events.
var DefaultPublishedTypes = []progress.EventType{
	progress.EventTaskComplete,
	progress.EventTaskFailed,
	progress.EventWorkerCrashed,
	progress.EventTargetRequeued,
	progress.EventSwarmState,
}

// PublisherSink forwards events to a swarm.Publisher such as Pub/Sub.
type PublisherSink struct {
	pub    swarm.Publisher
	topic  string
	types  map[progress.EventType]struct{}
	logger *zap.Logger
}

// NewPublisherSink publishes events of the given types to topic. Nil types
// selects DefaultPublishedTypes.
func NewPublisherSink(pub swarm.Publisher, topic string, types []progress.EventType, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if types == nil {
		types = DefaultPublishedTypes
	}
	set := make(map[progress.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &PublisherSink{pub: pub, topic: topic, types: set, logger: logger.Named("publisher")}
}

// Consume publishes every selected event. A failed publish does not stop the
// rest of the batch; all failures are returned combined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs error
	published := 0
	for _, evt := range batch {
		if _, ok := s.types[evt.Type]; !ok {
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s: %w", evt.Type, err))
			continue
		}
		published++
	}
	if published > 0 {
		s.logger.Debug("published events", zap.Int("count", published))
	}
	return errs
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
