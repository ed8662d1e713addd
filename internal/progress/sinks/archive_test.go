package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/storage/memory"
	"github.com/JakeFAU/crawl-swarm/internal/store"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// TestArchiveSinkPersistsTerminalOutcomes ensures only outcome-bearing events are archived.
func TestArchiveSinkPersistsTerminalOutcomes(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutcomeStore()
	sink := NewArchiveSink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		{Type: progress.EventProgress, TS: now, WorkerID: "worker-1", TargetID: "1", Percent: 50},
		{Type: progress.EventTaskComplete, TS: now, WorkerID: "worker-1", TargetID: "1", Outcome: &swarm.CrawlOutcome{
			Target: swarm.Target{ID: "1", URL: "http://a.example"}, Success: true, ItemsFound: 3,
		}},
		{Type: progress.EventTaskFailed, TS: now, WorkerID: "worker-1", TargetID: "2", ErrorKind: swarm.KindFatalStrategy, Outcome: &swarm.CrawlOutcome{
			Target: swarm.Target{ID: "2"}, Error: &swarm.ErrorDescriptor{Kind: swarm.KindFatalStrategy, Message: "404"},
		}},
		{Type: progress.EventTaskFailed, TS: now, TargetID: "3", ErrorKind: swarm.KindTimeout},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Consume(context.Background(), batch[:1]))

	got, err := repo.RecentOutcomes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "2", got[0].TargetID)
	require.Equal(t, "fatal-strategy", got[0].ErrorKind)
	require.Equal(t, 3, got[1].ItemsFound)
}

// TestArchiveSinkHandlesErrors surfaces repository failures back to the caller.
func TestArchiveSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewArchiveSink(failingRepo{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Type: progress.EventTaskComplete, TS: time.Now(), Outcome: &swarm.CrawlOutcome{Target: swarm.Target{ID: "1"}}},
	})
	require.ErrorContains(t, err, "archive 1 outcomes")
	require.ErrorContains(t, sink.Close(context.Background()), "close archive")
}

type failingRepo struct{}

func (failingRepo) SaveOutcomes(context.Context, []store.OutcomeRecord) error {
	return errors.New("write failed")
}

func (failingRepo) Close() error { return errors.New("close failed") }
