package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-swarm/internal/store"
)

func sampleRecord(now time.Time) store.OutcomeRecord {
	return store.OutcomeRecord{
		TargetID:    "7",
		URL:         "https://example.com",
		TargetType:  "surface",
		Priority:    2,
		Depth:       1,
		WorkerID:    "worker-1",
		Success:     true,
		ItemsFound:  12,
		Attempts:    1,
		DurationMs:  340,
		CompletedAt: now,
	}
}

func recordArgs(rec store.OutcomeRecord) []any {
	return []any{
		rec.TargetID,
		rec.URL,
		rec.TargetType,
		rec.Priority,
		rec.Depth,
		rec.WorkerID,
		rec.Success,
		rec.ItemsFound,
		rec.DeployedCount,
		rec.Attempts,
		rec.DurationMs,
		rec.ErrorKind,
		rec.ErrorMessage,
		rec.CompletedAt,
	}
}

func TestSaveOutcomesInsertsRowsInTx(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewOutcomeStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	first := sampleRecord(now)
	second := sampleRecord(now)
	second.TargetID = "8"
	second.Success = false
	second.ErrorKind = "timeout"
	second.ErrorMessage = "deadline"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_outcomes").
		WithArgs(recordArgs(first)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_outcomes").
		WithArgs(recordArgs(second)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveOutcomes(context.Background(), []store.OutcomeRecord{first, second}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutcomesRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewOutcomeStoreWithPool(mock, "outcomes")
	require.NoError(t, err)

	rec := sampleRecord(time.Unix(1700000000, 0).UTC())
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outcomes").
		WithArgs(recordArgs(rec)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.SaveOutcomes(context.Background(), []store.OutcomeRecord{rec})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutcomesEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewOutcomeStoreWithPool(mock, "")
	require.NoError(t, err)
	require.NoError(t, s.SaveOutcomes(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentOutcomesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewOutcomeStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"target_id", "url", "target_type", "priority", "depth", "worker_id", "success",
		"items_found", "deployed_count", "attempts", "duration_ms", "error_kind", "error_message", "completed_at",
	}).AddRow("7", "https://example.com", "surface", 2, 1, "worker-1", true, 12, 0, 1, int64(340), "", "", now)

	mock.ExpectQuery("SELECT target_id").WithArgs(5).WillReturnRows(rows)

	out, err := s.RecentOutcomes(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, sampleRecord(now), out[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewOutcomeStoreWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_outcomes").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewOutcomeStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewOutcomeStoreWithPool(mock, "bad-name;")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewOutcomeStore(context.Background(), Config{})
	require.Error(t, err)
}
