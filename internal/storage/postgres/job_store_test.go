package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

var jobColumnNames = []string{
	"id", "target", "priority", "status", "attempt_count", "max_attempts",
	"created_at", "updated_at", "next_eligible_at", "options", "result",
	"error", "idempotency_key", "batch_id",
}

func jobRow(id string, status crawl.Status, attempts int) *pgxmock.Rows {
	now := time.Unix(1700000000, 0).UTC()
	return pgxmock.NewRows(jobColumnNames).AddRow(
		id,
		"https://example.com",
		"normal",
		string(status),
		attempts,
		3,
		now,
		now,
		now,
		[]byte(`{"mode":"scrape","max_depth":0,"max_pages":0,"render_js":false}`),
		nil,
		nil,
		nil,
		nil,
	)
}

func TestJobStore_CreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := crawl.Job{
		ID:             "job-1",
		Target:         "https://example.com",
		Priority:       crawl.PriorityNormal,
		Status:         crawl.StatusQueued,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextEligibleAt: now,
		Options:        crawl.Options{Mode: crawl.ModeScrape},
		IdempotencyKey: "key-1",
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID,
			job.Target,
			"normal",
			"queued",
			0,
			3,
			now,
			now,
			now,
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ConditionalUpdateTransitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs(
			"job-1",
			"queued",
			"claimed",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnRows(jobRow("job-1", crawl.StatusClaimed, 0))

	job, err := store.ConditionalUpdate(
		context.Background(), "job-1",
		crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{},
	)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusClaimed, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ConditionalUpdateStatusConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	// The CAS matches no row, and the follow-up read shows the job exists
	// in another status.
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs(
			"job-1",
			"queued",
			"claimed",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows(jobColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", crawl.StatusCancelled, 0))

	_, err = store.ConditionalUpdate(
		context.Background(), "job-1",
		crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{},
	)
	require.ErrorIs(t, err, crawl.ErrStatusConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ConditionalUpdateRejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	// Terminal states never transition; no SQL should run.
	_, err = store.ConditionalUpdate(
		context.Background(), "job-1",
		crawl.StatusCompleted, crawl.StatusQueued, crawl.Patch{},
	)
	require.ErrorIs(t, err, crawl.ErrStatusConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_GetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobColumnNames))

	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrJobNotFound)
}

func TestJobStore_FindByIdempotencyKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("key-1").
		WillReturnRows(jobRow("job-9", crawl.StatusRunning, 1))

	job, err := store.FindByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, "job-9", job.ID)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("absent").
		WillReturnRows(pgxmock.NewRows(jobColumnNames))
	_, err = store.FindByIdempotencyKey(context.Background(), "absent")
	require.ErrorIs(t, err, crawl.ErrJobNotFound)
}

func TestJobStore_ListByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	rows := pgxmock.NewRows(jobColumnNames)
	now := time.Unix(1700000000, 0).UTC()
	for _, id := range []string{"a", "b"} {
		rows.AddRow(id, "https://example.com", "normal", "queued", 0, 3,
			now, now, now, []byte(`{}`), nil, nil, nil, nil)
	}
	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("queued", 10).
		WillReturnRows(rows)

	jobs, err := store.ListByStatus(context.Background(), crawl.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].ID)
}
