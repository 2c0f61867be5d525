package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawl.Job{
		ID:             "job-1",
		Status:         crawl.StatusQueued,
		IdempotencyKey: "key-1",
		MaxAttempts:    3,
	}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusQueued, got.Status)

	got, err = store.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", got.ID)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrJobNotFound)
}

func TestJobStore_ConditionalUpdateGuardsStatus(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawl.Job{ID: "job-1", Status: crawl.StatusQueued}))

	job, err := store.ConditionalUpdate(ctx, "job-1", crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{})
	require.NoError(t, err)
	require.Equal(t, crawl.StatusClaimed, job.Status)

	// Second claimer loses.
	_, err = store.ConditionalUpdate(ctx, "job-1", crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{})
	require.ErrorIs(t, err, crawl.ErrStatusConflict)

	// Illegal transitions are refused even with the right expected status.
	_, err = store.ConditionalUpdate(ctx, "job-1", crawl.StatusClaimed, crawl.StatusCompleted, crawl.Patch{})
	require.ErrorIs(t, err, crawl.ErrStatusConflict)
}

func TestJobStore_ConditionalUpdateAppliesPatch(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawl.Job{ID: "job-1", Status: crawl.StatusRunning}))

	attempts := 2
	eligible := time.Unix(2000, 0).UTC()
	job, err := store.ConditionalUpdate(ctx, "job-1", crawl.StatusRunning, crawl.StatusRetryWait, crawl.Patch{
		AttemptCount:   &attempts,
		NextEligibleAt: &eligible,
		Error:          &crawl.JobError{Kind: crawl.ErrorKindTransient, Message: "timeout"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, job.AttemptCount)
	require.Equal(t, eligible, job.NextEligibleAt)
	require.Equal(t, crawl.ErrorKindTransient, job.Error.Kind)
}

func TestJobStore_ConcurrentClaimSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawl.Job{ID: "contested", Status: crawl.StatusQueued}))

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConditionalUpdate(ctx, "contested", crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	require.Len(t, wins, 1)
}

func TestJobStore_Batches(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	batch := crawl.Batch{ID: "batch-1", JobIDs: []string{"a", "b"}}

	require.NoError(t, store.CreateBatch(ctx, batch))
	got, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got.JobIDs)

	_, err = store.GetBatch(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrBatchNotFound)
}
