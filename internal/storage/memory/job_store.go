package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

// JobStore provides an in-memory JobStore for development and testing.
// It mirrors the conditional-update contract of the Postgres store: every
// status change checks the expected current status under the lock, so two
// workers racing on the same job see exactly one winner.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]crawl.Job
	byKey   map[string]string // idempotency key -> id of latest job
	batches map[string]crawl.Batch
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]crawl.Job),
		byKey:   make(map[string]string),
		batches: make(map[string]crawl.Batch),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return &crawl.StorageError{Op: "create", Err: crawl.ErrStatusConflict}
	}
	s.jobs[job.ID] = job
	if job.IdempotencyKey != "" {
		s.byKey[job.IdempotencyKey] = job.ID
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrJobNotFound
	}
	return job, nil
}

// ConditionalUpdate transitions the job from expected to next, applying the
// patch. It fails with ErrStatusConflict when the stored status differs
// from expected, and rejects transitions the state machine forbids.
func (s *JobStore) ConditionalUpdate(
	_ context.Context,
	jobID string,
	expected, next crawl.Status,
	patch crawl.Patch,
) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrJobNotFound
	}
	if job.Status != expected {
		return crawl.Job{}, crawl.ErrStatusConflict
	}
	if !crawl.CanTransition(expected, next) {
		return crawl.Job{}, crawl.ErrStatusConflict
	}
	job.Status = next
	if patch.AttemptCount != nil {
		job.AttemptCount = *patch.AttemptCount
	}
	if patch.NextEligibleAt != nil {
		job.NextEligibleAt = *patch.NextEligibleAt
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return job, nil
}

// ListByStatus returns up to limit jobs in the given status, ordered by
// priority then creation time, matching the ready-dequeue index shape.
func (s *JobStore) ListByStatus(_ context.Context, status crawl.Status, limit int) ([]crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByIdempotencyKey returns the most recent job created with the key.
func (s *JobStore) FindByIdempotencyKey(_ context.Context, key string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return crawl.Job{}, crawl.ErrJobNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return crawl.Job{}, crawl.ErrJobNotFound
	}
	return job, nil
}

// CreateBatch stores a batch record.
func (s *JobStore) CreateBatch(_ context.Context, batch crawl.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return &crawl.StorageError{Op: "create batch", Err: crawl.ErrStatusConflict}
	}
	s.batches[batch.ID] = batch
	return nil
}

// GetBatch fetches a batch by ID.
func (s *JobStore) GetBatch(_ context.Context, batchID string) (crawl.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return crawl.Batch{}, crawl.ErrBatchNotFound
	}
	return batch, nil
}
