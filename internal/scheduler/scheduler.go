// Package scheduler owns job intake and the claim loop that feeds the
// worker pool from the queue under the provider rate budget.
package scheduler

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/metrics"
)

// Pool is the slice of the worker pool the scheduler drives.
type Pool interface {
	Dispatch(job crawl.Job) bool
	CancelInFlight(jobID string)
}

// Config controls the claim loop.
type Config struct {
	// TickInterval is how often the loop promotes retries and claims work.
	TickInterval time.Duration
	// ClaimBatch caps how many jobs one tick may claim.
	ClaimBatch int
	// Account names the provider account charged for limiter slots.
	Account string
	// DefaultMaxAttempts applies when a submission leaves MaxAttempts unset.
	DefaultMaxAttempts int
	// StorageBackoff is the initial pause after a storage error; it doubles
	// up to MaxStorageBackoff while the store stays unhealthy.
	StorageBackoff    time.Duration
	MaxStorageBackoff time.Duration
}

// SubmitRequest is one job specification accepted at intake.
type SubmitRequest struct {
	Target         string
	Priority       crawl.Priority
	MaxAttempts    int
	IdempotencyKey string
	Options        crawl.Options
}

// BatchMember reports the per-job outcome of a batch submission.
type BatchMember struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"` // accepted | duplicate
}

// TerminalFunc is invoked for jobs the scheduler itself drives to a
// terminal state (cancellations).
type TerminalFunc func(job crawl.Job)

// Scheduler accepts submissions, promotes retry_wait jobs whose delay has
// elapsed, and claims ready work for the pool. Claiming is conditional:
// queued -> claimed through the store, so a cancel racing with a claim has
// exactly one winner.
type Scheduler struct {
	store      crawl.JobStore
	queue      crawl.Queue
	limiter    crawl.Acquirer
	pool       Pool
	clock      crawl.Clock
	ids        crawl.IDGenerator
	onTerminal TerminalFunc
	cfg        Config
	logger     *zap.Logger

	// claimed jobs waiting for a free worker; each holds a limiter slot.
	pending []crawl.Job
}

// New constructs a Scheduler.
func New(
	store crawl.JobStore,
	queue crawl.Queue,
	limiter crawl.Acquirer,
	pool Pool,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	onTerminal TerminalFunc,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 16
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.StorageBackoff <= 0 {
		cfg.StorageBackoff = time.Second
	}
	if cfg.MaxStorageBackoff <= 0 {
		cfg.MaxStorageBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      store,
		queue:      queue,
		limiter:    limiter,
		pool:       pool,
		clock:      clock,
		ids:        ids,
		onTerminal: onTerminal,
		cfg:        cfg,
		logger:     logger,
	}
}

// Submit validates and accepts a single job. The queue is the dedup
// authority: its key registration is atomic, so two concurrent submissions
// with the same idempotency key see exactly one acceptance.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (crawl.Job, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return crawl.Job{}, err
	}
	if _, err := s.queue.Enqueue(job); err != nil {
		return crawl.Job{}, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.queue.Remove(job.ID)
		s.queue.ReleaseKey(job.IdempotencyKey)
		return crawl.Job{}, err
	}
	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("target", job.Target),
		zap.String("priority", string(job.Priority)),
	)
	return job, nil
}

// SubmitBatch accepts a group of jobs under one batch id. Validation is
// all-or-nothing; duplicates are reported per member and do not join the
// batch.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []SubmitRequest) (crawl.Batch, []BatchMember, error) {
	if len(reqs) == 0 {
		return crawl.Batch{}, nil, &crawl.ValidationError{Field: "jobs", Reason: "at least one job is required"}
	}
	jobs := make([]crawl.Job, 0, len(reqs))
	for _, req := range reqs {
		job, err := s.buildJob(req)
		if err != nil {
			return crawl.Batch{}, nil, err
		}
		jobs = append(jobs, job)
	}

	batchID, err := s.ids.NewID()
	if err != nil {
		return crawl.Batch{}, nil, err
	}
	batch := crawl.Batch{ID: batchID, CreatedAt: s.clock.Now()}
	members := make([]BatchMember, 0, len(jobs))

	for _, job := range jobs {
		job.BatchID = batchID
		if _, err := s.queue.Enqueue(job); err != nil {
			var dup *crawl.DuplicateError
			if errors.As(err, &dup) {
				members = append(members, BatchMember{JobID: dup.ExistingID, Status: "duplicate"})
				continue
			}
			return crawl.Batch{}, nil, err
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			s.queue.Remove(job.ID)
			s.queue.ReleaseKey(job.IdempotencyKey)
			return crawl.Batch{}, nil, err
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
		members = append(members, BatchMember{JobID: job.ID, Status: "accepted"})
	}

	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return crawl.Batch{}, nil, err
	}
	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Info("batch accepted",
		zap.String("batch_id", batchID),
		zap.Int("accepted", len(batch.JobIDs)),
		zap.Int("submitted", len(reqs)),
	)
	return batch, members, nil
}

// Cancel drives the job to cancelled from any non-terminal state. A job
// already cancelled is an idempotent success; completed or failed jobs
// return ErrStatusConflict. The in-flight provider call, if any, is
// interrupted; its late result will be discarded by the worker.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (crawl.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return crawl.Job{}, err
	}
	var written bool
	for range 3 {
		if job.Status.IsTerminal() {
			break
		}
		cancelled, err := s.store.ConditionalUpdate(ctx, jobID, job.Status, crawl.StatusCancelled, crawl.Patch{})
		if err == nil {
			job = cancelled
			written = true
			break
		}
		if !errors.Is(err, crawl.ErrStatusConflict) {
			return crawl.Job{}, err
		}
		// The status moved under us; re-read and try again.
		job, err = s.store.GetJob(ctx, jobID)
		if err != nil {
			return crawl.Job{}, err
		}
	}
	if job.Status != crawl.StatusCancelled {
		return job, crawl.ErrStatusConflict
	}

	s.queue.Remove(jobID)
	s.pool.CancelInFlight(jobID)
	if written {
		s.logger.Info("job cancelled", zap.String("job_id", jobID))
		if s.onTerminal != nil {
			s.onTerminal(job)
		}
	}
	return job, nil
}

// Restore rebuilds in-memory state after a restart. Queued and waiting
// jobs re-enter the queue (re-registering their idempotency keys); jobs
// the previous process had claimed or was running are parked in retry_wait
// so the normal promotion path picks them up.
func (s *Scheduler) Restore(ctx context.Context) error {
	now := s.clock.Now()

	claimed, err := s.store.ListByStatus(ctx, crawl.StatusClaimed, 0)
	if err != nil {
		return err
	}
	for _, job := range claimed {
		if _, err := s.store.ConditionalUpdate(ctx, job.ID, crawl.StatusClaimed, crawl.StatusRunning, crawl.Patch{}); err != nil {
			continue
		}
		if _, err := s.store.ConditionalUpdate(ctx, job.ID, crawl.StatusRunning, crawl.StatusRetryWait, crawl.Patch{NextEligibleAt: &now}); err != nil {
			s.logger.Warn("restore: could not park claimed job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	running, err := s.store.ListByStatus(ctx, crawl.StatusRunning, 0)
	if err != nil {
		return err
	}
	for _, job := range running {
		if _, err := s.store.ConditionalUpdate(ctx, job.ID, crawl.StatusRunning, crawl.StatusRetryWait, crawl.Patch{NextEligibleAt: &now}); err != nil {
			s.logger.Warn("restore: could not park running job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	queued, err := s.store.ListByStatus(ctx, crawl.StatusQueued, 0)
	if err != nil {
		return err
	}
	for _, job := range queued {
		if _, err := s.queue.Enqueue(job); err != nil {
			s.logger.Warn("restore: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	waiting, err := s.store.ListByStatus(ctx, crawl.StatusRetryWait, 0)
	if err != nil {
		return err
	}
	for _, job := range waiting {
		if job.NextEligibleAt.IsZero() {
			job.NextEligibleAt = now
		}
		if _, err := s.queue.Enqueue(job); err != nil {
			s.logger.Warn("restore: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Info("state restored",
		zap.Int("queued", len(queued)),
		zap.Int("waiting", len(waiting)),
		zap.Int("recovered", len(claimed)+len(running)),
	)
	return nil
}

// Run drives the claim loop until the context finishes. Storage errors
// pause claiming with doubling backoff; in-flight workers are unaffected.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	backoff := s.cfg.StorageBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.tick(ctx); err != nil {
			s.logger.Warn("claim loop paused",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.cfg.MaxStorageBackoff)
			continue
		}
		backoff = s.cfg.StorageBackoff
	}
}

// Tick runs one scheduling pass. Exposed for tests; Run calls it on every
// tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := s.clock.Now()
	if err := s.promote(ctx, now); err != nil {
		return err
	}
	defer metrics.SetQueueDepth(s.queue.Len())

	// Claimed jobs from a previous tick go first; each already holds a
	// limiter slot.
	remaining := s.pending[:0]
	for i, job := range s.pending {
		if !s.pool.Dispatch(job) {
			remaining = append(remaining, s.pending[i:]...)
			break
		}
	}
	s.pending = remaining
	if len(s.pending) > 0 {
		return nil
	}

	jobs := s.queue.DequeueReady(now, s.cfg.ClaimBatch)
	for i, job := range jobs {
		if !s.limiter.TryAcquire(s.cfg.Account) {
			metrics.ObserveRateLimitRejection(s.cfg.Account)
			for _, rest := range jobs[i:] {
				s.queue.Requeue(rest)
			}
			return nil
		}
		claimed, err := s.store.ConditionalUpdate(ctx, job.ID, crawl.StatusQueued, crawl.StatusClaimed, crawl.Patch{})
		if err != nil {
			s.limiter.Release(s.cfg.Account)
			if errors.Is(err, crawl.ErrJobNotFound) {
				// Submit enqueued the job but its row has not landed yet;
				// put it back and claim it on a later tick.
				s.queue.Requeue(job)
				continue
			}
			if errors.Is(err, crawl.ErrStatusConflict) {
				// Cancelled between dequeue and claim; drop it.
				continue
			}
			for _, rest := range jobs[i:] {
				s.queue.Requeue(rest)
			}
			return err
		}
		if !s.pool.Dispatch(claimed) {
			s.pending = append(s.pending, claimed)
		}
	}
	return nil
}

// promote moves retry_wait jobs whose delay has elapsed back to queued.
func (s *Scheduler) promote(ctx context.Context, now time.Time) error {
	waiting, err := s.store.ListByStatus(ctx, crawl.StatusRetryWait, 0)
	if err != nil {
		return err
	}
	for _, job := range waiting {
		if job.NextEligibleAt.After(now) {
			continue
		}
		queued, err := s.store.ConditionalUpdate(ctx, job.ID, crawl.StatusRetryWait, crawl.StatusQueued, crawl.Patch{})
		if err != nil {
			if errors.Is(err, crawl.ErrStatusConflict) || errors.Is(err, crawl.ErrJobNotFound) {
				continue
			}
			return err
		}
		s.queue.Requeue(queued)
	}
	return nil
}

func (s *Scheduler) buildJob(req SubmitRequest) (crawl.Job, error) {
	if req.Target == "" {
		return crawl.Job{}, &crawl.ValidationError{Field: "target", Reason: "is required"}
	}
	u, err := url.Parse(req.Target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return crawl.Job{}, &crawl.ValidationError{Field: "target", Reason: "must be an absolute http(s) URL"}
	}

	priority := req.Priority
	if priority == "" {
		priority = crawl.PriorityNormal
	}
	if !priority.Valid() {
		return crawl.Job{}, &crawl.ValidationError{Field: "priority", Reason: "must be one of low, normal, high, urgent"}
	}

	opts := req.Options
	if opts.Mode == "" {
		opts.Mode = crawl.ModeScrape
	}
	if opts.Mode != crawl.ModeScrape && opts.Mode != crawl.ModeCrawl {
		return crawl.Job{}, &crawl.ValidationError{Field: "options.mode", Reason: "must be scrape or crawl"}
	}
	if opts.MaxDepth < 0 {
		return crawl.Job{}, &crawl.ValidationError{Field: "options.max_depth", Reason: "must not be negative"}
	}
	if opts.MaxPages < 0 {
		return crawl.Job{}, &crawl.ValidationError{Field: "options.max_pages", Reason: "must not be negative"}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawl.Job{}, err
	}
	now := s.clock.Now()
	return crawl.Job{
		ID:             id,
		Target:         req.Target,
		Priority:       priority,
		Status:         crawl.StatusQueued,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
		Options:        opts,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}
