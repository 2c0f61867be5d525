// Package worker implements the crawl execution pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/metrics"
)

// Config controls Pool behavior.
type Config struct {
	// Size is the number of concurrent workers. Sized at or above the
	// provider's concurrency ceiling so the rate limiter, not the pool,
	// is the true throttle.
	Size int
	// CallTimeout is the hard ceiling on a single provider call.
	CallTimeout time.Duration
	// Account names the provider account charged for limiter slots.
	Account string
	// InlineResultLimit is the largest payload stored inline on the job
	// row; anything bigger goes to the blob store.
	InlineResultLimit int
	// BlobPrefix is prepended to offloaded object paths.
	BlobPrefix string
}

// TerminalFunc is invoked once a job reaches a terminal state.
type TerminalFunc func(job crawl.Job)

// Pool executes claimed jobs against the provider. Each worker drives one
// job at a time: claimed -> running, provider call under a hard timeout,
// classification, then a conditional persistence write. The limiter slot
// acquired by the scheduler is released on every exit path.
type Pool struct {
	jobStore   crawl.JobStore
	client     crawl.Client
	blobStore  crawl.BlobStore
	limiter    crawl.Acquirer
	retry      *crawl.RetryPolicy
	clock      crawl.Clock
	onTerminal TerminalFunc
	cfg        Config
	logger     *zap.Logger

	jobs chan crawl.Job

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Pool.
func New(
	jobStore crawl.JobStore,
	client crawl.Client,
	blobStore crawl.BlobStore,
	limiter crawl.Acquirer,
	retry *crawl.RetryPolicy,
	clock crawl.Clock,
	onTerminal TerminalFunc,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.InlineResultLimit <= 0 {
		cfg.InlineResultLimit = 256 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobStore:   jobStore,
		client:     client,
		blobStore:  blobStore,
		limiter:    limiter,
		retry:      retry,
		clock:      clock,
		onTerminal: onTerminal,
		cfg:        cfg,
		logger:     logger,
		jobs:       make(chan crawl.Job, cfg.Size),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run blocks, executing dispatched jobs until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range p.cfg.Size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.process(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
}

// Dispatch hands a claimed job to an idle worker without blocking. A false
// return means every worker is busy; the caller keeps ownership of the job
// and its limiter slot.
func (p *Pool) Dispatch(job crawl.Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// CancelInFlight interrupts the provider call for the job, if one is
// active. The terminal transition itself is owned by the cancel request
// path; this only unblocks the worker.
func (p *Pool) CancelInFlight(jobID string) {
	p.mu.Lock()
	cancel := p.cancels[jobID]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pool) process(ctx context.Context, job crawl.Job) {
	defer p.limiter.Release(p.cfg.Account)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registerCancel(job.ID, cancel)
	defer p.unregisterCancel(job.ID)

	// Cancellation token check before dispatch.
	if jobCtx.Err() != nil {
		return
	}

	attempt := job.AttemptCount + 1
	running, err := p.jobStore.ConditionalUpdate(
		jobCtx, job.ID,
		crawl.StatusClaimed, crawl.StatusRunning,
		crawl.Patch{AttemptCount: &attempt},
	)
	if err != nil {
		// A conflict here means the job was cancelled between claim and
		// start; anything else is a storage blip and the claim will be
		// recovered by the scheduler's restore pass.
		if !errors.Is(err, crawl.ErrStatusConflict) {
			p.logger.Error("start transition failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	result, callErr := p.submit(jobCtx, running)
	if callErr == nil {
		metrics.ObserveAttempt("success")
		p.complete(ctx, running, result)
		return
	}
	metrics.ObserveAttempt(string(crawl.Classify(callErr)))
	if jobCtx.Err() != nil && ctx.Err() == nil {
		// The in-flight call was cooperatively interrupted by a cancel
		// request; the result (or error) is discarded and the cancel path
		// owns the terminal write.
		p.logger.Info("in-flight call interrupted", zap.String("job_id", running.ID))
		return
	}
	p.fail(ctx, running, callErr)
}

func (p *Pool) submit(ctx context.Context, job crawl.Job) (crawl.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	start := p.clock.Now()
	result, err := p.client.Submit(callCtx, job.Target, job.Options)
	metrics.ObserveProviderCall(p.cfg.Account, err == nil, p.clock.Now().Sub(start))
	return result, err
}

func (p *Pool) complete(ctx context.Context, job crawl.Job, result crawl.Result) {
	stored := p.offload(ctx, job, result)
	updated, err := p.jobStore.ConditionalUpdate(
		ctx, job.ID,
		crawl.StatusRunning, crawl.StatusCompleted,
		crawl.Patch{Result: &stored},
	)
	if err != nil {
		if errors.Is(err, crawl.ErrStatusConflict) {
			// Late result for a cancelled job: discard, never persist.
			p.logger.Info("late result discarded", zap.String("job_id", job.ID))
			return
		}
		p.retryPersist(ctx, job.ID, crawl.StatusRunning, crawl.StatusCompleted, crawl.Patch{Result: &stored})
		return
	}
	p.finish(updated)
}

func (p *Pool) fail(ctx context.Context, job crawl.Job, callErr error) {
	kind := crawl.Classify(callErr)
	jobErr := &crawl.JobError{Kind: kind, Message: callErr.Error()}

	if p.retry.ShouldRetry(job, kind) {
		delay := p.retry.NextDelay(job.AttemptCount, kind)
		eligible := p.clock.Now().Add(delay)
		_, err := p.jobStore.ConditionalUpdate(
			ctx, job.ID,
			crawl.StatusRunning, crawl.StatusRetryWait,
			crawl.Patch{NextEligibleAt: &eligible, Error: jobErr},
		)
		if err != nil && !errors.Is(err, crawl.ErrStatusConflict) {
			p.retryPersist(ctx, job.ID, crawl.StatusRunning, crawl.StatusRetryWait,
				crawl.Patch{NextEligibleAt: &eligible, Error: jobErr})
		}
		p.logger.Info("attempt failed, will retry",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)),
			zap.Int("attempt", job.AttemptCount),
			zap.Duration("delay", delay),
		)
		return
	}

	updated, err := p.jobStore.ConditionalUpdate(
		ctx, job.ID,
		crawl.StatusRunning, crawl.StatusFailed,
		crawl.Patch{Error: jobErr},
	)
	if err != nil {
		if errors.Is(err, crawl.ErrStatusConflict) {
			return
		}
		p.retryPersist(ctx, job.ID, crawl.StatusRunning, crawl.StatusFailed, crawl.Patch{Error: jobErr})
		return
	}
	p.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("attempts", job.AttemptCount),
	)
	p.finish(updated)
}

// offload moves oversized payloads into the blob store, keeping only the
// URI on the job row.
func (p *Pool) offload(ctx context.Context, job crawl.Job, result crawl.Result) crawl.Result {
	if p.blobStore == nil || len(result.Inline) <= p.cfg.InlineResultLimit {
		return result
	}
	path := fmt.Sprintf("results/%s.json", job.ID)
	if p.cfg.BlobPrefix != "" {
		path = p.cfg.BlobPrefix + "/" + path
	}
	uri, err := p.blobStore.PutObject(ctx, path, result.ContentType, result.Inline)
	if err != nil {
		p.logger.Warn("result offload failed, storing inline",
			zap.String("job_id", job.ID), zap.Error(err))
		return result
	}
	result.BlobURI = uri
	result.Inline = nil
	return result
}

// retryPersist retries a conditional write after a storage failure. The
// update is idempotent: either it eventually lands, or a conflict shows
// another writer (the cancel path) got there first.
func (p *Pool) retryPersist(ctx context.Context, jobID string, expected, next crawl.Status, patch crawl.Patch) {
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		updated, err := p.jobStore.ConditionalUpdate(ctx, jobID, expected, next, patch)
		if err == nil {
			if next.IsTerminal() {
				p.finish(updated)
			}
			return
		}
		if errors.Is(err, crawl.ErrStatusConflict) || errors.Is(err, crawl.ErrJobNotFound) {
			return
		}
		p.logger.Error("persist retry failed", zap.String("job_id", jobID), zap.Error(err))
		backoff *= 2
	}
}

func (p *Pool) finish(job crawl.Job) {
	if p.onTerminal != nil {
		p.onTerminal(job)
	}
}

func (p *Pool) registerCancel(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels[jobID] = cancel
}

func (p *Pool) unregisterCancel(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, jobID)
}
