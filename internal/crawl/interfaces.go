package crawl

import (
	"context"
	"time"
)

// JobStore persists job and batch records. It is the sole source of truth
// for job state; every status change goes through ConditionalUpdate so a
// lost race surfaces as ErrStatusConflict instead of a lost update.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ConditionalUpdate(ctx context.Context, jobID string, expected, next Status, patch Patch) (Job, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Job, error)

	CreateBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, batchID string) (Batch, error)
}

// Client adapts the remote scraping provider. Submit blocks until the
// provider produces a terminal outcome for the target or ctx ends; every
// call carries a hard timeout set by the worker.
type Client interface {
	Submit(ctx context.Context, target string, opts Options) (Result, error)
}

// Publisher pushes completion envelopes to the downstream content API.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw result payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Queue provides prioritized, deduplicated intake of pending work.
// An idempotency key stays registered from Enqueue until ReleaseKey, so a
// job that has been dequeued and is running still blocks resubmission.
type Queue interface {
	Enqueue(job Job) (string, error)
	DequeueReady(now time.Time, limit int) []Job
	Requeue(job Job)
	Remove(jobID string)
	ReleaseKey(key string)
	Len() int
}

// Acquirer enforces the per-provider concurrency/quota ceiling.
// TryAcquire never blocks; a false return means the caller must requeue.
type Acquirer interface {
	TryAcquire(account string) bool
	Release(account string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
