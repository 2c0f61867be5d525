// Package dispatcher handles terminal jobs: releasing idempotency keys and
// pushing completed results downstream.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/metrics"
)

// Config controls downstream publishing.
type Config struct {
	// Topic is the destination the publisher writes completion envelopes to.
	Topic string
	// PublishRetries bounds the attempts for one envelope.
	PublishRetries int
	// PublishBackoff is the initial delay between attempts; it doubles.
	PublishBackoff time.Duration
	// PublishTimeout caps a single publish attempt.
	PublishTimeout time.Duration
	// SeenLimit bounds the duplicate-suppression set; the oldest job ids
	// age out once both generations fill.
	SeenLimit int
}

// Dispatcher receives each terminal job exactly once. Completed jobs are
// forwarded downstream with an independent bounded retry; a publish failure
// is logged and counted but never reopens the job.
type Dispatcher struct {
	publisher crawl.Publisher
	queue     crawl.Queue
	cfg       Config
	logger    *zap.Logger

	// Two-generation dedup set: lookups check both maps, inserts go to
	// seen, and a full seen rotates into prevSeen. Memory stays within
	// 2x SeenLimit entries.
	mu       sync.Mutex
	seen     map[string]bool
	prevSeen map[string]bool
	wg       sync.WaitGroup
}

// New constructs a Dispatcher.
func New(publisher crawl.Publisher, queue crawl.Queue, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Topic == "" {
		cfg.Topic = "crawl-results"
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 5
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.SeenLimit <= 0 {
		cfg.SeenLimit = 8192
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[string]bool),
	}
}

// OnTerminal processes one terminal job. Repeat deliveries for the same job
// id are ignored, so the downstream sees at most one envelope per job.
func (d *Dispatcher) OnTerminal(job crawl.Job) {
	d.mu.Lock()
	if d.seen[job.ID] || d.prevSeen[job.ID] {
		d.mu.Unlock()
		return
	}
	if len(d.seen) >= d.cfg.SeenLimit {
		d.prevSeen = d.seen
		d.seen = make(map[string]bool, d.cfg.SeenLimit)
	}
	d.seen[job.ID] = true
	d.mu.Unlock()

	metrics.ObserveJob(string(job.Status))
	d.queue.ReleaseKey(job.IdempotencyKey)

	if job.Status != crawl.StatusCompleted || d.publisher == nil {
		return
	}
	env := envelope(job)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.publish(env)
	}()
}

// Wait blocks until all in-flight publishes settle. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) publish(env crawl.PublishEnvelope) {
	backoff := d.cfg.PublishBackoff
	for attempt := 1; attempt <= d.cfg.PublishRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		msgID, err := d.publisher.Publish(ctx, d.cfg.Topic, env)
		cancel()
		if err == nil {
			metrics.ObservePublish("ok")
			d.logger.Debug("result published",
				zap.String("job_id", env.JobID),
				zap.String("message_id", msgID),
			)
			return
		}
		metrics.ObservePublish("error")
		d.logger.Warn("publish attempt failed",
			zap.String("job_id", env.JobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < d.cfg.PublishRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	metrics.ObservePublish("abandoned")
	d.logger.Error("publish abandoned, job stays completed",
		zap.String("job_id", env.JobID),
	)
}

func envelope(job crawl.Job) crawl.PublishEnvelope {
	env := crawl.PublishEnvelope{
		JobID:       job.ID,
		Target:      job.Target,
		Metadata:    map[string]string{},
		CompletedAt: job.UpdatedAt,
	}
	for k, v := range job.Options.Tags {
		env.Metadata[k] = v
	}
	if job.BatchID != "" {
		env.Metadata["batch_id"] = job.BatchID
	}
	if job.Result != nil {
		env.ExtractedData = job.Result.Inline
		env.BlobURI = job.Result.BlobURI
	}
	return env
}
