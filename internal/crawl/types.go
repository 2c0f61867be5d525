// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// Status represents the lifecycle state of a crawl job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusRetryWait Status = "retry_wait"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders jobs in the ready queue. Higher values dequeue first.
type Priority string

// Priority tiers accepted at intake.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority tier to a sortable weight.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Valid reports whether p is a recognized tier.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Mode selects single-page or crawl-root semantics for a job.
type Mode string

// Job modes. A scrape fetches exactly the target URL; a crawl treats the
// target as a root and lets the provider walk outward from it.
const (
	ModeScrape Mode = "scrape"
	ModeCrawl  Mode = "crawl"
)

// Options captures the per-job configuration knobs recognized at intake.
// ProviderExtras is a typed passthrough for provider-specific parameters
// that the orchestrator forwards without interpreting.
type Options struct {
	Mode           Mode              `json:"mode"`
	MaxDepth       int               `json:"max_depth"`
	MaxPages       int               `json:"max_pages"`
	RenderJS       bool              `json:"render_js"`
	AllowDomains   []string          `json:"allow_domains,omitempty"`
	DenyDomains    []string          `json:"deny_domains,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	ProviderExtras map[string]string `json:"provider_extras,omitempty"`
}

// Result is the payload captured from the provider for a completed job.
// Inline holds small payloads directly; larger ones are offloaded to blob
// storage and referenced by BlobURI.
type Result struct {
	Inline      []byte    `json:"inline,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	PageCount   int       `json:"page_count"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// JobError records the classified failure attached to a terminal job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID             string    `json:"id"`
	Target         string    `json:"target"`
	Priority       Priority  `json:"priority"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Options        Options   `json:"options"`
	Result         *Result   `json:"result,omitempty"`
	Error          *JobError `json:"error,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	BatchID        string    `json:"batch_id,omitempty"`
}

// Ready reports whether the job may be handed to a worker at the given time.
func (j Job) Ready(now time.Time) bool {
	return j.Status == StatusQueued && !j.NextEligibleAt.After(now)
}

// Patch carries the fields a conditional update may change alongside the
// status transition. Nil fields are left untouched.
type Patch struct {
	AttemptCount   *int
	NextEligibleAt *time.Time
	Result         *Result
	Error          *JobError
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	// Cancellation is allowed from any non-terminal state.
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusClaimed
	case StatusClaimed:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusRetryWait || to == StatusFailed
	case StatusRetryWait:
		return to == StatusQueued
	default:
		return false
	}
}

// PublishEnvelope is what the dispatcher forwards downstream when a job
// completes.
type PublishEnvelope struct {
	JobID         string            `json:"job_id"`
	Target        string            `json:"target"`
	ExtractedData []byte            `json:"extracted_data,omitempty"`
	BlobURI       string            `json:"blob_uri,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CompletedAt   time.Time         `json:"completed_at"`
}
