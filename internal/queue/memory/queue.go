// Package memory provides the in-process job queue.
package memory

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

// Queue is a prioritized, deduplicated ready-set for pending jobs.
//
// Jobs whose NextEligibleAt lies in the future are parked in a delay heap
// and stay invisible to DequeueReady until the time passes, which lets
// retry backoff work without busy-polling. Idempotency keys remain
// registered until ReleaseKey so a dequeued-and-running job still blocks a
// duplicate submission.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	keys    map[string]string // idempotency key -> job id
	members map[string]bool   // job ids currently queued or delayed
	seq     uint64
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		keys:    make(map[string]string),
		members: make(map[string]bool),
	}
}

// Enqueue registers the job and returns its id. If the idempotency key is
// already held by a queued or running job, a DuplicateError carrying the
// existing id is returned instead.
func (q *Queue) Enqueue(job crawl.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.IdempotencyKey != "" {
		if existing, ok := q.keys[job.IdempotencyKey]; ok {
			return "", &crawl.DuplicateError{ExistingID: existing}
		}
		q.keys[job.IdempotencyKey] = job.ID
	}
	q.push(job)
	return job.ID, nil
}

// DequeueReady returns up to limit jobs in dispatch order: urgent first,
// FIFO within a tier. Returned jobs leave the ready set; callers that fail
// to claim one must Requeue it.
func (q *Queue) DequeueReady(now time.Time, limit int) []crawl.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(now)
	var out []crawl.Job
	for len(out) < limit && q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*queueItem)
		delete(q.members, item.job.ID)
		out = append(out, item.job)
	}
	return out
}

// Requeue returns a job to the queue without touching its idempotency key
// registration. Used when a claim fails or a retry_wait job becomes queued
// again.
func (q *Queue) Requeue(job crawl.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(job)
}

// Remove drops a queued or delayed job, typically on cancellation. The
// key registration is left to ReleaseKey.
func (q *Queue) Remove(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.members[jobID] {
		return
	}
	delete(q.members, jobID)
	for i, item := range q.ready {
		if item.job.ID == jobID {
			heap.Remove(&q.ready, i)
			return
		}
	}
	for i, item := range q.delayed {
		if item.job.ID == jobID {
			heap.Remove(&q.delayed, i)
			return
		}
	}
}

// ReleaseKey frees an idempotency key once its job reaches a terminal
// state, allowing the key to be reused for new work.
func (q *Queue) ReleaseKey(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, key)
}

// Len reports how many jobs are queued or delayed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

func (q *Queue) push(job crawl.Job) {
	if q.members[job.ID] {
		return
	}
	q.members[job.ID] = true
	q.seq++
	item := &queueItem{job: job, seq: q.seq}
	// Eligibility is judged against the caller's clock in DequeueReady, so
	// anything with an eligibility timestamp parks in the delay heap first.
	if !job.NextEligibleAt.IsZero() {
		heap.Push(&q.delayed, item)
		return
	}
	heap.Push(&q.ready, item)
}

// promote moves delayed jobs whose eligibility time has passed into the
// ready heap.
func (q *Queue) promote(now time.Time) {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.job.NextEligibleAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, next)
	}
}

type queueItem struct {
	job crawl.Job
	seq uint64
}

// readyHeap orders by priority rank descending, then CreatedAt, then
// insertion sequence so FIFO within a tier is stable.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	ri, rj := h[i].job.Priority.Rank(), h[j].job.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	if !h[i].job.CreatedAt.Equal(h[j].job.CreatedAt) {
		return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayHeap orders by NextEligibleAt ascending.
type delayHeap []*queueItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	return h[i].job.NextEligibleAt.Before(h[j].job.NextEligibleAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
