package crawl

import "time"

// Batch groups jobs submitted together for caller convenience. The member
// list is fixed at intake; only the derived aggregate status changes as
// members progress.
type Batch struct {
	ID        string    `json:"id"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchStatus is the derived aggregate of member job statuses.
type BatchStatus string

// Aggregate batch statuses.
const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// AggregateStatus recomputes the batch status from member jobs. It is a
// pure function; the result is never stored as independent truth.
//
// All members terminal: completed if all completed, cancelled if any
// cancelled and none failed, otherwise failed. Any member past queued:
// running. Otherwise pending.
func AggregateStatus(jobs []Job) BatchStatus {
	if len(jobs) == 0 {
		return BatchStatusPending
	}
	allTerminal := true
	allCompleted := true
	anyFailed := false
	anyCancelled := false
	anyStarted := false
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			allTerminal = false
		}
		if j.Status != StatusQueued {
			anyStarted = true
		}
		switch j.Status {
		case StatusCompleted:
		case StatusFailed:
			allCompleted = false
			anyFailed = true
		case StatusCancelled:
			allCompleted = false
			anyCancelled = true
		default:
			allCompleted = false
		}
	}
	if allTerminal {
		switch {
		case allCompleted:
			return BatchStatusCompleted
		case anyFailed:
			return BatchStatusFailed
		case anyCancelled:
			return BatchStatusCancelled
		default:
			return BatchStatusFailed
		}
	}
	if anyStarted {
		return BatchStatusRunning
	}
	return BatchStatusPending
}
