package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

// Provider error kinds.
const (
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindQuotaExhausted ErrorKind = "quota_exhausted"
	ErrorKindPermanent      ErrorKind = "permanent"
)

// ProviderError is a classified failure returned by a CrawlClient.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// ValidationError reports a bad target or options at intake. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateError is returned when an idempotency key already maps to a
// non-terminal job. ExistingID lets the caller observe the original job.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission, existing job %s", e.ExistingID)
}

// StorageError wraps a job-store failure so callers can distinguish it from
// provider failures and back off claiming.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Sentinel errors shared by store implementations.
var (
	// ErrJobNotFound is returned when the requested job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict is returned by ConditionalUpdate when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("job status conflict")
	// ErrBatchNotFound is returned when the requested batch id does not exist.
	ErrBatchNotFound = errors.New("batch not found")
)

// Classify maps an arbitrary error from a CrawlClient call to an ErrorKind.
// Context deadline overruns count as transient so the hard per-call timeout
// never turns into a permanent failure.
func Classify(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTransient
	}
	return ErrorKindTransient
}

// ClassifyStatusCode maps a provider HTTP status to an ErrorKind.
func ClassifyStatusCode(code int) ErrorKind {
	switch {
	case code == 429:
		return ErrorKindRateLimited
	case code == 402:
		return ErrorKindQuotaExhausted
	case code >= 400 && code < 500:
		return ErrorKindPermanent
	default:
		return ErrorKindTransient
	}
}
