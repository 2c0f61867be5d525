// Package postgres provides the Postgres-backed JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

// JobStoreConfig controls the Postgres connection pool.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// JobStore persists jobs and batches in Postgres. Every status mutation is
// a conditional UPDATE guarded by the expected current status, so
// concurrent claimers and late writers lose cleanly with a conflict
// instead of overwriting each other.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//	    id               TEXT PRIMARY KEY,
//	    target           TEXT NOT NULL,
//	    priority         TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    attempt_count    INT NOT NULL DEFAULT 0,
//	    max_attempts     INT NOT NULL,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL,
//	    next_eligible_at TIMESTAMPTZ NOT NULL,
//	    options          JSONB NOT NULL,
//	    result           JSONB,
//	    error            JSONB,
//	    idempotency_key  TEXT,
//	    batch_id         TEXT
//	);
//	CREATE INDEX jobs_idem_key_idx ON jobs (idempotency_key);
//	CREATE INDEX jobs_ready_idx ON jobs (status, priority, created_at);
//
//	CREATE TABLE batches (
//	    id         TEXT PRIMARY KEY,
//	    job_ids    JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type JobStore struct {
	pool pgxPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing with pgxmock).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, target, priority, status, attempt_count, max_attempts,
created_at, updated_at, next_eligible_at, options, result, error,
idempotency_key, batch_id`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return &crawl.StorageError{Op: "create", Err: fmt.Errorf("marshal options: %w", err)}
	}
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.Target,
		string(job.Priority),
		string(job.Status),
		job.AttemptCount,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.NextEligibleAt,
		optionsJSON,
		marshalNullable(job.Result),
		marshalNullable(job.Error),
		nullableString(job.IdempotencyKey),
		nullableString(job.BatchID),
	)
	if err != nil {
		return &crawl.StorageError{Op: "create", Err: err}
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrJobNotFound
		}
		return crawl.Job{}, &crawl.StorageError{Op: "get", Err: err}
	}
	return job, nil
}

// ConditionalUpdate transitions the job from expected to next, applying the
// patch. The WHERE clause on the current status makes the update a
// compare-and-swap; losing the race yields ErrStatusConflict.
func (s *JobStore) ConditionalUpdate(
	ctx context.Context,
	jobID string,
	expected, next crawl.Status,
	patch crawl.Patch,
) (crawl.Job, error) {
	if !crawl.CanTransition(expected, next) {
		return crawl.Job{}, crawl.ErrStatusConflict
	}
	query := `
UPDATE jobs SET
	status = $3,
	attempt_count = COALESCE($4, attempt_count),
	next_eligible_at = COALESCE($5, next_eligible_at),
	result = COALESCE($6, result),
	error = COALESCE($7, error),
	updated_at = $8
WHERE id = $1 AND status = $2
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		jobID,
		string(expected),
		string(next),
		patch.AttemptCount,
		patch.NextEligibleAt,
		marshalNullable(patch.Result),
		marshalNullable(patch.Error),
		time.Now().UTC(),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawl.Job{}, &crawl.StorageError{Op: "conditional update", Err: err}
	}
	// No row matched: distinguish a missing job from a status conflict.
	if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
		return crawl.Job{}, getErr
	}
	return crawl.Job{}, crawl.ErrStatusConflict
}

// ListByStatus returns up to limit jobs in the given status, ordered for
// ready-dequeue: priority tier first, oldest first within a tier.
func (s *JobStore) ListByStatus(ctx context.Context, status crawl.Status, limit int) ([]crawl.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE status = $1
ORDER BY
	CASE priority
		WHEN 'urgent' THEN 3
		WHEN 'high' THEN 2
		WHEN 'normal' THEN 1
		ELSE 0
	END DESC,
	created_at ASC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, &crawl.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()
	var out []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &crawl.StorageError{Op: "list scan", Err: err}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &crawl.StorageError{Op: "list rows", Err: err}
	}
	return out, nil
}

// FindByIdempotencyKey returns the most recently created job for the key.
func (s *JobStore) FindByIdempotencyKey(ctx context.Context, key string) (crawl.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE idempotency_key = $1
ORDER BY created_at DESC
LIMIT 1`, key)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrJobNotFound
		}
		return crawl.Job{}, &crawl.StorageError{Op: "find by key", Err: err}
	}
	return job, nil
}

// CreateBatch inserts a batch row.
func (s *JobStore) CreateBatch(ctx context.Context, batch crawl.Batch) error {
	jobIDs, err := json.Marshal(batch.JobIDs)
	if err != nil {
		return &crawl.StorageError{Op: "create batch", Err: err}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (id, job_ids, created_at) VALUES ($1,$2,$3)`,
		batch.ID, jobIDs, batch.CreatedAt,
	)
	if err != nil {
		return &crawl.StorageError{Op: "create batch", Err: err}
	}
	return nil
}

// GetBatch fetches a batch by ID.
func (s *JobStore) GetBatch(ctx context.Context, batchID string) (crawl.Batch, error) {
	var (
		batch      crawl.Batch
		jobIDsJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_ids, created_at FROM batches WHERE id = $1`, batchID,
	).Scan(&batch.ID, &jobIDsJSON, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Batch{}, crawl.ErrBatchNotFound
		}
		return crawl.Batch{}, &crawl.StorageError{Op: "get batch", Err: err}
	}
	if err := json.Unmarshal(jobIDsJSON, &batch.JobIDs); err != nil {
		return crawl.Batch{}, &crawl.StorageError{Op: "get batch", Err: err}
	}
	return batch, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job            crawl.Job
		priority       string
		status         string
		optionsJSON    []byte
		resultJSON     []byte
		errorJSON      []byte
		idempotencyKey *string
		batchID        *string
	)
	err := row.Scan(
		&job.ID,
		&job.Target,
		&priority,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.NextEligibleAt,
		&optionsJSON,
		&resultJSON,
		&errorJSON,
		&idempotencyKey,
		&batchID,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.Priority = crawl.Priority(priority)
	job.Status = crawl.Status(status)
	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return crawl.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if len(resultJSON) > 0 {
		var result crawl.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	if len(errorJSON) > 0 {
		var jobErr crawl.JobError
		if err := json.Unmarshal(errorJSON, &jobErr); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
		job.Error = &jobErr
	}
	if idempotencyKey != nil {
		job.IdempotencyKey = *idempotencyKey
	}
	if batchID != nil {
		job.BatchID = *batchID
	}
	return job, nil
}

func marshalNullable(v any) []byte {
	switch val := v.(type) {
	case *crawl.Result:
		if val == nil {
			return nil
		}
	case *crawl.JobError:
		if val == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
