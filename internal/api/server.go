// Package api exposes the HTTP interface for the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/config"
	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/metrics"
	"github.com/crawlkit/orchestrator/internal/scheduler"
)

// Intake is the slice of the scheduler the API drives.
type Intake interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (crawl.Job, error)
	SubmitBatch(ctx context.Context, reqs []scheduler.SubmitRequest) (crawl.Batch, []scheduler.BatchMember, error)
	Cancel(ctx context.Context, jobID string) (crawl.Job, error)
}

// Server wires HTTP handlers to the scheduler and job store.
type Server struct {
	router   chi.Router
	intake   Intake
	jobStore crawl.JobStore
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(intake Intake, jobStore crawl.JobStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		intake:   intake,
		jobStore: jobStore,
		cfg:      cfg,
		logger:   logger,
	}

	timeout := 60 * time.Second
	if cfg.Server.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/{batch_id}", s.getBatch)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store is the only hard dependency for intake.
	if _, err := s.jobStore.GetJob(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, crawl.ErrJobNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Target         string        `json:"target"`
	Priority       string        `json:"priority"`
	MaxAttempts    int           `json:"max_attempts"`
	IdempotencyKey string        `json:"idempotency_key"`
	Options        crawl.Options `json:"options"`
}

func (req jobRequest) toSubmitRequest() scheduler.SubmitRequest {
	return scheduler.SubmitRequest{
		Target:         req.Target,
		Priority:       crawl.Priority(req.Priority),
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		Options:        req.Options,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.intake.Submit(r.Context(), req.toSubmitRequest())
	if err != nil {
		var dup *crawl.DuplicateError
		if errors.As(err, &dup) {
			s.writeJSON(w, http.StatusOK, map[string]string{
				"job_id": dup.ExistingID,
				"status": "duplicate",
			})
			return
		}
		s.writeIntakeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "accepted",
	})
}

type batchRequest struct {
	Jobs []jobRequest `json:"jobs"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reqs := make([]scheduler.SubmitRequest, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		reqs = append(reqs, j.toSubmitRequest())
	}
	batch, members, err := s.intake.SubmitBatch(r.Context(), reqs)
	if err != nil {
		s.writeIntakeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batch.ID,
		"jobs":     members,
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"job_id":        job.ID,
		"status":        job.Status,
		"priority":      job.Priority,
		"attempt_count": job.AttemptCount,
		"max_attempts":  job.MaxAttempts,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}
	if !job.NextEligibleAt.IsZero() {
		resp["next_eligible_at"] = job.NextEligibleAt
	}
	if job.BatchID != "" {
		resp["batch_id"] = job.BatchID
	}
	if job.Error != nil {
		resp["error"] = job.Error
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}
	if job.Status != crawl.StatusCompleted {
		resp := map[string]any{
			"error":  "job has no result",
			"status": job.Status,
		}
		if job.Error != nil {
			resp["job_error"] = job.Error
		}
		s.writeJSON(w, http.StatusConflict, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"target": job.Target,
		"result": job.Result,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.intake.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, crawl.ErrJobNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, crawl.ErrStatusConflict):
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "job already finished",
				"status": job.Status,
			})
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(crawl.StatusCancelled),
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.jobStore.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, crawl.ErrBatchNotFound) {
			s.writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobs := make([]crawl.Job, 0, len(batch.JobIDs))
	memberViews := make([]map[string]any, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		job, err := s.jobStore.GetJob(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobs = append(jobs, job)
		memberViews = append(memberViews, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":   batch.ID,
		"status":     crawl.AggregateStatus(jobs),
		"created_at": batch.CreatedAt,
		"jobs":       memberViews,
	})
}

func (s *Server) fetchJob(w http.ResponseWriter, r *http.Request) (crawl.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawl.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return crawl.Job{}, false
	}
	return job, true
}

func (s *Server) writeIntakeError(w http.ResponseWriter, err error) {
	var verr *crawl.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Reason,
			"field": verr.Field,
		})
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
