package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/config"
	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/metrics"
	queuememory "github.com/crawlkit/orchestrator/internal/queue/memory"
	"github.com/crawlkit/orchestrator/internal/scheduler"
	"github.com/crawlkit/orchestrator/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type openLimiter struct{}

func (openLimiter) TryAcquire(string) bool { return true }
func (openLimiter) Release(string)         {}

type idlePool struct{}

func (idlePool) Dispatch(crawl.Job) bool { return true }
func (idlePool) CancelInFlight(string)   {}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type testEnv struct {
	server *Server
	store  *memory.JobStore
	sched  *scheduler.Scheduler
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	store := memory.NewJobStore()
	sched := scheduler.New(
		store, queuememory.NewQueue(), openLimiter{}, idlePool{},
		realClock{}, &seqIDs{}, func(crawl.Job) {},
		scheduler.Config{Account: "default"},
		zap.NewNop(),
	)
	return &testEnv{
		server: NewServer(sched, store, cfg, zap.NewNop()),
		store:  store,
		sched:  sched,
	}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_SubmitJobAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{
		"target": "https://example.com",
		"priority": "high",
		"idempotency_key": "key-1",
		"options": {"mode": "crawl", "max_pages": 5}
	}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "accepted", body["status"])
	require.NotEmpty(t, body["job_id"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	job, err := env.store.GetJob(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	require.Equal(t, crawl.PriorityHigh, job.Priority)
	require.Equal(t, crawl.ModeCrawl, job.Options.Mode)
}

func TestServer_SubmitJobDuplicate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	first := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com","idempotency_key":"key-dup"}`))
	require.Equal(t, http.StatusAccepted, first.Code)
	firstID := decode(t, first)["job_id"]

	second := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com/other","idempotency_key":"key-dup"}`))
	require.Equal(t, http.StatusOK, second.Code)
	body := decode(t, second)
	require.Equal(t, "duplicate", body["status"])
	require.Equal(t, firstID, body["job_id"])
}

func TestServer_SubmitJobValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{invalid`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":""}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "target", decode(t, rec)["field"])

	rec = env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com","priority":"asap"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "priority", decode(t, rec)["field"])
}

func TestServer_JobStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com"}`))
	jobID := decode(t, rec)["job_id"].(string)

	rec = env.do(http.MethodGet, "/v1/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, string(crawl.StatusQueued), body["status"])
	require.EqualValues(t, 0, body["attempt_count"])
	require.EqualValues(t, 3, body["max_attempts"])

	rec = env.do(http.MethodGet, "/v1/jobs/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JobResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com"}`))
	jobID := decode(t, rec)["job_id"].(string)

	// No result while the job is still pending.
	rec = env.do(http.MethodGet, "/v1/jobs/"+jobID+"/result", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Walk the job to completed and fetch the stored result.
	ctx := context.Background()
	cur := crawl.StatusQueued
	for _, next := range []crawl.Status{crawl.StatusClaimed, crawl.StatusRunning} {
		_, err := env.store.ConditionalUpdate(ctx, jobID, cur, next, crawl.Patch{})
		require.NoError(t, err)
		cur = next
	}
	result := crawl.Result{Inline: []byte(`{"pages":[{"url":"https://example.com"}]}`), PageCount: 1}
	_, err := env.store.ConditionalUpdate(ctx, jobID, cur, crawl.StatusCompleted, crawl.Patch{Result: &result})
	require.NoError(t, err)

	rec = env.do(http.MethodGet, "/v1/jobs/"+jobID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pages")
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com"}`))
	jobID := decode(t, rec)["job_id"].(string)

	rec = env.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(crawl.StatusCancelled), decode(t, rec)["status"])

	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCancelled, job.Status)

	rec = env.do(http.MethodPost, "/v1/jobs/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelFinishedJobConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com"}`))
	jobID := decode(t, rec)["job_id"].(string)

	ctx := context.Background()
	cur := crawl.StatusQueued
	for _, next := range []crawl.Status{crawl.StatusClaimed, crawl.StatusRunning, crawl.StatusCompleted} {
		_, err := env.store.ConditionalUpdate(ctx, jobID, cur, next, crawl.Patch{})
		require.NoError(t, err)
		cur = next
	}

	rec = env.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_BatchLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/batches", []byte(`{
		"jobs": [
			{"target": "https://example.com/a"},
			{"target": "https://example.com/b", "priority": "urgent"}
		]
	}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	batchID := body["batch_id"].(string)
	require.Len(t, body["jobs"], 2)

	rec = env.do(http.MethodGet, "/v1/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, string(crawl.BatchStatusPending), body["status"])
	require.Len(t, body["jobs"], 2)

	rec = env.do(http.MethodGet, "/v1/batches/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_BatchValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/batches", []byte(`{"jobs":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKeyAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "hunter2"},
	})

	rec := env.do(http.MethodPost, "/v1/jobs", []byte(`{"target":"https://example.com"}`))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"target":"https://example.com"}`))
	req.Header.Set("X-API-Key", "hunter2")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	// Probes stay open without a key.
	rec = env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
