package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(srv.Client(), Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestClient_SubmitPollsToCompletion(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://example.com", req.URL)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: "t-1"})
	})
	mux.HandleFunc("GET /v1/tasks/t-1", func(w http.ResponseWriter, _ *http.Request) {
		status := "processing"
		var data json.RawMessage
		if polls.Add(1) >= 3 {
			status = "completed"
			data = json.RawMessage(`{"pages":[{"url":"https://example.com"}]}`)
		}
		_ = json.NewEncoder(w).Encode(taskResponse{
			TaskID: "t-1", Status: status, Data: data, PageCount: 1,
		})
	})

	client := newTestClient(t, mux)
	result, err := client.Submit(context.Background(), "https://example.com", crawl.Options{Mode: crawl.ModeScrape})
	require.NoError(t, err)
	require.JSONEq(t, `{"pages":[{"url":"https://example.com"}]}`, string(result.Inline))
	require.Equal(t, 1, result.PageCount)
	require.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestClient_SubmitClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   crawl.ErrorKind
	}{
		{http.StatusTooManyRequests, crawl.ErrorKindRateLimited},
		{http.StatusPaymentRequired, crawl.ErrorKindQuotaExhausted},
		{http.StatusNotFound, crawl.ErrorKindPermanent},
		{http.StatusServiceUnavailable, crawl.ErrorKindTransient},
	}
	for _, tc := range cases {
		handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		client := newTestClient(t, handler)
		_, err := client.Submit(context.Background(), "https://example.com", crawl.Options{})
		var perr *crawl.ProviderError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, tc.kind, perr.Kind, "status %d", tc.status)
		require.Equal(t, tc.status, perr.StatusCode)
	}
}

func TestClient_TaskFailureCodes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: "t-9"})
	})
	mux.HandleFunc("GET /v1/tasks/t-9", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResponse{
			TaskID: "t-9",
			Status: "failed",
			Error:  &taskError{Code: "invalid_target", Message: "target returned 404"},
		})
	})

	client := newTestClient(t, mux)
	_, err := client.Submit(context.Background(), "https://example.com/missing", crawl.Options{})
	var perr *crawl.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, crawl.ErrorKindPermanent, perr.Kind)
}

func TestClient_PollRespectsContext(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: "t-2"})
	})
	mux.HandleFunc("GET /v1/tasks/t-2", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResponse{TaskID: "t-2", Status: "processing"})
	})

	client := newTestClient(t, mux)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, "https://example.com", crawl.Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
