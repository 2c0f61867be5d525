// Package remote adapts the hosted scraping provider's HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

// Config controls the provider client.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	UserAgent    string
}

// Client talks to the remote scraping provider. Work is submitted as a
// provider-side task, then polled until the task reaches a terminal state
// or the caller's context ends. The worker owns the hard timeout via ctx;
// the client never blocks past it.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Client. A nil httpClient falls back to a default with a
// conservative per-request timeout.
func New(httpClient *http.Client, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

type submitRequest struct {
	URL      string            `json:"url"`
	Mode     string            `json:"mode"`
	MaxDepth int               `json:"max_depth,omitempty"`
	MaxPages int               `json:"max_pages,omitempty"`
	RenderJS bool              `json:"render_js,omitempty"`
	Allow    []string          `json:"allow_domains,omitempty"`
	Deny     []string          `json:"deny_domains,omitempty"`
	Extras   map[string]string `json:"extras,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type taskResponse struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	PageCount int             `json:"page_count"`
	Error     *taskError      `json:"error,omitempty"`
}

type taskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit sends the target to the provider and polls until the provider
// task finishes. The returned error, if any, is a classified
// *crawl.ProviderError.
func (c *Client) Submit(ctx context.Context, target string, opts crawl.Options) (crawl.Result, error) {
	taskID, err := c.submitTask(ctx, target, opts)
	if err != nil {
		return crawl.Result{}, err
	}
	c.logger.Debug("provider task submitted",
		zap.String("task_id", taskID),
		zap.String("target", target),
	)
	return c.pollTask(ctx, taskID)
}

func (c *Client) submitTask(ctx context.Context, target string, opts crawl.Options) (string, error) {
	body, err := json.Marshal(submitRequest{
		URL:      target,
		Mode:     string(opts.Mode),
		MaxDepth: opts.MaxDepth,
		MaxPages: opts.MaxPages,
		RenderJS: opts.RenderJS,
		Allow:    opts.AllowDomains,
		Deny:     opts.DenyDomains,
		Extras:   opts.ProviderExtras,
	})
	if err != nil {
		return "", &crawl.ProviderError{Kind: crawl.ErrorKindPermanent, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", &crawl.ProviderError{Kind: crawl.ErrorKindPermanent, Message: err.Error()}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &crawl.ProviderError{Kind: crawl.Classify(err), Message: err.Error()}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", providerErrorFromResponse(resp)
	}
	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &crawl.ProviderError{Kind: crawl.ErrorKindTransient, Message: fmt.Sprintf("decode submit response: %v", err)}
	}
	if sr.TaskID == "" {
		return "", &crawl.ProviderError{Kind: crawl.ErrorKindTransient, Message: "provider returned empty task id"}
	}
	return sr.TaskID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string) (crawl.Result, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, err := c.getTask(ctx, taskID)
		if err != nil {
			return crawl.Result{}, err
		}
		switch task.Status {
		case "completed":
			return crawl.Result{
				Inline:      []byte(task.Data),
				ContentType: "application/json",
				PageCount:   task.PageCount,
				FetchedAt:   time.Now().UTC(),
			}, nil
		case "failed":
			return crawl.Result{}, taskFailure(task)
		}
		select {
		case <-ctx.Done():
			return crawl.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getTask(ctx context.Context, taskID string) (taskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return taskResponse{}, &crawl.ProviderError{Kind: crawl.ErrorKindPermanent, Message: err.Error()}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return taskResponse{}, &crawl.ProviderError{Kind: crawl.Classify(err), Message: err.Error()}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return taskResponse{}, providerErrorFromResponse(resp)
	}
	var task taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return taskResponse{}, &crawl.ProviderError{Kind: crawl.ErrorKindTransient, Message: fmt.Sprintf("decode task response: %v", err)}
	}
	return task, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
}

func providerErrorFromResponse(resp *http.Response) error {
	msg := resp.Status
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(body) > 0 {
		msg = string(body)
	}
	return &crawl.ProviderError{
		Kind:       crawl.ClassifyStatusCode(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// taskFailure maps a provider-reported task failure to an error kind. The
// provider reports codes, not HTTP statuses, at this level.
func taskFailure(task taskResponse) error {
	kind := crawl.ErrorKindTransient
	msg := "task failed"
	if task.Error != nil {
		msg = task.Error.Message
		switch task.Error.Code {
		case "rate_limited":
			kind = crawl.ErrorKindRateLimited
		case "quota_exhausted":
			kind = crawl.ErrorKindQuotaExhausted
		case "not_found", "blocked", "invalid_target":
			kind = crawl.ErrorKindPermanent
		}
	}
	return &crawl.ProviderError{Kind: kind, Message: msg}
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
