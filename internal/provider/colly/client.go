// Package colly implements a local CrawlClient that fetches targets
// directly instead of calling the hosted provider. Intended for
// development and integration tests; it honors the same classification
// contract as the remote adapter.
package colly

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

// Config controls the local fetching client.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	Parallelism    int
}

// Client fetches crawl targets with a Colly collector and packages the
// pages into the same Result shape the remote provider returns.
type Client struct {
	base   *colly.Collector
	cfg    Config
	logger *zap.Logger
}

type page struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

type payload struct {
	Pages []page `json:"pages"`
}

// New constructs a local Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.SetRequestTimeout(cfg.RequestTimeout)
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, err
	}
	return &Client{base: base, cfg: cfg, logger: logger}, nil
}

// Submit fetches the target (and, in crawl mode, linked pages up to the
// page budget) and returns the collected pages as an inline JSON result.
func (c *Client) Submit(ctx context.Context, target string, opts crawl.Options) (crawl.Result, error) {
	collector := c.base.Clone()

	maxPages := opts.MaxPages
	if opts.Mode != crawl.ModeCrawl || maxPages <= 0 {
		maxPages = 1
	}
	if opts.Mode == crawl.ModeCrawl && opts.MaxDepth > 0 {
		collector.MaxDepth = opts.MaxDepth
	}
	if len(opts.AllowDomains) > 0 {
		collector.AllowedDomains = opts.AllowDomains
	}
	collector.DisallowedDomains = opts.DenyDomains

	var (
		mu      sync.Mutex
		pages   []page
		lastErr error
	)

	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		if len(pages) >= maxPages {
			return
		}
		pages = append(pages, page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       string(r.Body),
		})
	})
	if opts.Mode == crawl.ModeCrawl {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			mu.Lock()
			full := len(pages) >= maxPages
			mu.Unlock()
			if full {
				return
			}
			if err := e.Request.Visit(e.Attr("href")); err != nil {
				c.logger.Debug("skip link", zap.String("href", e.Attr("href")), zap.Error(err))
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil && r.StatusCode > 0 {
			lastErr = &crawl.ProviderError{
				Kind:       crawl.ClassifyStatusCode(r.StatusCode),
				StatusCode: r.StatusCode,
				Message:    err.Error(),
			}
			return
		}
		lastErr = &crawl.ProviderError{Kind: crawl.Classify(err), Message: err.Error()}
	})

	if err := collector.Visit(target); err != nil {
		return crawl.Result{}, &crawl.ProviderError{Kind: crawl.ErrorKindPermanent, Message: err.Error()}
	}

	done := make(chan struct{})
	go func() {
		collector.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return crawl.Result{}, ctx.Err()
	case <-done:
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pages) == 0 {
		if lastErr != nil {
			return crawl.Result{}, lastErr
		}
		return crawl.Result{}, &crawl.ProviderError{Kind: crawl.ErrorKindTransient, Message: "no pages fetched"}
	}
	data, err := json.Marshal(payload{Pages: pages})
	if err != nil {
		return crawl.Result{}, &crawl.ProviderError{Kind: crawl.ErrorKindPermanent, Message: err.Error()}
	}
	return crawl.Result{
		Inline:      data,
		ContentType: "application/json",
		PageCount:   len(pages),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

var _ crawl.Client = (*Client)(nil)
