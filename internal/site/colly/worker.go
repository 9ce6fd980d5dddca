// Package collyworker implements a site worker for server-rendered result
// pages using gocolly.
package collyworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/politeness"
	"github.com/JakeFAU/jobsweep/internal/site"
	"github.com/JakeFAU/jobsweep/internal/site/extract"
)

const (
	defaultPageSize = 25
	defaultTimeout  = 15 * time.Second
)

// Config describes one static-HTML site.
type Config struct {
	Name          string
	SearchURL     string
	PageSize      int
	Selectors     extract.Selectors
	UserAgent     string
	Headers       map[string]string
	RespectRobots bool
	Timeout       time.Duration
	// Transport is shared by every worker of the site so connections are
	// pooled across tasks. Nil gives the worker a private transport.
	Transport *Transport
}

// Validate checks the site definition.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !strings.HasPrefix(c.SearchURL, "http://") && !strings.HasPrefix(c.SearchURL, "https://") {
		errs = append(errs, fmt.Errorf("search_url must be an http(s) URL, got %q", c.SearchURL))
	}
	if err := c.Selectors.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Worker scrapes one site. It is not safe for concurrent use.
type Worker struct {
	cfg       Config
	pacer     *politeness.Pacer
	transport http.RoundTripper
	logger    *zap.Logger
	counters  site.Counters
}

// New builds a Worker. A nil pacer disables pacing.
func New(cfg Config, pacer *politeness.Pacer, logger *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("colly site %q: %w", cfg.Name, err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(cfg.RespectRobots)
	}
	return &Worker{
		cfg:       cfg,
		pacer:     pacer,
		transport: cfg.Transport,
		logger:    logger.With(zap.String("site", cfg.Name)),
	}, nil
}

// Reset clears counters before an attempt.
func (w *Worker) Reset() {
	w.counters.Reset()
}

// PageSize reports how many listings one result page holds.
func (w *Worker) PageSize() int {
	return w.cfg.PageSize
}

// Stats returns counters for the last attempt.
func (w *Worker) Stats() harvest.Stats {
	return w.counters.Stats()
}

// ScrapeJobs walks up to maxPages result pages. It stops early on an empty
// page. A failure on the first page fails the attempt; a later failure ends
// pagination and keeps what was collected.
func (w *Worker) ScrapeJobs(ctx context.Context, query, location string, maxPages int) ([]harvest.Item, error) {
	start := time.Now()
	defer func() { w.counters.Finish(time.Since(start)) }()

	if maxPages < 1 {
		maxPages = 1
	}
	var items []harvest.Item
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scrape %s: %w", w.cfg.Name, err)
		}
		if err := w.pacer.Wait(ctx, w.cfg.Name); err != nil {
			return nil, err
		}
		pageURL := site.SearchURL(w.cfg.SearchURL, query, location, page, w.cfg.PageSize)
		pageItems, err := w.fetchPage(ctx, pageURL)
		if err != nil {
			w.counters.Error(err)
			if page == 1 || ctx.Err() != nil {
				return nil, fmt.Errorf("fetch page %d: %w", page, err)
			}
			w.logger.Warn("pagination stopped", zap.Int("page", page), zap.Error(err))
			break
		}
		w.counters.Page(len(pageItems))
		if len(pageItems) == 0 {
			break
		}
		items = append(items, pageItems...)
	}
	return items, nil
}

func (w *Worker) fetchPage(ctx context.Context, pageURL string) ([]harvest.Item, error) {
	var (
		mu       sync.Mutex
		items    []harvest.Item
		fetchErr error
	)
	collector := w.buildCollector(ctx)
	collector.OnRequest(func(r *colly.Request) {
		w.counters.Request()
		for key, value := range w.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		found := extract.Items(e.DOM, e.Request.URL, w.cfg.Name, w.cfg.Selectors)
		mu.Lock()
		items = append(items, found...)
		mu.Unlock()
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := w.runCollector(ctx, collector, pageURL); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return nil, fmt.Errorf("colly response failed: %w", fetchErr)
	}
	return items, nil
}

func (w *Worker) buildCollector(ctx context.Context) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.StdlibContext(ctx),
	)
	if w.cfg.UserAgent != "" {
		collector.UserAgent = w.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !w.cfg.RespectRobots
	collector.WithTransport(w.transport)
	collector.SetRequestTimeout(w.cfg.Timeout)
	return collector
}

func (w *Worker) runCollector(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// Transport is the HTTP client transport of one site. It wraps a pooled
// http.Transport, adding robots.txt fallback when the site respects robots.
type Transport struct {
	rt   http.RoundTripper
	pool *http.Transport
}

// NewTransport builds a site transport.
func NewTransport(respectRobots bool) *Transport {
	pool := newHTTPTransport()
	t := &Transport{rt: pool, pool: pool}
	if respectRobots {
		t.rt = newRobotsAwareTransport(pool)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

// CloseIdleConnections drops pooled keep-alive connections.
func (t *Transport) CloseIdleConnections() {
	t.pool.CloseIdleConnections()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
