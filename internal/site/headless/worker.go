// Package headless implements a site worker for JavaScript-rendered result
// pages using chromedp and headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/politeness"
	"github.com/JakeFAU/jobsweep/internal/site"
	"github.com/JakeFAU/jobsweep/internal/site/extract"
)

const (
	defaultPageSize          = 25
	defaultNavigationTimeout = 45 * time.Second
	defaultViewportWidth     = 1366
	defaultViewportHeight    = 900
)

// Config describes one JavaScript-rendered site.
type Config struct {
	Name      string
	SearchURL string
	PageSize  int
	Selectors extract.Selectors
	// WaitSelector must be visible before the DOM is captured. Defaults to
	// the listing selector.
	WaitSelector      string
	UserAgent         string
	Headers           map[string]string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath       string
	ViewportWidth  int64
	ViewportHeight int64
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

// Worker drives one browser per attempt. It is not safe for concurrent use.
type Worker struct {
	cfg      Config
	pacer    *politeness.Pacer
	logger   *zap.Logger
	counters site.Counters
}

// New builds a Worker, applying defaults.
func New(cfg Config, pacer *politeness.Pacer, logger *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("headless site %q: %w", cfg.Name, err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = cfg.Selectors.Listing
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, pacer: pacer, logger: logger.With(zap.String("site", cfg.Name))}, nil
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

// ScrapeJobs renders up to maxPages result pages. The browser lives in a
// context derived from ctx, so cancellation tears it down.
func (w *Worker) ScrapeJobs(ctx context.Context, query, location string, maxPages int) ([]harvest.Item, error) {
	start := time.Now()
	defer func() { w.counters.Finish(time.Since(start)) }()

	if maxPages < 1 {
		maxPages = 1
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, w.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// Start the browser on the long-lived context; per-page timeouts below
	// must not own it.
	if err := chromedp.Run(browserCtx, w.setupAction()); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	var items []harvest.Item
	for page := 1; page <= maxPages; page++ {
		if err := w.pacer.Wait(ctx, w.cfg.Name); err != nil {
			return nil, err
		}
		pageURL := site.SearchURL(w.cfg.SearchURL, query, location, page, w.cfg.PageSize)
		pageItems, err := w.renderPage(browserCtx, pageURL)
		if err != nil {
			w.counters.Error(err)
			if page == 1 || ctx.Err() != nil {
				return nil, fmt.Errorf("render page %d: %w", page, err)
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

func (w *Worker) renderPage(browserCtx context.Context, pageURL string) ([]harvest.Item, error) {
	pageCtx, cancel := context.WithTimeout(browserCtx, w.cfg.NavigationTimeout)
	defer cancel()

	w.counters.Request()
	var (
		html     string
		finalURL string
	)
	err := chromedp.Run(pageCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(w.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return w.parse(html, finalURL, pageURL)
}

func (w *Worker) parse(html, finalURL, pageURL string) ([]harvest.Item, error) {
	doc, err := extract.Parse(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	raw := finalURL
	if raw == "" {
		raw = pageURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		base = nil
	}
	return extract.Items(doc.Selection, base, w.cfg.Name, w.cfg.Selectors), nil
}

func (w *Worker) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(w.cfg.ViewportWidth), int(w.cfg.ViewportHeight)),
	)
	if w.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(w.cfg.ExecPath))
	}
	return opts
}

func (w *Worker) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if w.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(w.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(w.cfg.ViewportWidth, w.cfg.ViewportHeight, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if len(w.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(w.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
