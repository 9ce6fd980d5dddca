package collyworker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobsweep/internal/site/extract"
)

func listingPage(page, count int) string {
	body := `<html><body><div id="results">`
	for i := 0; i < count; i++ {
		body += fmt.Sprintf(`<div class="card"><a class="title" href="/job/%d-%d">Job %d-%d</a><span class="co">Co %d</span></div>`,
			page, i, page, i, i)
	}
	return body + `</div></body></html>`
}

func newSiteServer(t *testing.T, pages map[int]int, ua *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua != nil {
			ua.Store(r.UserAgent())
		}
		if r.URL.Query().Get("q") == "fail" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage(page, pages[page])))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) Config {
	return Config{
		Name:      "static",
		SearchURL: baseURL + "/search?q={query}&l={location}&page={page}",
		PageSize:  2,
		Selectors: extract.Selectors{Listing: ".card", Title: ".title", Company: ".co"},
		UserAgent: "jobsweep-test",
		Timeout:   2 * time.Second,
	}
}

func TestWorkerPaginatesUntilEmptyPage(t *testing.T) {
	t.Parallel()

	var ua atomic.Value
	srv := newSiteServer(t, map[int]int{1: 2, 2: 2}, &ua)
	w, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	w.Reset()
	items, err := w.ScrapeJobs(context.Background(), "go", "remote", 5)
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, "Job 1-0", items[0].Title)
	require.Equal(t, "Co 0", items[0].Company)
	require.Equal(t, srv.URL+"/job/1-0", items[0].URL)
	require.Equal(t, "static", items[0].Site)
	require.Equal(t, "Job 2-1", items[3].Title)
	require.Equal(t, "jobsweep-test", ua.Load())

	stats := w.Stats()
	require.Equal(t, 3, stats["pages_visited"])
	require.Equal(t, 3, stats["requests"])
	require.Equal(t, 4, stats["items_found"])
	require.Equal(t, 2, w.PageSize())
}

func TestWorkerRespectsPageBudget(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, map[int]int{1: 2, 2: 2, 3: 2}, nil)
	w, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	items, err := w.ScrapeJobs(context.Background(), "go", "", 2)
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, 2, w.Stats()["pages_visited"])
}

func TestWorkerFailsOnFirstPageError(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, nil, nil)
	w, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	_, err = w.ScrapeJobs(context.Background(), "fail", "", 3)
	require.Error(t, err)
	require.Equal(t, 1, w.Stats()["errors"])

	w.Reset()
	require.Equal(t, 0, w.Stats()["errors"])
}

func TestWorkerHonoursCancellation(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, map[int]int{1: 2}, nil)
	w, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.ScrapeJobs(ctx, "go", "", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Name: "bad", SearchURL: "ftp://nope"}, nil, nil)
	require.ErrorContains(t, err, "search_url")
	require.ErrorContains(t, err, "listing selector is required")
}

func TestWorkerRespectsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /search"))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage(1, 1)))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.RespectRobots = true
	w, err := New(cfg, nil, nil)
	require.NoError(t, err)
	_, ok := w.cfg.Transport.rt.(*robotsAwareTransport)
	require.True(t, ok)

	w.Reset()
	_, err = w.ScrapeJobs(context.Background(), "go", "", 1)
	require.Error(t, err)
	require.Equal(t, 1, w.Stats()["errors"])
}

func TestWorkersShareSiteTransport(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage(1, 1)))
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Transport = NewTransport(false)
	t.Cleanup(cfg.Transport.CloseIdleConnections)

	for i := 0; i < 3; i++ {
		w, err := New(cfg, nil, nil)
		require.NoError(t, err)
		require.Same(t, cfg.Transport, w.transport)
		items, err := w.ScrapeJobs(context.Background(), "go", "", 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
	}
	require.Equal(t, int32(1), conns.Load(), "keep-alive connection reused across workers")

	private, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)
	require.NotSame(t, cfg.Transport, private.transport)
}
