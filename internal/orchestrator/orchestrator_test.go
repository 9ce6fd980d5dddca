package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobsweep/internal/breaker"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/limiter"
	"github.com/JakeFAU/jobsweep/internal/progress"
	"github.com/JakeFAU/jobsweep/internal/retry"
	"github.com/JakeFAU/jobsweep/internal/site"
)

// fakeWorker is driven by a per-site script shared across the workers the
// factory builds, so attempt counts survive the per-task rebuild.
type fakeWorker struct {
	script *script
}

type script struct {
	site     string
	items    int
	failures atomic.Int32 // remaining attempts that fail
	calls    atomic.Int32
	delay    time.Duration
	// ignoreCtx makes the worker sleep through cancellation.
	ignoreCtx bool
	release   chan struct{}

	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (w *fakeWorker) Reset() {}

func (w *fakeWorker) ScrapeJobs(ctx context.Context, _, _ string, _ int) ([]harvest.Item, error) {
	s := w.script
	s.calls.Add(1)
	if s.inFlight != nil {
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if s.release != nil {
		<-s.release
	}
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%s unavailable", s.site)
	}
	out := make([]harvest.Item, s.items)
	for i := range out {
		out[i] = harvest.Item{Site: s.site, Title: fmt.Sprintf("%s-%d", s.site, i)}
	}
	return out, nil
}

func (w *fakeWorker) Stats() harvest.Stats {
	return harvest.Stats{"calls": int(w.script.calls.Load())}
}

type harness struct {
	sites    *site.Registry
	breakers *breaker.Registry
	limiter  *limiter.Limiter
	events   *recordingEmitter
	orch     *Orchestrator
	scripts  map[string]*script
}

type harnessConfig struct {
	concurrency   int
	maxRetries    int
	threshold     int
	globalTimeout time.Duration
	onStateChange func(site string, from, to breaker.State)
}

func newHarness(t *testing.T, cfg harnessConfig, scripts ...*script) *harness {
	t.Helper()

	h := &harness{
		sites:    site.NewRegistry(),
		breakers: breaker.New(breaker.Config{
			Threshold:     cfg.threshold,
			ResetTimeout:  time.Hour,
			OnStateChange: cfg.onStateChange,
		}),
		limiter:  limiter.New(cfg.concurrency, nil),
		events:   &recordingEmitter{},
		scripts:  make(map[string]*script),
	}
	for _, s := range scripts {
		s := s
		h.scripts[s.site] = s
		require.NoError(t, h.sites.Register(s.site, func() (harvest.Worker, error) {
			return &fakeWorker{script: s}, nil
		}))
	}
	exec := retry.New(retry.Config{
		MaxRetries: cfg.maxRetries,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	}, h.breakers, h.events, nil)
	h.orch = New(Config{GlobalTimeout: cfg.globalTimeout}, h.sites, h.breakers, h.limiter, exec, h.events, nil)
	return h
}

func newScript(name string, items, failures int) *script {
	s := &script{site: name, items: items}
	s.failures.Store(int32(failures))
	return s
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages(site string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.Site == site {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func TestRunScenarioCircuitOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 3, maxRetries: 0, threshold: 3},
		newScript("x", 1, 100),
		newScript("y", 2, 0),
	)

	for i := 0; i < 3; i++ {
		report, err := h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"x"}})
		require.NoError(t, err)
		require.Equal(t, harvest.ReasonPersistent, report.PerSite["x"].Failure.Reason)
	}
	snap, ok := h.breakers.Snapshot("x")
	require.True(t, ok)
	require.Equal(t, breaker.StateOpen, snap.State)

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"x", "y"}})
	require.NoError(t, err)
	x := report.PerSite["x"]
	require.False(t, x.Succeeded())
	require.Zero(t, x.Attempts)
	require.Equal(t, harvest.ReasonCircuitOpen, x.Failure.Reason)
	require.Contains(t, x.ErrorMessage(), "circuit open")
	require.True(t, report.PerSite["y"].Succeeded())
	require.Equal(t, int32(3), h.scripts["x"].calls.Load())

	report, err = h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"x"}})
	require.ErrorIs(t, err, harvest.ErrNoSitesAvailable)
	require.True(t, IsFatal(err))
	require.Zero(t, report.PerSite["x"].Attempts)
	require.Equal(t, 1, report.SitesFailed)
}

func TestRunScenarioAllSucceedUnderConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	scripts := make([]*script, 0, 5)
	want := 0
	for i := 1; i <= 5; i++ {
		s := newScript(fmt.Sprintf("site%d", i), i*3, 0)
		s.delay = 20 * time.Millisecond
		s.inFlight = &inFlight
		s.peak = &peak
		scripts = append(scripts, s)
		want += i * 3
	}
	h := newHarness(t, harnessConfig{concurrency: 2, maxRetries: 2, threshold: 3}, scripts...)

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)

	require.Equal(t, 5, report.SitesSucceeded)
	require.Zero(t, report.SitesFailed)
	require.Equal(t, want, report.TotalItems)
	require.Len(t, report.PerSite, 5)
	require.Len(t, report.Items(), want)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.NotEmpty(t, report.RunID)
	require.False(t, report.FinishedAt.Before(report.StartedAt))
	for _, s := range scripts {
		require.Equal(t, 1, report.PerSite[s.site].Attempts)
	}
	require.Zero(t, h.limiter.InUse())
}

func TestRunScenarioRetryThenSuccessKeepsCircuitClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 3, maxRetries: 2, threshold: 3},
		newScript("flaky", 4, 2),
	)

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"flaky"}})
	require.NoError(t, err)

	outcome := report.PerSite["flaky"]
	require.True(t, outcome.Succeeded())
	require.Equal(t, 3, outcome.Attempts)
	require.Len(t, outcome.Items, 4)

	snap, _ := h.breakers.Snapshot("flaky")
	require.Equal(t, breaker.StateClosed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
	require.Equal(t, 1, snap.SuccessCount)

	require.Equal(t, []progress.Stage{
		progress.StageSiteStart,
		progress.StageAttemptFailed,
		progress.StageAttemptFailed,
		progress.StageSiteDone,
	}, h.events.Stages("flaky"))
}

func TestRunScenarioGlobalTimeoutLeavesBreaker(t *testing.T) {
	t.Parallel()

	slow := newScript("slow", 1, 0)
	slow.delay = 5 * time.Second
	fast := newScript("fast", 2, 0)
	h := newHarness(t, harnessConfig{concurrency: 3, maxRetries: 2, threshold: 3, globalTimeout: 100 * time.Millisecond},
		slow, fast,
	)
	h.breakers.RecordFailure("slow")

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)

	outcome := report.PerSite["slow"]
	require.False(t, outcome.Succeeded())
	require.Equal(t, "global timeout", outcome.ErrorMessage())
	require.Equal(t, harvest.ReasonTimeout, outcome.Failure.Reason)
	require.True(t, report.PerSite["fast"].Succeeded())
	require.Equal(t, 1, report.SitesSucceeded)
	require.Equal(t, 1, report.SitesFailed)

	snap, _ := h.breakers.Snapshot("slow")
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.Equal(t, breaker.StateClosed, snap.State)
}

func TestRunReturnsAtDeadlineWhenWorkerIgnoresCancellation(t *testing.T) {
	t.Parallel()

	stuck := newScript("stuck", 1, 0)
	stuck.delay = 2 * time.Second
	stuck.ignoreCtx = true
	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3, globalTimeout: 50 * time.Millisecond}, stuck)

	start := time.Now()
	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, "global timeout", report.PerSite["stuck"].ErrorMessage())

	// The detached worker finishes later without touching the breaker.
	require.Eventually(t, func() bool { return h.limiter.InUse() == 0 }, 5*time.Second, 20*time.Millisecond)
	snap, _ := h.breakers.Snapshot("stuck")
	require.Zero(t, snap.ConsecutiveFailures)
	require.Zero(t, snap.SuccessCount)
}

func TestRunDeadlineDuringBreakerUpdateKeepsOutcomeConsistent(t *testing.T) {
	t.Parallel()

	// The failure lands at 40ms, the hook holds the executor past the 60ms
	// deadline, so the outcome is still in flight when the run seals.
	flaky := newScript("flaky", 0, 1)
	flaky.delay = 40 * time.Millisecond
	h := newHarness(t, harnessConfig{
		concurrency:   1,
		threshold:     1,
		globalTimeout: 60 * time.Millisecond,
		onStateChange: func(string, breaker.State, breaker.State) {
			time.Sleep(100 * time.Millisecond)
		},
	}, flaky)

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)

	outcome := report.PerSite["flaky"]
	require.NotNil(t, outcome.Failure)
	require.Equal(t, harvest.ReasonPersistent, outcome.Failure.Reason)
	require.Equal(t, "flaky unavailable", outcome.ErrorMessage())

	snap, _ := h.breakers.Snapshot("flaky")
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.Equal(t, breaker.StateOpen, snap.State)
}

func TestRunGateRefusesUpdatesAfterSeal(t *testing.T) {
	t.Parallel()

	breakers := breaker.New(breaker.Config{Threshold: 1, ResetTimeout: time.Hour})
	gate := newRunGate(breakers)
	gate.RecordSuccess("early")

	recorded := gate.seal()
	require.Contains(t, recorded, "early")

	gate.RecordFailure("late")
	gate.RecordSuccess("late")
	require.NotContains(t, gate.seal(), "late")
	snap, _ := breakers.Snapshot("late")
	require.Zero(t, snap.ConsecutiveFailures)
	require.Zero(t, snap.SuccessCount)
	require.Equal(t, breaker.StateClosed, snap.State)

	early, _ := breakers.Snapshot("early")
	require.Equal(t, 1, early.SuccessCount)
}

func TestRunQueuedSiteTimesOutWaitingForPermit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	a := newScript("a", 1, 0)
	a.release = release
	b := newScript("b", 1, 0)
	b.release = release
	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3, globalTimeout: 50 * time.Millisecond}, a, b)

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, report.SitesFailed)
	for _, name := range []string{"a", "b"} {
		require.Equal(t, harvest.ReasonTimeout, report.PerSite[name].Failure.Reason)
	}
}

func TestRunParentCancellation(t *testing.T) {
	t.Parallel()

	slow := newScript("slow", 1, 0)
	slow.delay = 5 * time.Second
	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	report, err := h.orch.Run(ctx, harvest.RunRequest{})
	require.NoError(t, err)
	require.Equal(t, "run canceled", report.PerSite["slow"].ErrorMessage())
}

func TestRunUnknownSiteIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3}, newScript("a", 1, 0))

	_, err := h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"a", "nope"}})
	require.ErrorIs(t, err, harvest.ErrUnknownSite)
	require.Contains(t, err.Error(), "nope")
	require.True(t, IsFatal(err))
	require.Zero(t, h.scripts["a"].calls.Load(), "no task starts on a configuration error")
}

func TestRunWithoutRegisteredSites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3})
	_, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.ErrorIs(t, err, harvest.ErrNoSitesRegistered)
}

func TestRunCollapsesDuplicateSites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 2, threshold: 3}, newScript("a", 2, 0), newScript("b", 1, 0))

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{Sites: []string{"a", " a ", "", "a"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, report.SitesRequested)
	require.Len(t, report.PerSite, 1)
	require.Equal(t, int32(1), h.scripts["a"].calls.Load())
	require.Zero(t, h.scripts["b"].calls.Load())
}

func TestRunWorkerFactoryFailureCountsAgainstBreaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 1})
	require.NoError(t, h.sites.Register("broken", func() (harvest.Worker, error) {
		return nil, errors.New("chrome not found")
	}))

	report, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)
	outcome := report.PerSite["broken"]
	require.Equal(t, harvest.ReasonPersistent, outcome.Failure.Reason)
	require.Contains(t, outcome.ErrorMessage(), "chrome not found")

	snap, _ := h.breakers.Snapshot("broken")
	require.Equal(t, breaker.StateOpen, snap.State)
}

func TestRunEmitsRunEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{concurrency: 1, threshold: 3}, newScript("a", 1, 0))
	_, err := h.orch.Run(context.Background(), harvest.RunRequest{})
	require.NoError(t, err)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.NotEmpty(t, h.events.events)
	require.Equal(t, progress.StageRunStart, h.events.events[0].Stage)
	require.Equal(t, progress.StageRunDone, h.events.events[len(h.events.events)-1].Stage)
	for _, evt := range h.events.events {
		require.NoError(t, evt.Validate())
	}
}
