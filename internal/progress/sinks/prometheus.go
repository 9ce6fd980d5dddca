package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobsweep/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-site outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runDuration   prometheus.Histogram

	siteOutcomes   *prometheus.CounterVec
	attemptsFailed *prometheus.CounterVec
	itemsCollected *prometheus.CounterVec
	siteDuration   *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsweep_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsweep_runs_completed_total",
			Help: "Total runs that produced a report.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobsweep_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobsweep_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		siteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsweep_site_outcomes_total",
			Help: "Terminal site outcomes partitioned by site and result.",
		}, []string{"site", "result"}),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsweep_site_attempts_failed_total",
			Help: "Failed scrape attempts per site.",
		}, []string{"site"}),
		itemsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsweep_items_collected_total",
			Help: "Job listings collected per site.",
		}, []string{"site"}),
		siteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobsweep_site_duration_seconds",
			Help:    "Site scrape duration partitioned by site and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"site", "result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.siteOutcomes,
		s.attemptsFailed,
		s.itemsCollected,
		s.siteDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone:
		s.handleRunEvent(evt)
	case progress.StageAttemptFailed:
		s.attemptsFailed.WithLabelValues(siteLabel(evt.Site)).Inc()
	case progress.StageSiteDone, progress.StageSiteFailed, progress.StageSiteTimeout, progress.StageSiteSkipped:
		s.handleSiteOutcome(evt)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) handleSiteOutcome(evt progress.Event) {
	site := siteLabel(evt.Site)
	result := resultLabel(evt.Stage)
	s.siteOutcomes.WithLabelValues(site, result).Inc()
	if evt.Items > 0 {
		s.itemsCollected.WithLabelValues(site).Add(float64(evt.Items))
	}
	if evt.Dur > 0 {
		s.siteDuration.WithLabelValues(site, result).Observe(evt.Dur.Seconds())
	}
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageSiteDone:
		return "success"
	case progress.StageSiteSkipped:
		return "skipped"
	case progress.StageSiteTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
