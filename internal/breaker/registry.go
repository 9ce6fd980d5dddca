package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/clock/system"
	"github.com/JakeFAU/jobsweep/internal/harvest"
)

const (
	defaultThreshold    = 3
	defaultResetTimeout = time.Minute
)

// Config controls breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// ResetTimeout is how long an open circuit waits before allowing a probe.
	ResetTimeout time.Duration
	// Clock defaults to the system clock.
	Clock harvest.Clock
	// OnStateChange is invoked after every transition, outside the entry lock.
	OnStateChange func(site string, from, to State)
	Logger        *zap.Logger
}

// Registry owns the breaker state of every site. Entries are created lazily
// and kept for the life of the process so learned health carries across runs.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	successCount        int
	lastFailure         time.Time
}

// New constructs a Registry, applying defaults for unset fields.
func New(cfg Config) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Threshold returns the configured failure threshold.
func (r *Registry) Threshold() int {
	return r.cfg.Threshold
}

// ResetTimeout returns the configured cooldown.
func (r *Registry) ResetTimeout() time.Duration {
	return r.cfg.ResetTimeout
}

// Register makes sure site has an entry. It is idempotent.
func (r *Registry) Register(site string) {
	r.entry(site)
}

// CanExecute reports whether site may be attempted. An open circuit whose
// cooldown has elapsed moves to half-open as part of this call.
func (r *Registry) CanExecute(site string) bool {
	e := r.entry(site)

	e.mu.Lock()
	allowed, from, to := r.canExecuteLocked(e)
	e.mu.Unlock()

	if from != to {
		r.notify(site, from, to)
	}
	return allowed
}

func (r *Registry) canExecuteLocked(e *entry) (allowed bool, from, to State) {
	from = e.state
	switch e.state {
	case StateClosed, StateHalfOpen:
		return true, from, from
	case StateOpen:
		if r.cfg.Clock.Now().Sub(e.lastFailure) >= r.cfg.ResetTimeout {
			e.state = StateHalfOpen
			return true, from, StateHalfOpen
		}
		return false, from, from
	default:
		return false, from, from
	}
}

// RetryAfter returns the remaining cooldown for an open circuit, or 0.
func (r *Registry) RetryAfter(site string) time.Duration {
	e := r.entry(site)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return 0
	}
	remaining := r.cfg.ResetTimeout - r.cfg.Clock.Now().Sub(e.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess registers a successful task. A half-open probe that succeeds
// closes the circuit with all counters cleared. A success landing on an open
// circuit (a task admitted before it opened) only bumps the success count.
func (r *Registry) RecordSuccess(site string) {
	e := r.entry(site)

	e.mu.Lock()
	from := e.state
	e.successCount++
	switch e.state {
	case StateHalfOpen:
		e.state = StateClosed
		e.consecutiveFailures = 0
		e.successCount = 0
	case StateClosed:
		e.consecutiveFailures = 0
	}
	to := e.state
	e.mu.Unlock()

	if from != to {
		r.notify(site, from, to)
	}
}

// RecordFailure registers a task whose retries were exhausted.
func (r *Registry) RecordFailure(site string) {
	e := r.entry(site)

	e.mu.Lock()
	from := e.state
	e.consecutiveFailures++
	e.lastFailure = r.cfg.Clock.Now()
	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
	case StateClosed:
		if e.consecutiveFailures >= r.cfg.Threshold {
			e.state = StateOpen
		}
	}
	to := e.state
	e.mu.Unlock()

	if from != to {
		r.notify(site, from, to)
	}
}

// Snapshot returns a copy of site's breaker, if the site has been seen.
func (r *Registry) Snapshot(site string) (Snapshot, bool) {
	r.mu.Lock()
	e, ok := r.entries[site]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(site), true
}

// Snapshots returns copies of every known breaker ordered by site.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	sites := make([]string, 0, len(r.entries))
	entries := make(map[string]*entry, len(r.entries))
	for site, e := range r.entries {
		sites = append(sites, site)
		entries[site] = e
	}
	r.mu.Unlock()

	sort.Strings(sites)
	out := make([]Snapshot, 0, len(sites))
	for _, site := range sites {
		out = append(out, entries[site].snapshot(site))
	}
	return out
}

func (r *Registry) entry(site string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[site]
	if !ok {
		e = &entry{state: StateClosed}
		r.entries[site] = e
	}
	return e
}

func (r *Registry) notify(site string, from, to State) {
	r.logger.Info("circuit state changed",
		zap.String("site", site),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(site, from, to)
	}
}

func (e *entry) snapshot(site string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Site:                site,
		State:               e.state,
		StateLabel:          e.state.String(),
		ConsecutiveFailures: e.consecutiveFailures,
		SuccessCount:        e.successCount,
		LastFailure:         e.lastFailure,
	}
}
