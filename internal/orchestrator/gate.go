package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/jobsweep/internal/breaker"
)

// runGate fronts the shared breaker registry for a single run. Once the run
// is sealed at its deadline, late successes and failures are refused so a
// site reported as timed out never moves its breaker. Sites whose update
// landed before the seal are remembered; their outcome is already on its
// way and the run waits for it.
type runGate struct {
	breakers *breaker.Registry

	mu       sync.Mutex
	sealed   bool
	recorded map[string]struct{}
}

func newRunGate(breakers *breaker.Registry) *runGate {
	return &runGate{breakers: breakers, recorded: make(map[string]struct{})}
}

func (g *runGate) CanExecute(site string) bool {
	return g.breakers.CanExecute(site)
}

func (g *runGate) RetryAfter(site string) time.Duration {
	return g.breakers.RetryAfter(site)
}

func (g *runGate) RecordSuccess(site string) {
	if g.admit(site) {
		g.breakers.RecordSuccess(site)
	}
}

func (g *runGate) RecordFailure(site string) {
	if g.admit(site) {
		g.breakers.RecordFailure(site)
	}
}

func (g *runGate) admit(site string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return false
	}
	g.recorded[site] = struct{}{}
	return true
}

// seal refuses further updates and returns the sites that already reported.
func (g *runGate) seal() map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
	out := make(map[string]struct{}, len(g.recorded))
	for site := range g.recorded {
		out[site] = struct{}{}
	}
	return out
}
