package harvest

import (
	"sort"
	"time"
)

// Item is a single job listing returned by a site worker.
type Item struct {
	// ID is a stable fingerprint of the listing; see hash/sha256.ItemID.
	ID          string            `json:"id,omitempty"`
	Site        string            `json:"site"`
	Title       string            `json:"title"`
	Company     string            `json:"company,omitempty"`
	Location    string            `json:"location,omitempty"`
	URL         string            `json:"url,omitempty"`
	Salary      string            `json:"salary,omitempty"`
	Posted      string            `json:"posted,omitempty"`
	Description string            `json:"description,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Stats carries worker-defined counters. The orchestrator never inspects it.
type Stats map[string]any

// Task is the immutable request for one site within a run.
type Task struct {
	Site     string
	Query    string
	Location string
	MaxItems int
}

// RunRequest describes one orchestration call.
type RunRequest struct {
	// Sites lists the requested site names; empty means every registered site.
	Sites    []string
	Query    string
	Location string
	// MaxItems is the per-site item budget.
	MaxItems int
}

// Reason classifies why a site outcome failed.
type Reason string

// Failure reasons. Transient is only reported per attempt; final outcomes
// carry one of the other three.
const (
	ReasonTransient   Reason = "transient"
	ReasonPersistent  Reason = "persistent"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonTimeout     Reason = "timeout"
)

// Failure describes a failed outcome.
type Failure struct {
	Reason  Reason
	Message string
	// Err is the underlying error when one exists.
	Err error
}

// Outcome is the result for one site within a run. A nil Failure means the
// site succeeded.
type Outcome struct {
	Site     string
	Attempts int
	Items    []Item
	Stats    Stats
	Failure  *Failure
	Duration time.Duration
}

// Succeeded reports whether the site produced a result.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

// ErrorMessage returns the failure message, or "" on success.
func (o Outcome) ErrorMessage() string {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Message
}

// Report aggregates every requested site's outcome for one run.
type Report struct {
	RunID          string
	Query          string
	Location       string
	StartedAt      time.Time
	FinishedAt     time.Time
	SitesRequested []string
	SitesSucceeded int
	SitesFailed    int
	TotalItems     int
	PerSite        map[string]Outcome
}

// Duration returns the wall time covered by the run.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SiteNames returns the sites present in PerSite in lexical order.
func (r Report) SiteNames() []string {
	names := make([]string, 0, len(r.PerSite))
	for name := range r.PerSite {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Items concatenates the items of all successful sites. Sites are visited in
// lexical order; each site's own item order is preserved.
func (r Report) Items() []Item {
	out := make([]Item, 0, r.TotalItems)
	for _, name := range r.SiteNames() {
		outcome := r.PerSite[name]
		if !outcome.Succeeded() {
			continue
		}
		out = append(out, outcome.Items...)
	}
	return out
}

// Tally recomputes the aggregate counters from PerSite.
func (r *Report) Tally() {
	r.SitesSucceeded = 0
	r.SitesFailed = 0
	r.TotalItems = 0
	for _, outcome := range r.PerSite {
		if outcome.Succeeded() {
			r.SitesSucceeded++
			r.TotalItems += len(outcome.Items)
			continue
		}
		r.SitesFailed++
	}
}
