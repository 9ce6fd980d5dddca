// Package breaker tracks per-site health and decides whether a site may be
// attempted right now.
package breaker

import "time"

// State is the circuit state of a single site.
type State int

// Circuit states. A site starts Closed.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state label used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of one site's breaker.
type Snapshot struct {
	Site                string    `json:"site"`
	State               State     `json:"-"`
	StateLabel          string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessCount        int       `json:"success_count"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}
