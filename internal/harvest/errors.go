package harvest

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnknownSite is returned when a run names a site that has no worker.
	ErrUnknownSite = errors.New("unknown site")
	// ErrNoSitesRegistered is returned when no site workers are configured.
	ErrNoSitesRegistered = errors.New("no sites registered")
	// ErrNoSitesAvailable is returned when every requested site has an open circuit.
	ErrNoSitesAvailable = errors.New("no sites available")
)

// CircuitOpenError reports that a site was skipped because its breaker is open.
type CircuitOpenError struct {
	Site       string
	RetryAfter time.Duration
}

// Error implements error.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %d seconds", CeilSeconds(e.RetryAfter))
}

// CeilSeconds rounds d up to whole seconds; negative durations yield 0.
func CeilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
