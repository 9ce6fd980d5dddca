package site

import (
	"sync"
	"time"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// Counters accumulates the per-attempt statistics that workers report via
// Stats. It is safe for concurrent use.
type Counters struct {
	mu           sync.Mutex
	pagesVisited int
	requests     int
	itemsFound   int
	errors       int
	duration     time.Duration
	lastError    string
}

// Reset clears every counter.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pagesVisited = 0
	c.requests = 0
	c.itemsFound = 0
	c.errors = 0
	c.duration = 0
	c.lastError = ""
}

// Request counts an outgoing page request.
func (c *Counters) Request() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
}

// Page counts a successfully parsed page and its items.
func (c *Counters) Page(items int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pagesVisited++
	c.itemsFound += items
}

// Error counts a failed request.
func (c *Counters) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	if err != nil {
		c.lastError = err.Error()
	}
}

// Finish records the attempt's wall time.
func (c *Counters) Finish(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = d
}

// Stats returns a copy suitable for harvest.Worker.Stats.
func (c *Counters) Stats() harvest.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := harvest.Stats{
		"pages_visited": c.pagesVisited,
		"requests":      c.requests,
		"items_found":   c.itemsFound,
		"errors":        c.errors,
		"duration_ms":   c.duration.Milliseconds(),
	}
	if c.lastError != "" {
		stats["last_error"] = c.lastError
	}
	return stats
}
