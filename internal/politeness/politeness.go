// Package politeness paces page requests per site with token buckets.
package politeness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobsweep/internal/telemetry"
)

// Config holds pacing configuration. A non-positive RPS disables pacing.
type Config struct {
	RPS   float64
	Burst int
}

// Pacer manages per-site token buckets. The zero value is not usable; use New.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a Pacer.
func New(cfg Config) *Pacer {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until site may issue another request, respecting ctx.
func (p *Pacer) Wait(ctx context.Context, site string) error {
	if p == nil {
		return nil
	}
	limiter := p.limiter(site)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	// Immediate grants are not delays worth recording.
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObservePolitenessDelay(site, d)
	}
	return nil
}

func (p *Pacer) limiter(site string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[site] = limiter
	}
	return limiter
}
