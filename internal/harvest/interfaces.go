package harvest

import (
	"context"
	"time"
)

// Worker extracts listings from one site. Implementations are stateful and
// are not required to be safe for concurrent use; the orchestrator builds one
// per task.
type Worker interface {
	// Reset clears per-attempt counters before a new attempt.
	Reset()
	// ScrapeJobs fetches up to maxPages result pages. It must return promptly
	// once ctx is done.
	ScrapeJobs(ctx context.Context, query, location string, maxPages int) ([]Item, error)
	// Stats returns implementation-defined counters for the last attempt.
	Stats() Stats
}

// PageSizer is implemented by workers that know how many items a result
// page holds. It is used to derive the page budget from an item budget.
type PageSizer interface {
	PageSize() int
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Publisher pushes run notifications to Pub/Sub (or similar). attrs travel
// alongside the payload so subscribers can filter without decoding it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}
