package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/clock/system"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/progress"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2
	// DefaultPageSize is assumed for workers that do not implement PageSizer.
	DefaultPageSize = 25

	msgGlobalTimeout = "global timeout"
	msgRunCanceled   = "run canceled"
)

// Breaker is the subset of the breaker registry the executor needs.
type Breaker interface {
	CanExecute(site string) bool
	RetryAfter(site string) time.Duration
	RecordSuccess(site string)
	RecordFailure(site string)
}

// Config controls attempts and waits.
type Config struct {
	// MaxRetries is the number of retries after the first attempt; negative
	// values are treated as zero.
	MaxRetries int
	BaseDelay  time.Duration
	DelayCap   time.Duration
	// PageSize converts an item budget into a page budget when the worker
	// does not report its own page size.
	PageSize int
	// Sleep overrides the backoff wait, mostly for tests.
	Sleep Sleeper
	Clock harvest.Clock
}

// Executor runs a single site task.
type Executor struct {
	cfg     Config
	breaker Breaker
	emitter progress.Emitter
	logger  *zap.Logger
}

// New builds an Executor. A nil emitter discards events.
func New(cfg Config, breaker Breaker, emitter progress.Emitter, logger *zap.Logger) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.DelayCap <= 0 {
		cfg.DelayCap = DefaultDelayCap
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		breaker: breaker,
		emitter: emitter,
		logger:  logger.Named("retry"),
	}
}

// MaxAttempts returns MaxRetries+1.
func (e *Executor) MaxAttempts() int {
	return e.cfg.MaxRetries + 1
}

// Execute runs task against w. The breaker is updated exactly once per task
// that reaches a success or exhausts its attempts; skipped and cancelled
// tasks leave it untouched.
func (e *Executor) Execute(ctx context.Context, runID [16]byte, task harvest.Task, w harvest.Worker) harvest.Outcome {
	return e.ExecuteWith(ctx, runID, task, w, e.breaker)
}

// ExecuteWith is Execute reporting to b instead of the executor's breaker.
// Callers use it to put a run-scoped gate in front of the shared registry.
func (e *Executor) ExecuteWith(ctx context.Context, runID [16]byte, task harvest.Task, w harvest.Worker, b Breaker) harvest.Outcome {
	start := e.cfg.Clock.Now()
	logger := e.logger.With(zap.String("site", task.Site))

	if !b.CanExecute(task.Site) {
		return CircuitOpen(task.Site, b.RetryAfter(task.Site))
	}

	pages := PageBudget(task.MaxItems, e.pageSize(w))
	var lastErr error
	attempts := 0
	for attempts < e.MaxAttempts() {
		if ctx.Err() != nil {
			return e.canceled(ctx, task.Site, attempts, w, start)
		}
		attempts++
		attemptStart := e.cfg.Clock.Now()
		w.Reset()
		items, err := w.ScrapeJobs(ctx, task.Query, task.Location, pages)
		if ctx.Err() != nil {
			// Whatever the worker produced after cancellation is discarded.
			return e.canceled(ctx, task.Site, attempts, w, start)
		}
		if err == nil {
			b.RecordSuccess(task.Site)
			if task.MaxItems > 0 && len(items) > task.MaxItems {
				items = items[:task.MaxItems]
			}
			logger.Info("site succeeded", zap.Int("attempts", attempts), zap.Int("items", len(items)))
			return harvest.Outcome{
				Site:     task.Site,
				Attempts: attempts,
				Items:    items,
				Stats:    w.Stats(),
				Duration: e.since(start),
			}
		}

		lastErr = err
		logger.Warn("site attempt failed", zap.Int("attempt", attempts), zap.Error(err))
		e.emitter.Emit(progress.Event{
			RunID:   runID,
			TS:      e.cfg.Clock.Now().UTC(),
			Stage:   progress.StageAttemptFailed,
			Site:    task.Site,
			Attempt: attempts,
			Reason:  harvest.ReasonTransient,
			Dur:     e.since(attemptStart),
			Note:    err.Error(),
		})

		if attempts < e.MaxAttempts() {
			delay := Backoff(attempts, e.cfg.BaseDelay, e.cfg.DelayCap)
			logger.Debug("backing off", zap.Duration("delay", delay))
			if err := e.cfg.Sleep(ctx, delay); err != nil || ctx.Err() != nil {
				return e.canceled(ctx, task.Site, attempts, w, start)
			}
		}
	}

	b.RecordFailure(task.Site)
	logger.Error("site failed", zap.Int("attempts", attempts), zap.Error(lastErr))
	return harvest.Outcome{
		Site:     task.Site,
		Attempts: attempts,
		Stats:    w.Stats(),
		Failure: &harvest.Failure{
			Reason:  harvest.ReasonPersistent,
			Message: lastErr.Error(),
			Err:     lastErr,
		},
		Duration: e.since(start),
	}
}

func (e *Executor) pageSize(w harvest.Worker) int {
	if sizer, ok := w.(harvest.PageSizer); ok && sizer.PageSize() > 0 {
		return sizer.PageSize()
	}
	return e.cfg.PageSize
}

func (e *Executor) canceled(ctx context.Context, site string, attempts int, w harvest.Worker, start time.Time) harvest.Outcome {
	e.logger.Warn("site canceled", zap.String("site", site), zap.Int("attempts", attempts))
	outcome := Timeout(site, attempts, ctx.Err())
	outcome.Stats = w.Stats()
	outcome.Duration = e.since(start)
	return outcome
}

func (e *Executor) since(start time.Time) time.Duration {
	d := e.cfg.Clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// PageBudget converts an item budget to a page count: ceil(maxItems/pageSize),
// at least one page.
func PageBudget(maxItems, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxItems <= 0 {
		return 1
	}
	return (maxItems + pageSize - 1) / pageSize
}

// CircuitOpen builds the outcome for a site skipped by its breaker.
func CircuitOpen(site string, retryAfter time.Duration) harvest.Outcome {
	err := &harvest.CircuitOpenError{Site: site, RetryAfter: retryAfter}
	return harvest.Outcome{
		Site: site,
		Failure: &harvest.Failure{
			Reason:  harvest.ReasonCircuitOpen,
			Message: err.Error(),
			Err:     err,
		},
	}
}

// Timeout builds the outcome for a site cut short by cancellation. cause is
// the context error; a deadline reads as "global timeout".
func Timeout(site string, attempts int, cause error) harvest.Outcome {
	msg := msgGlobalTimeout
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		msg = msgRunCanceled
	}
	var err error
	if cause != nil {
		err = fmt.Errorf("%s: %w", msg, cause)
	}
	return harvest.Outcome{
		Site:     site,
		Attempts: attempts,
		Failure: &harvest.Failure{
			Reason:  harvest.ReasonTimeout,
			Message: msg,
			Err:     err,
		},
	}
}
