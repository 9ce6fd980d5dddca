// Package orchestrator runs one scrape across many sites: it validates the
// request, skips sites whose circuit is open, runs the rest under the
// concurrency limiter and a global deadline, and aggregates a report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/breaker"
	"github.com/JakeFAU/jobsweep/internal/clock/system"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	iduuid "github.com/JakeFAU/jobsweep/internal/id/uuid"
	"github.com/JakeFAU/jobsweep/internal/limiter"
	"github.com/JakeFAU/jobsweep/internal/progress"
	"github.com/JakeFAU/jobsweep/internal/retry"
)

// DefaultGlobalTimeout bounds a whole run.
const DefaultGlobalTimeout = 5 * time.Minute

const tracerName = "github.com/JakeFAU/jobsweep/internal/orchestrator"

// Sites resolves site names to workers.
type Sites interface {
	Names() []string
	Has(name string) bool
	New(name string) (harvest.Worker, error)
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Config controls run-wide limits.
type Config struct {
	GlobalTimeout time.Duration
	Clock         harvest.Clock
	IDs           IDGenerator
	Tracer        trace.Tracer
}

// Orchestrator coordinates runs. One Orchestrator is shared by every run in
// the process so the breaker registry carries health across runs.
type Orchestrator struct {
	cfg      Config
	sites    Sites
	breakers *breaker.Registry
	limiter  *limiter.Limiter
	exec     *retry.Executor
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New wires an Orchestrator. A nil emitter discards events.
func New(
	cfg Config,
	sites Sites,
	breakers *breaker.Registry,
	lim *limiter.Limiter,
	exec *retry.Executor,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = DefaultGlobalTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = iduuid.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		sites:    sites,
		breakers: breakers,
		limiter:  lim,
		exec:     exec,
		emitter:  emitter,
		logger:   logger.Named("orchestrator"),
	}
}

// Run executes req and returns the aggregated report. Configuration problems
// (ErrUnknownSite, ErrNoSitesRegistered) are returned before any task starts.
// When every requested site is skipped by its breaker, the partial report is
// returned together with ErrNoSitesAvailable.
//
// At the global deadline Run stops waiting: sites still in flight are
// reported as timed out, their context is canceled, and anything they
// produce afterwards is dropped.
func (o *Orchestrator) Run(ctx context.Context, req harvest.RunRequest) (harvest.Report, error) {
	names, err := o.resolve(req.Sites)
	if err != nil {
		return harvest.Report{}, err
	}
	rawID, err := o.cfg.IDs.NewRawID()
	if err != nil {
		return harvest.Report{}, fmt.Errorf("create run id: %w", err)
	}
	runID := progress.UUIDToBytes(rawID)
	logger := o.logger.With(zap.String("run_id", rawID.String()))

	ctx, span := o.cfg.Tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", rawID.String()),
		attribute.StringSlice("run.sites", names),
		attribute.String("run.query", req.Query),
	))
	defer span.End()

	report := harvest.Report{
		RunID:          rawID.String(),
		Query:          req.Query,
		Location:       req.Location,
		StartedAt:      o.cfg.Clock.Now(),
		SitesRequested: names,
		PerSite:        make(map[string]harvest.Outcome, len(names)),
	}
	o.emit(runID, progress.Event{Stage: progress.StageRunStart, Note: strings.Join(names, ",")})
	logger.Info("run started", zap.Strings("sites", names), zap.String("query", req.Query))

	available := make([]string, 0, len(names))
	for _, name := range names {
		if o.breakers.CanExecute(name) {
			available = append(available, name)
			continue
		}
		outcome := retry.CircuitOpen(name, o.breakers.RetryAfter(name))
		report.PerSite[name] = outcome
		o.emitOutcome(runID, outcome)
		logger.Info("site skipped", zap.String("site", name), zap.String("reason", outcome.ErrorMessage()))
	}
	if len(available) == 0 {
		o.finish(runID, &report, logger)
		span.SetStatus(codes.Error, harvest.ErrNoSitesAvailable.Error())
		return report, fmt.Errorf("run %s: %w", report.RunID, harvest.ErrNoSitesAvailable)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.GlobalTimeout)
	defer cancel()

	// Buffered so detached workers can always deliver and exit.
	results := make(chan harvest.Outcome, len(available))
	pending := make(map[string]struct{}, len(available))
	gate := newRunGate(o.breakers)
	for _, name := range available {
		pending[name] = struct{}{}
		task := harvest.Task{Site: name, Query: req.Query, Location: req.Location, MaxItems: req.MaxItems}
		go o.runSite(runCtx, runID, task, gate, results)
	}

collect:
	for len(pending) > 0 {
		select {
		case outcome := <-results:
			o.accept(runID, &report, pending, outcome)
		case <-runCtx.Done():
			break collect
		}
	}
	// A site that updated its breaker before the seal is about to deliver;
	// its outcome must match the breaker, so wait for it.
	recorded := gate.seal()
	for awaiting(pending, recorded) {
		o.accept(runID, &report, pending, <-results)
	}
	// Keep results that were already delivered when the deadline fired.
	for drained := false; !drained && len(pending) > 0; {
		select {
		case outcome := <-results:
			o.accept(runID, &report, pending, outcome)
		default:
			drained = true
		}
	}
	for name := range pending {
		outcome := retry.Timeout(name, 0, runCtx.Err())
		report.PerSite[name] = outcome
		o.emitOutcome(runID, outcome)
		logger.Warn("site abandoned at deadline", zap.String("site", name), zap.String("reason", outcome.ErrorMessage()))
	}

	o.finish(runID, &report, logger)
	span.SetAttributes(
		attribute.Int("run.sites_succeeded", report.SitesSucceeded),
		attribute.Int("run.sites_failed", report.SitesFailed),
		attribute.Int("run.total_items", report.TotalItems),
	)
	return report, nil
}

func (o *Orchestrator) runSite(ctx context.Context, runID [16]byte, task harvest.Task, gate *runGate, results chan<- harvest.Outcome) {
	ctx, span := o.cfg.Tracer.Start(ctx, "orchestrator.site", trace.WithAttributes(
		attribute.String("site", task.Site),
	))
	defer span.End()

	outcome := o.executeSite(ctx, runID, task, gate)
	span.SetAttributes(
		attribute.Int("site.attempts", outcome.Attempts),
		attribute.Int("site.items", len(outcome.Items)),
	)
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, outcome.ErrorMessage())
	}
	results <- outcome
}

func (o *Orchestrator) executeSite(ctx context.Context, runID [16]byte, task harvest.Task, gate *runGate) harvest.Outcome {
	if !o.limiter.TryAcquire() {
		o.logger.Debug("site waiting for a permit",
			zap.String("site", task.Site),
			zap.Int("in_use", o.limiter.InUse()),
			zap.Int("waiting", o.limiter.Waiting()),
		)
		if err := o.limiter.Acquire(ctx); err != nil {
			return retry.Timeout(task.Site, 0, ctx.Err())
		}
	}
	defer o.limiter.Release()

	o.emit(runID, progress.Event{Stage: progress.StageSiteStart, Site: task.Site})
	w, err := o.sites.New(task.Site)
	if err != nil {
		gate.RecordFailure(task.Site)
		return harvest.Outcome{
			Site: task.Site,
			Failure: &harvest.Failure{
				Reason:  harvest.ReasonPersistent,
				Message: err.Error(),
				Err:     err,
			},
		}
	}
	return o.exec.ExecuteWith(ctx, runID, task, w, gate)
}

func awaiting(pending, recorded map[string]struct{}) bool {
	for site := range recorded {
		if _, ok := pending[site]; ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) accept(runID [16]byte, report *harvest.Report, pending map[string]struct{}, outcome harvest.Outcome) {
	if _, ok := pending[outcome.Site]; !ok {
		return
	}
	delete(pending, outcome.Site)
	report.PerSite[outcome.Site] = outcome
	o.emitOutcome(runID, outcome)
}

func (o *Orchestrator) finish(runID [16]byte, report *harvest.Report, logger *zap.Logger) {
	report.FinishedAt = o.cfg.Clock.Now()
	report.Tally()
	o.emit(runID, progress.Event{
		Stage: progress.StageRunDone,
		Items: report.TotalItems,
		Dur:   report.Duration(),
	})
	logger.Info("run finished",
		zap.Int("sites_succeeded", report.SitesSucceeded),
		zap.Int("sites_failed", report.SitesFailed),
		zap.Int("total_items", report.TotalItems),
		zap.Duration("duration", report.Duration()),
	)
}

// resolve validates requested names. Blank and duplicate names are dropped;
// an empty request means every registered site.
func (o *Orchestrator) resolve(requested []string) ([]string, error) {
	all := o.sites.Names()
	if len(all) == 0 {
		return nil, harvest.ErrNoSitesRegistered
	}
	seen := make(map[string]struct{}, len(requested))
	names := make([]string, 0, len(requested))
	var unknown []string
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if !o.sites.Has(name) {
			unknown = append(unknown, name)
			continue
		}
		names = append(names, name)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s (known: %s)",
			harvest.ErrUnknownSite, strings.Join(unknown, ", "), strings.Join(all, ", "))
	}
	if len(names) == 0 {
		return all, nil
	}
	return names, nil
}

func (o *Orchestrator) emitOutcome(runID [16]byte, outcome harvest.Outcome) {
	evt := progress.Event{
		Stage:   progress.StageForOutcome(outcome),
		Site:    outcome.Site,
		Attempt: outcome.Attempts,
		Items:   len(outcome.Items),
		Dur:     outcome.Duration,
	}
	if outcome.Failure != nil {
		evt.Reason = outcome.Failure.Reason
		evt.Note = outcome.Failure.Message
	}
	o.emit(runID, evt)
}

func (o *Orchestrator) emit(runID [16]byte, evt progress.Event) {
	evt.RunID = runID
	evt.TS = o.cfg.Clock.Now().UTC()
	o.emitter.Emit(evt)
}

// IsFatal reports whether err is a whole-run failure of the request itself:
// an unknown or missing site, or every requested circuit open. Other errors
// from Run are internal faults.
func IsFatal(err error) bool {
	return errors.Is(err, harvest.ErrUnknownSite) ||
		errors.Is(err, harvest.ErrNoSitesRegistered) ||
		errors.Is(err, harvest.ErrNoSitesAvailable)
}
