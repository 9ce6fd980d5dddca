// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI, the HTTP API, and the
// scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/api"
	"github.com/JakeFAU/jobsweep/internal/breaker"
	"github.com/JakeFAU/jobsweep/internal/clock/system"
	"github.com/JakeFAU/jobsweep/internal/config"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/hash/sha256"
	"github.com/JakeFAU/jobsweep/internal/id/uuid"
	"github.com/JakeFAU/jobsweep/internal/limiter"
	"github.com/JakeFAU/jobsweep/internal/orchestrator"
	"github.com/JakeFAU/jobsweep/internal/output"
	"github.com/JakeFAU/jobsweep/internal/politeness"
	"github.com/JakeFAU/jobsweep/internal/progress"
	progresssinks "github.com/JakeFAU/jobsweep/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/jobsweep/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobsweep/internal/publisher/pubsub"
	"github.com/JakeFAU/jobsweep/internal/retry"
	"github.com/JakeFAU/jobsweep/internal/schedule"
	"github.com/JakeFAU/jobsweep/internal/site"
	collyworker "github.com/JakeFAU/jobsweep/internal/site/colly"
	"github.com/JakeFAU/jobsweep/internal/site/headless"
	"github.com/JakeFAU/jobsweep/internal/telemetry"
)

// Version is stamped into traces; overridden at build time via -ldflags.
var Version = "dev"

// DefaultTopic receives run notifications when Pub/Sub is not configured.
const DefaultTopic = "jobsweep-runs"

// Options overrides infrastructure for tests and embedding.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the process registry.
	Registerer prometheus.Registerer
	// Sites registers extra workers alongside the configured ones.
	Sites map[string]site.Factory
	// Publisher replaces the configured run notification publisher.
	Publisher harvest.Publisher
	// Clock replaces the system clock.
	Clock harvest.Clock
	// Sleep replaces the retry backoff sleeper.
	Sleep retry.Sleeper
	// DisableTracing skips installing the global tracer provider.
	DisableTracing bool
}

type closablePublisher interface {
	harvest.Publisher
	Close() error
}

// App holds all the shared, long-lived services for the application. One App
// serves every run in the process, so breaker state persists across runs.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	sites     *site.Registry
	breakers  *breaker.Registry
	limiter   *limiter.Limiter
	orch      *orchestrator.Orchestrator
	hub       *progress.Hub
	tracer    *sdktrace.TracerProvider
	publisher harvest.Publisher
	topic     string
	hasher    *sha256.Hasher
	// transports are shared by every worker of a static site.
	transports []*collyworker.Transport
}

// Build wires every service from cfg. It fails fast when a site definition or
// the notification publisher cannot be initialized.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	a := &App{cfg: cfg, logger: logger, hasher: sha256.New()}

	if !opts.DisableTracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, Version)
		if err != nil {
			return nil, fmt.Errorf("init tracer provider: %w", err)
		}
		a.tracer = tp
	}

	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init progress sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		promSink,
		progresssinks.NewLogSink(logger.Named("progress")),
	)

	pacer := politeness.New(politeness.Config{RPS: cfg.Politeness.RPS, Burst: cfg.Politeness.Burst})
	a.sites, err = a.buildSites(pacer, opts.Sites)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.breakers = breaker.New(breaker.Config{
		Threshold:     cfg.Breaker.Threshold,
		ResetTimeout:  cfg.Breaker.ResetTimeout,
		Clock:         opts.Clock,
		OnStateChange: telemetry.BreakerStateChanged,
		Logger:        logger,
	})
	for _, name := range a.sites.Names() {
		a.breakers.Register(name)
		telemetry.SeedBreaker(name, breaker.StateClosed)
	}

	a.limiter = limiter.New(cfg.Orchestrator.MaxConcurrency, telemetry.LimiterObserver{})
	exec := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		DelayCap:   cfg.Retry.DelayCap,
		PageSize:   cfg.Retry.PageSize,
		Sleep:      opts.Sleep,
		Clock:      opts.Clock,
	}, a.breakers, a.hub, logger)
	a.orch = orchestrator.New(orchestrator.Config{
		GlobalTimeout: cfg.Orchestrator.GlobalTimeout,
		Clock:         opts.Clock,
		IDs:           uuid.New(),
	}, a.sites, a.breakers, a.limiter, exec, a.hub, logger)

	if err := a.initPublisher(ctx, opts.Publisher); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	logger.Info("application initialized",
		zap.Strings("sites", a.sites.Names()),
		zap.Int("max_concurrency", a.limiter.Capacity()),
		zap.Duration("global_timeout", cfg.Orchestrator.GlobalTimeout),
		zap.String("notification_topic", a.topic),
	)
	return a, nil
}

func (a *App) buildSites(pacer *politeness.Pacer, extra map[string]site.Factory) (*site.Registry, error) {
	cfg, logger := a.cfg, a.logger
	reg := site.NewRegistry()
	for _, name := range cfg.SiteNames() {
		sc := cfg.Sites[name]
		if sc.Disabled {
			logger.Info("site disabled", zap.String("site", name))
			continue
		}
		factory, err := a.siteFactory(name, sc, pacer)
		if err != nil {
			return nil, err
		}
		if factory == nil {
			continue
		}
		if err := reg.Register(name, factory); err != nil {
			return nil, fmt.Errorf("register site: %w", err)
		}
	}
	for name, factory := range extra {
		if err := reg.Register(name, factory); err != nil {
			return nil, fmt.Errorf("register site: %w", err)
		}
	}
	return reg, nil
}

// siteFactory validates the site eagerly and returns a per-task worker
// factory. A nil factory means the site is skipped.
func (a *App) siteFactory(name string, sc config.SiteConfig, pacer *politeness.Pacer) (site.Factory, error) {
	cfg, logger := a.cfg, a.logger
	pageSize := sc.PageSize
	if pageSize <= 0 {
		pageSize = cfg.Retry.PageSize
	}
	workerLogger := logger.Named("worker")
	switch sc.Engine {
	case config.EngineHeadless:
		if !cfg.Headless.Enabled {
			logger.Warn("headless site skipped; headless.enabled is false", zap.String("site", name))
			return nil, nil
		}
		userAgent := cfg.Headless.UserAgent
		if userAgent == "" {
			userAgent = cfg.HTTP.UserAgent
		}
		wc := headless.Config{
			Name:              name,
			SearchURL:         sc.SearchURL,
			PageSize:          pageSize,
			Selectors:         sc.Selectors,
			WaitSelector:      sc.WaitSelector,
			UserAgent:         userAgent,
			Headers:           sc.Headers,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExecPath:          cfg.Headless.ExecPath,
		}
		if err := wc.Validate(); err != nil {
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		return func() (harvest.Worker, error) {
			return headless.New(wc, pacer, workerLogger)
		}, nil
	default:
		wc := collyworker.Config{
			Name:          name,
			SearchURL:     sc.SearchURL,
			PageSize:      pageSize,
			Selectors:     sc.Selectors,
			UserAgent:     cfg.HTTP.UserAgent,
			Headers:       sc.Headers,
			RespectRobots: sc.RespectRobots,
			Timeout:       cfg.HTTP.Timeout,
		}
		if err := wc.Validate(); err != nil {
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		wc.Transport = collyworker.NewTransport(sc.RespectRobots)
		a.transports = append(a.transports, wc.Transport)
		return func() (harvest.Worker, error) {
			return collyworker.New(wc, pacer, workerLogger)
		}, nil
	}
}

func (a *App) initPublisher(ctx context.Context, override harvest.Publisher) error {
	switch {
	case override != nil:
		a.publisher = override
		a.topic = a.cfg.PubSub.TopicName
	case a.cfg.PubSub.Enabled():
		p, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = p
		a.topic = a.cfg.PubSub.TopicName
	default:
		a.publisher = memorypublisher.New()
	}
	if a.topic == "" {
		a.topic = DefaultTopic
	}
	return nil
}

// Run executes req and publishes a run-completed notification whenever a
// report is produced. Publish failures are logged and never fail the run.
func (a *App) Run(ctx context.Context, req harvest.RunRequest) (harvest.Report, error) {
	report, err := a.orch.Run(ctx, req)
	if err != nil && !errors.Is(err, harvest.ErrNoSitesAvailable) {
		return report, err
	}
	a.notify(ctx, report)
	return report, err
}

func (a *App) notify(ctx context.Context, report harvest.Report) {
	if a.publisher == nil {
		return
	}
	doc := output.Build(report)
	msgID, err := a.publisher.Publish(context.WithoutCancel(ctx), a.topic, doc, a.attributes(doc))
	if err != nil {
		a.logger.Warn("publish run notification failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	a.logger.Debug("run notification published",
		zap.String("run_id", report.RunID),
		zap.String("topic", a.topic),
		zap.String("message_id", msgID),
	)
}

// attributes label a notification so subscribers can route it and skip
// result sets they have already seen.
func (a *App) attributes(doc output.Document) map[string]string {
	ids := make([]string, 0, len(doc.Jobs))
	for _, job := range doc.Jobs {
		ids = append(ids, job.ID)
	}
	attrs := map[string]string{
		"run_id":     doc.RunID,
		"total_jobs": strconv.Itoa(doc.TotalJobs),
	}
	fp, err := a.hasher.Fingerprint(ids)
	if err != nil {
		a.logger.Warn("fingerprint run results", zap.String("run_id", doc.RunID), zap.Error(err))
		return attrs
	}
	attrs["fingerprint"] = fp
	return attrs
}

// DefaultRequest converts the configured run section into a request.
func DefaultRequest(rc config.RunConfig) harvest.RunRequest {
	return harvest.RunRequest{
		Sites:    append([]string(nil), rc.Sites...),
		Query:    rc.Search,
		Location: rc.Location,
		MaxItems: rc.MaxItems,
	}
}

// Server builds the HTTP API bound to this App.
func (a *App) Server() *api.Server {
	return api.NewServer(a, a.sites, a.breakers, api.Options{
		Defaults: DefaultRequest(a.cfg.Run),
		IDs:      uuid.New(),
	}, a.logger)
}

// Scheduler builds the cron scheduler, or returns nil when scheduling is off.
func (a *App) Scheduler() (*schedule.Scheduler, error) {
	if !a.cfg.Schedule.Enabled {
		return nil, nil
	}
	s, err := schedule.New(a.cfg.Schedule.Cron, a, DefaultRequest(a.cfg.Schedule.Run), nil, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	return s, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Sites exposes the site registry.
func (a *App) Sites() *site.Registry {
	return a.sites
}

// Breakers exposes the circuit breaker registry.
func (a *App) Breakers() *breaker.Registry {
	return a.breakers
}

// Close flushes progress events and releases external clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if p, ok := a.publisher.(closablePublisher); ok {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	for _, t := range a.transports {
		t.CloseIdleConnections()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
