// Package schedule triggers recurring runs from a cron expression. Runs share
// the caller's orchestrator, so breaker state learned by one run carries into
// the next.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// Runner executes a run and returns its report.
type Runner interface {
	Run(ctx context.Context, req harvest.RunRequest) (harvest.Report, error)
}

// ReportFunc receives the outcome of every scheduled run.
type ReportFunc func(ctx context.Context, report harvest.Report, err error)

// Scheduler owns a cron instance bound to one run request.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	req      harvest.RunRequest
	onReport ReportFunc
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses expr (standard five-field syntax or descriptors such as
// "@every 1h") and registers the run. Overlapping ticks are skipped while a
// run is still in flight.
func New(expr string, runner Runner, req harvest.RunRequest, onReport ReportFunc, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("schedule: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	cronLogger := cronLog{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:   runner,
		req:      req,
		onReport: onReport,
		logger:   logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(expr, s.tick); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return s, nil
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("schedule started", zap.Int("entries", len(s.cron.Entries())))
}

// Trigger performs one run immediately and returns its report.
func (s *Scheduler) Trigger(ctx context.Context) (harvest.Report, error) {
	report, err := s.runner.Run(ctx, s.req)
	if err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err))
	} else {
		s.logger.Info("scheduled run completed",
			zap.String("run_id", report.RunID),
			zap.Int("items", report.TotalItems),
			zap.Int("sites_succeeded", report.SitesSucceeded),
			zap.Int("sites_failed", report.SitesFailed),
		)
	}
	if s.onReport != nil {
		s.onReport(ctx, report, err)
	}
	return report, err
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.Trigger(ctx)
}

// Stop halts the schedule, cancels any in-flight run, and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop schedule: %w", ctx.Err())
	}
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	logger *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
