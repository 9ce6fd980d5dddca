// Package cmd defines and implements the CLI commands for the jobsweep
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/app"
	"github.com/JakeFAU/jobsweep/internal/config"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/logging"
	"github.com/JakeFAU/jobsweep/internal/orchestrator"
	"github.com/JakeFAU/jobsweep/internal/output"
)

const closeTimeout = 10 * time.Second

// appFactory builds the application container. Tests inject their own so
// metrics and tracing stay isolated.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

func defaultAppFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.Build(ctx, cfg, logger, app.Options{})
}

// cli carries state shared by every command of one invocation.
type cli struct {
	newApp  appFactory
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command. The root command
// performs a single run.
func newRootCmd(factory appFactory) *cobra.Command {
	c := &cli{newApp: factory, logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "jobsweep",
		Short: "Search several job boards at once and merge the listings.",
		Long: `jobsweep runs one search against every configured job site in parallel,
retrying transient failures and skipping sites whose circuit is open, and
prints a merged report. Partial failures still produce a report.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config is loaded here so flags, environment, and file are merged
		// before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile, cmd.Flags())
			if err != nil {
				return c.fail(cmd, fmt.Errorf("load config: %w", err))
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return c.fail(cmd, fmt.Errorf("init logger: %w", err))
			}
			c.cfg = cfg
			c.logger = logger
			zap.ReplaceGlobals(logger)
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.logger.Sync()
		},

		RunE: c.runSearch,
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("search", "software engineer", "search terms")
	flags.String("location", "", "location filter")
	flags.StringSlice("sites", nil, "comma-separated sites to query (default all)")
	flags.Int("max", 50, "maximum jobs per site")
	flags.Int("concurrency", 3, "maximum sites scraped at once")
	flags.Bool("json", false, "print the JSON output document")
	flags.Duration("timeout", 5*time.Minute, "global run timeout")

	cmd.AddCommand(newSitesCmd(c), newServeCmd(c))
	return cmd
}

func (c *cli) runSearch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := c.newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return c.fail(cmd, fmt.Errorf("initialize application: %w", err))
	}
	defer c.closeApp(a)

	report, err := a.Run(ctx, app.DefaultRequest(c.cfg.Run))
	if err != nil {
		return c.runFailed(cmd, report, err)
	}

	out := cmd.OutOrStdout()
	if c.cfg.Run.JSON {
		return output.WriteJSON(out, output.Build(report))
	}
	return output.WriteSummary(out, report)
}

func (c *cli) closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		c.logger.Warn("application close failed", zap.Error(err))
	}
}

// fail prints the failure document in --json mode and returns err so the
// process exits non-zero.
func (c *cli) fail(cmd *cobra.Command, err error) error {
	if jsonMode(cmd, c.cfg) {
		if werr := output.WriteFailure(cmd.OutOrStdout(), err); werr != nil {
			c.logger.Warn("write failure document", zap.Error(werr))
		}
	}
	return err
}

// runFailed reports a run that produced no usable result. When every circuit
// is open the per-site table goes to stderr so the user sees when each site
// may be retried.
func (c *cli) runFailed(cmd *cobra.Command, report harvest.Report, err error) error {
	if !orchestrator.IsFatal(err) {
		return c.fail(cmd, fmt.Errorf("run search: %w", err))
	}
	if errors.Is(err, harvest.ErrNoSitesAvailable) && !jsonMode(cmd, c.cfg) {
		if werr := output.WriteSummary(cmd.ErrOrStderr(), report); werr != nil {
			c.logger.Warn("write open circuit summary", zap.Error(werr))
		}
	}
	return c.fail(cmd, err)
}

func jsonMode(cmd *cobra.Command, cfg config.Config) bool {
	if cfg.Run.JSON {
		return true
	}
	if flag := cmd.Flags().Lookup("json"); flag != nil {
		return flag.Value.String() == "true"
	}
	return false
}

// Execute is the main entry point. Fatal errors exit with status 1.
func Execute() {
	root := newRootCmd(defaultAppFactory)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobsweep: %v\n", err)
		os.Exit(1)
	}
}
