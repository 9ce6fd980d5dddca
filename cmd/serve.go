package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobsweep/internal/server"
)

// newServeCmd runs the HTTP API and, when configured, the cron schedule.
func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and scheduled runs",
		Long: `Starts the HTTP API (health probes, /metrics, /v1/sites, /v1/breakers,
POST /v1/runs) and the optional cron schedule. Every run shares one breaker
registry, so site health learned by one run carries into the next.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer c.closeApp(a)

			var sched server.Scheduler
			s, err := a.Scheduler()
			if err != nil {
				return err
			}
			if s != nil {
				sched = s
			}
			if err := server.Run(cmd.Context(), c.cfg.Server.Port, a.Server().Handler(), sched, c.logger); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	return cmd
}
