package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobsweep/internal/config"
)

// newSitesCmd lists the configured sites without contacting any of them.
func newSitesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured job sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tENGINE\tSTATUS\tSEARCH URL")
			for _, name := range c.cfg.SiteNames() {
				sc := c.cfg.Sites[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, sc.Engine, siteStatus(c.cfg, sc), sc.SearchURL)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sites: %w", err)
			}
			return nil
		},
	}
}

func siteStatus(cfg config.Config, sc config.SiteConfig) string {
	switch {
	case sc.Disabled:
		return "disabled"
	case sc.Engine == config.EngineHeadless && !cfg.Headless.Enabled:
		return "needs headless"
	default:
		return "enabled"
	}
}
