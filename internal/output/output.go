// Package output renders a run report as the JSON document or the human
// summary printed by the CLI and returned by the API.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// SiteStat is the per-site entry of Document.SiteStats.
type SiteStat struct {
	Success  bool           `json:"success"`
	JobCount int            `json:"jobCount"`
	Attempts int            `json:"attempts"`
	Stats    harvest.Stats  `json:"stats,omitempty"`
	Reason   harvest.Reason `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Document is the machine-readable run result.
type Document struct {
	Success         bool                `json:"success"`
	RunID           string              `json:"runId,omitempty"`
	SearchTerm      string              `json:"searchTerm"`
	Location        string              `json:"location"`
	TotalJobs       int                 `json:"totalJobs"`
	Duration        string              `json:"duration"`
	SitesQueried    int                 `json:"sitesQueried"`
	SitesSuccessful int                 `json:"sitesSuccessful"`
	SiteStats       map[string]SiteStat `json:"siteStats"`
	Jobs            []harvest.Item      `json:"jobs"`
	ScrapedAt       time.Time           `json:"scrapedAt"`
}

// FailureDocument is printed instead of Document when a run fails fatally.
type FailureDocument struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Build converts a report into a Document. Jobs are ordered by site name,
// keeping each site's own order.
func Build(report harvest.Report) Document {
	doc := Document{
		Success:         true,
		RunID:           report.RunID,
		SearchTerm:      report.Query,
		Location:        report.Location,
		TotalJobs:       report.TotalItems,
		Duration:        FormatDuration(report.Duration()),
		SitesQueried:    len(report.PerSite),
		SitesSuccessful: report.SitesSucceeded,
		SiteStats:       make(map[string]SiteStat, len(report.PerSite)),
		Jobs:            report.Items(),
		ScrapedAt:       report.FinishedAt.UTC(),
	}
	for name, outcome := range report.PerSite {
		stat := SiteStat{
			Success:  outcome.Succeeded(),
			JobCount: len(outcome.Items),
			Attempts: outcome.Attempts,
			Stats:    outcome.Stats,
			Error:    outcome.ErrorMessage(),
		}
		if outcome.Failure != nil {
			stat.Reason = outcome.Failure.Reason
		}
		doc.SiteStats[name] = stat
	}
	return doc
}

// FormatDuration renders d as seconds with two decimals, e.g. "12.34s".
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteFailure writes the fatal-run document.
func WriteFailure(w io.Writer, err error) error {
	return WriteJSON(w, FailureDocument{Success: false, Error: err.Error()})
}

// WriteSummary prints a per-site table followed by totals.
func WriteSummary(w io.Writer, report harvest.Report) error {
	if _, err := fmt.Fprintf(w, "Search: %q  Location: %q  Run: %s\n\n",
		report.Query, report.Location, report.RunID); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tSTATUS\tJOBS\tATTEMPTS\tERROR")
	for _, name := range report.SiteNames() {
		outcome := report.PerSite[name]
		status := "ok"
		if outcome.Failure != nil {
			status = string(outcome.Failure.Reason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			name, status, len(outcome.Items), outcome.Attempts, outcome.ErrorMessage())
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if _, err := fmt.Fprintf(w, "\n%d jobs from %d/%d sites in %s\n",
		report.TotalItems, report.SitesSucceeded, len(report.PerSite), FormatDuration(report.Duration())); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
