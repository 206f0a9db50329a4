// Package cli provides output formatting and a remote client for the miru CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to an OutputFormat. Empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputCompact, OutputJSON:
		return OutputFormat(s), nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("%w: unknown output format %q (supported: text, compact, json)",
			models.ErrInvalidArgument, s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\n", r.Rank, r.Similarity, displayPath(r))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results for %q in %dms\n\n", response.Count, response.Query, response.QueryTime)
	for _, result := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Similarity: %.4f\n", result.Rank, result.Similarity)
		fmt.Fprintf(w, "ID: %s\n", result.ID)
		if p := result.Path(); p != "" {
			fmt.Fprintf(w, "Path: %s\n", p)
		}
	}
	if len(response.Results) > 0 {
		fmt.Fprintln(w)
	}
}

// displayPath prefers the stored path and falls back to the id.
func displayPath(r *models.QueryResult) string {
	if p := r.Path(); p != "" {
		return p
	}
	return r.ID
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteIngestReport writes an ingestion summary to w.
func WriteIngestReport(w io.Writer, report *models.IngestReport, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, report)
	case OutputCompact:
		fmt.Fprintf(w, "added=%d skipped=%d failed=%d total=%d\n",
			report.Added, report.Skipped, report.FailedCount(), report.Total)
		return nil
	}
	fmt.Fprintf(w, "Ingested %d of %d images in %s (%d already indexed, %d failed)\n",
		report.Added, report.Total, report.Elapsed.Round(time.Millisecond), report.Skipped, report.FailedCount())
	if report.Canceled {
		fmt.Fprintln(w, "Run was canceled; committed images are kept.")
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "  %s [%s]: %s\n", f.ID, f.Kind, utils.Truncate(f.Reason, 120))
	}
	return nil
}

// StatsReport is what the stats command prints.
type StatsReport struct {
	models.Stats
	DatabasePath   string `json:"database_path,omitempty"`
	DiskUsageBytes int64  `json:"disk_usage_bytes,omitempty"`
}

// WriteStats writes store and index statistics to w.
func WriteStats(w io.Writer, stats *StatsReport, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, stats)
	case OutputCompact:
		fmt.Fprintf(w, "records=%d dimension=%d index=%s size=%d\n",
			stats.TotalRecords, stats.Dimension, stats.IndexType, stats.IndexSize)
		return nil
	}
	fmt.Fprintf(w, "Records:    %d\n", stats.TotalRecords)
	fmt.Fprintf(w, "Dimension:  %d\n", stats.Dimension)
	fmt.Fprintf(w, "Index:      %s (%d vectors)\n", stats.IndexType, stats.IndexSize)
	if stats.DatabasePath != "" {
		fmt.Fprintf(w, "Database:   %s\n", filepath.Clean(stats.DatabasePath))
	}
	if stats.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "Disk usage: %s\n", FormatBytes(stats.DiskUsageBytes))
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
