// Package observability provides logging, error reporting and formatted
// output for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs a human-readable summary of a workflow run.
func (p *Printer) PrintRun(run *db.WorkflowRun) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Source:   %s\n", run.SourceURL))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("Started:  %s\n", run.StartedAt.Format(time.RFC3339)))
	if run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Finished: %s (%s)\n",
			run.CompletedAt.Format(time.RFC3339), run.CompletedAt.Sub(run.StartedAt).Round(time.Second)))
	} else if run.ResumeAt != nil {
		sb.WriteString(fmt.Sprintf("Resumes:  %s\n", run.ResumeAt.Format(time.RFC3339)))
	}
	if run.ActivitiesProcessed != nil {
		sb.WriteString(fmt.Sprintf("Activities: %d\n", *run.ActivitiesProcessed))
	}
	if run.CancelRequested && !run.IsTerminal() {
		sb.WriteString("Cancellation requested\n")
	}
	if run.ErrorMessage != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s\n", *run.ErrorMessage))
	}

	if len(run.Artifacts) > 0 {
		sb.WriteString("\nArtifacts:\n")
		names := make([]string, 0, len(run.Artifacts))
		for name := range run.Artifacts {
			names = append(names, string(name))
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("  • %s\n", name))
		}
		if run.ArtifactsDeletedAt != nil {
			sb.WriteString("  (blobs deleted after import)\n")
		}
	}

	if run.ImportSummary != nil {
		sb.WriteString("\n")
		sb.WriteString(formatImportSummary(run.ImportSummary))
	}

	p.printBox("WORKFLOW RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintSteps outputs the step journal of a run.
func (p *Printer) PrintSteps(steps []db.StepRecord) {
	if len(steps) == 0 {
		return
	}

	var sb strings.Builder
	for _, s := range steps {
		sb.WriteString(fmt.Sprintf("%-18s %-11s attempts=%d\n", s.Step, s.Status, s.Attempts))
		if s.NextAttemptAt != nil && s.Status == db.StepStatusWaiting {
			sb.WriteString(fmt.Sprintf("    next attempt %s\n", s.NextAttemptAt.Format(time.RFC3339)))
		}
		if s.ErrorMessage != nil {
			sb.WriteString(fmt.Sprintf("    error: %s\n", *s.ErrorMessage))
		}
	}

	p.printBox("STEP JOURNAL", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintImportSummary outputs import counts and the first recorded errors.
func (p *Printer) PrintImportSummary(summary *types.ImportSummary) {
	if summary == nil {
		return
	}
	p.printBox("IMPORT SUMMARY", strings.TrimSuffix(formatImportSummary(summary), "\n"))
}

func formatImportSummary(summary *types.ImportSummary) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Imported: %d  Skipped: %d  Failed: %d\n",
		summary.Imported, summary.Skipped, summary.Failed))

	count := min(len(summary.Errors), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(fmt.Sprintf("  ✗ %s\n", summary.Errors[i]))
	}
	if len(summary.Errors) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(summary.Errors)-maxItemsToShow))
	}
	return sb.String()
}
