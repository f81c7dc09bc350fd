package report

import (
	"fmt"
	"strings"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

func renderMarkdown(r *models.JobResults) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# DupArchive %s Report\n\n", title(r.Kind)))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Parameter | Value |\n")
	sb.WriteString("|-----------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Job | `%s` |\n", r.JobID))
	sb.WriteString(fmt.Sprintf("| Phase | **%s** |\n", r.Phase))
	sb.WriteString(fmt.Sprintf("| Container | `%s` |\n", r.Container))
	for _, src := range r.Sources {
		sb.WriteString(fmt.Sprintf("| Source | `%s` |\n", src))
	}
	if r.Dest != "" {
		sb.WriteString(fmt.Sprintf("| Destination | `%s` |\n", r.Dest))
	}
	if !r.StartTime.IsZero() {
		sb.WriteString(fmt.Sprintf("| Start Time | %s |\n", r.StartTime.Format(timeLayout)))
	}
	sb.WriteString(fmt.Sprintf("| Duration | %s |\n", FormatDuration(r.Duration)))
	sb.WriteString(fmt.Sprintf("| Chunks | %d |\n", r.Chunks))
	sb.WriteString(fmt.Sprintf("| Retries | %d |\n", r.Retries))
	sb.WriteString("\n")

	if r.Stats != nil {
		sb.WriteString("## Statistics\n\n")
		sb.WriteString("| Statistic | Value |\n")
		sb.WriteString("|-----------|-------|\n")
		for _, st := range statRows(r.Kind, r.Stats) {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", st.label, st.value))
		}
		sb.WriteString("\n")
	}

	if r.HasFailed() {
		sb.WriteString("## Failure\n\n")
		sb.WriteString("```\n" + r.FailureSummary + "\n```\n\n")
	}

	if len(r.Warnings) == 0 {
		if r.Phase == "done" {
			sb.WriteString("> ✅ **Completed without warnings**\n")
		}
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("## Warnings (%d)\n\n", len(r.Warnings)))
	sb.WriteString("| Severity | Phase | Path | Message |\n")
	sb.WriteString("|----------|-------|------|---------|\n")
	for _, w := range r.Warnings {
		sb.WriteString(fmt.Sprintf("| %s %s | %s | `%s` | %s |\n",
			severityEmoji(w.Severity), w.Severity, w.Phase, w.Path, escapeCell(w.Message)))
	}
	return sb.String()
}

// severityEmoji returns an emoji for warning severity
func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
