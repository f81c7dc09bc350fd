package report

import (
	"fmt"
	"strings"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

func renderText(r *models.JobResults) string {
	var sb strings.Builder
	rule := strings.Repeat("-", 79) + "\n"

	sb.WriteString(strings.Repeat("=", 79) + "\n")
	sb.WriteString(fmt.Sprintf("  DUPARCHIVE %s REPORT\n", strings.ToUpper(r.Kind)))
	sb.WriteString(strings.Repeat("=", 79) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Job:              %s\n", r.JobID))
	sb.WriteString(fmt.Sprintf("Phase:            %s\n", r.Phase))
	sb.WriteString(fmt.Sprintf("Container:        %s\n", r.Container))
	for _, src := range r.Sources {
		sb.WriteString(fmt.Sprintf("Source:           %s\n", src))
	}
	if r.Dest != "" {
		sb.WriteString(fmt.Sprintf("Destination:      %s\n", r.Dest))
	}
	if !r.StartTime.IsZero() {
		sb.WriteString(fmt.Sprintf("Start Time:       %s\n", r.StartTime.Format(timeLayout)))
	}
	if !r.EndTime.IsZero() {
		sb.WriteString(fmt.Sprintf("End Time:         %s\n", r.EndTime.Format(timeLayout)))
	}
	sb.WriteString(fmt.Sprintf("Duration:         %s\n", FormatDuration(r.Duration)))
	sb.WriteString(fmt.Sprintf("Chunks:           %d\n", r.Chunks))
	sb.WriteString(fmt.Sprintf("Retries:          %d\n", r.Retries))
	sb.WriteString(fmt.Sprintf("Robust Mode:      %v\n", r.Robust))
	sb.WriteString("\n")

	if s := r.Stats; s != nil {
		sb.WriteString("STATISTICS\n")
		sb.WriteString(rule)
		for _, st := range statRows(r.Kind, s) {
			sb.WriteString(fmt.Sprintf("%-18s%s\n", st.label+":", st.value))
		}
		sb.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		sb.WriteString(fmt.Sprintf("WARNINGS (%d)\n", len(r.Warnings)))
		sb.WriteString(rule)
		sb.WriteString(r.Warnings.Summary())
		sb.WriteString("\n\n")
	}

	if r.HasFailed() {
		sb.WriteString("FAILURE\n")
		sb.WriteString(rule)
		sb.WriteString(r.FailureSummary + "\n\n")
	}

	sb.WriteString(strings.Repeat("=", 79) + "\n")
	sb.WriteString("End of Report\n")
	sb.WriteString(strings.Repeat("=", 79) + "\n")
	return sb.String()
}

type statRow struct {
	label string
	value string
}

// statRows lists the statistics that apply to the job kind
func statRows(kind string, s *models.JobStatistics) []statRow {
	if kind == "build" {
		return []statRow{
			{"Scanned Files", fmt.Sprint(s.ScannedFiles)},
			{"Scanned Dirs", fmt.Sprint(s.ScannedDirs)},
			{"Scanned Bytes", FormatBytes(s.ScannedBytes)},
			{"Scanned Nodes", fmt.Sprint(s.ScannedNodes)},
			{"Entries Written", fmt.Sprint(s.EntriesWritten)},
			{"Files Written", fmt.Sprint(s.FilesWritten)},
			{"Dirs Written", fmt.Sprint(s.DirsWritten)},
			{"Links Written", fmt.Sprint(s.LinksWritten)},
			{"Bytes Written", FormatBytes(s.BytesWritten)},
			{"Skipped Files", fmt.Sprint(s.SkippedFiles)},
			{"Skipped Dirs", fmt.Sprint(s.SkippedDirs)},
			{"Container Size", FormatBytes(s.ContainerSize)},
			{"Entries Verified", fmt.Sprint(s.EntriesRead)},
			{"Throughput", FormatBytes(int64(s.BytesPerSecond)) + "/s"},
		}
	}
	return []statRow{
		{"Entries Read", fmt.Sprint(s.EntriesRead)},
		{"Bytes Read", FormatBytes(s.BytesRead)},
		{"Files Expanded", fmt.Sprint(s.FilesExpanded)},
		{"Dirs Created", fmt.Sprint(s.DirsCreated)},
		{"Links Created", fmt.Sprint(s.LinksCreated)},
		{"Failed Entries", fmt.Sprint(s.FailedEntries)},
		{"Throughput", FormatBytes(int64(s.BytesPerSecond)) + "/s"},
	}
}
