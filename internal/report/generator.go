package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

// Formats lists the supported report formats
var Formats = []string{"console", "json", "text", "md", "html"}

// ParseFormat normalises a report format name. An empty name means console,
// markdown and txt are accepted as aliases.
func ParseFormat(format string) (string, error) {
	switch format {
	case "":
		return "console", nil
	case "markdown":
		return "md", nil
	case "txt":
		return "text", nil
	}
	for _, f := range Formats {
		if f == format {
			return format, nil
		}
	}
	return "", fmt.Errorf("unknown report format: %s (must be %s)", format, strings.Join(Formats, ", "))
}

// FormatDuration formats duration to a human-readable string with max 2 decimal places
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d < time.Hour:
		mins := int(d.Minutes())
		return fmt.Sprintf("%dm%.2fs", mins, d.Seconds()-float64(mins*60))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) - hours*60
	secs := d.Seconds() - float64(hours*3600) - float64(mins*60)
	return fmt.Sprintf("%dh%dm%.2fs", hours, mins, secs)
}

// FormatBytes formats a byte count with a binary unit
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
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Generator renders job results in various formats
type Generator struct {
	format     string
	outputFile string
	out        io.Writer
	logger     *zap.Logger
}

// NewGenerator creates a report generator. An empty format means console.
func NewGenerator(format, outputFile string, logger *zap.Logger) (*Generator, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{format: format, outputFile: outputFile, out: os.Stdout, logger: logger}, nil
}

// SetOutput redirects console output and reports written to "-"
func (g *Generator) SetOutput(w io.Writer) {
	g.out = w
}

// Generate renders results. File reports return their absolute path; console
// output and reports written to "-" return an empty path.
func (g *Generator) Generate(results *models.JobResults) (string, error) {
	if g.format == "console" {
		_, err := io.WriteString(g.out, renderConsole(results))
		return "", err
	}

	var data []byte
	switch g.format {
	case "json":
		b, err := renderJSON(results)
		if err != nil {
			return "", fmt.Errorf("failed to generate json report: %w", err)
		}
		data = b
	case "text":
		data = []byte(renderText(results))
	case "md":
		data = []byte(renderMarkdown(results))
	case "html":
		data = []byte(renderHTML(results))
	}

	if g.outputFile == "-" {
		_, err := g.out.Write(data)
		return "", err
	}

	outputFile := g.outputFile
	if outputFile == "" {
		timestamp := time.Now().Format("20060102-150405")
		outputFile = fmt.Sprintf("DUPARCHIVE-REPORT-%s.%s", timestamp, extension(g.format))
	}

	g.logger.Info("Generating report",
		zap.String("format", g.format),
		zap.String("output", outputFile))

	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s report: %w", g.format, err)
	}
	absPath, _ := filepath.Abs(outputFile)
	return absPath, nil
}

func extension(format string) string {
	if format == "text" {
		return "txt"
	}
	return format
}

type consoleStyles struct {
	header lipgloss.Style
	label  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	crit   lipgloss.Style
	muted  lipgloss.Style
	panel  lipgloss.Style
}

func newConsoleStyles() consoleStyles {
	return consoleStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		crit:   lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		panel:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

func renderConsole(r *models.JobResults) string {
	st := newConsoleStyles()
	var sb strings.Builder
	row := func(label, value string) {
		sb.WriteString("  " + st.label.Render(label) + value + "\n")
	}

	sb.WriteString("\n")
	sb.WriteString(st.header.Render(strings.ToUpper(fmt.Sprintf("%s %s", r.Kind, r.Phase))) + "\n\n")

	row("Job:", r.JobID)
	row("Container:", r.Container)
	if len(r.Sources) > 0 {
		row("Sources:", strings.Join(r.Sources, ", "))
	}
	if r.Dest != "" {
		row("Dest:", r.Dest)
	}
	row("Chunks:", fmt.Sprintf("%d (%d retries)", r.Chunks, r.Retries))
	if r.Robust {
		row("Mode:", st.warn.Render("robust"))
	}
	row("Duration:", FormatDuration(r.Duration))

	if s := r.Stats; s != nil {
		sb.WriteString("\n")
		if r.Kind == "build" {
			row("Scanned:", fmt.Sprintf("%d files, %d dirs, %s", s.ScannedFiles, s.ScannedDirs, FormatBytes(s.ScannedBytes)))
			row("Written:", fmt.Sprintf("%d entries, %s", s.EntriesWritten, FormatBytes(s.BytesWritten)))
			row("Skipped:", fmt.Sprintf("%d files, %d dirs", s.SkippedFiles, s.SkippedDirs))
			row("Container:", FormatBytes(s.ContainerSize))
			row("Validated:", fmt.Sprintf("%d entries", s.EntriesRead))
		} else {
			row("Read:", fmt.Sprintf("%d entries, %s", s.EntriesRead, FormatBytes(s.BytesRead)))
			row("Created:", fmt.Sprintf("%d files, %d dirs, %d links", s.FilesExpanded, s.DirsCreated, s.LinksCreated))
			if s.FailedEntries > 0 {
				row("Failed:", st.warn.Render(fmt.Sprintf("%d entries", s.FailedEntries)))
			}
		}
		if s.BytesPerSecond > 0 {
			row("Speed:", FormatBytes(int64(s.BytesPerSecond))+"/s")
		}
	}
	sb.WriteString("\n")

	switch {
	case r.HasFailed():
		sb.WriteString("  " + st.crit.Render("✗ FAILED") + "\n")
		sb.WriteString(st.panel.Render(r.FailureSummary) + "\n")
	case r.Phase == "done" && len(r.Warnings) == 0:
		sb.WriteString("  " + st.ok.Render("✓ Completed without warnings") + "\n")
	case len(r.Warnings) > 0:
		style := st.warn
		if r.Warnings.HasCritical() {
			style = st.crit
		}
		sb.WriteString("  " + style.Render(fmt.Sprintf("⚠ %d warnings (%d critical, %d warning, %d info)", len(r.Warnings),
			r.Warnings.Count(models.SeverityCritical), r.Warnings.Count(models.SeverityWarning), r.Warnings.Count(models.SeverityInfo))) + "\n")
		for _, w := range r.Warnings {
			style := st.muted
			if w.Severity == models.SeverityCritical {
				style = st.crit
			}
			sb.WriteString("    " + style.Render(w.String()) + "\n")
		}
	default:
		sb.WriteString("  " + st.muted.Render("In progress") + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}
