package report

import (
	"fmt"
	"html"
	"strings"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

const htmlStyle = `        :root {
            --bg-primary: #0C0C0C;
            --bg-secondary: #161616;
            --text-primary: #ECECEC;
            --text-secondary: #A0A0A0;
            --accent: #D97706;
            --border-color: #2A2A2A;
            --critical-color: #EF4444;
            --warning-color: #EAB308;
            --info-color: #3B82F6;
            --ok-color: #22C55E;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            padding: 32px 24px;
            line-height: 1.5;
        }
        .container { max-width: 1100px; margin: 0 auto; }
        h1 { font-size: 30px; color: var(--accent); margin-bottom: 4px; }
        .subtitle { color: var(--text-secondary); margin-bottom: 24px; }
        .card {
            background: var(--bg-secondary);
            border: 1px solid var(--border-color);
            border-radius: 12px;
            margin-bottom: 24px;
            padding: 20px 24px;
        }
        .card h2 { font-size: 16px; margin-bottom: 12px; }
        table { width: 100%; border-collapse: collapse; }
        td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--border-color); }
        th { color: var(--text-secondary); font-weight: 500; }
        code { font-family: 'JetBrains Mono', monospace; font-size: 13px; }
        pre { white-space: pre-wrap; color: var(--critical-color); }
        .phase-done { color: var(--ok-color); }
        .phase-failed { color: var(--critical-color); }
        .severity-critical { color: var(--critical-color); }
        .severity-warning { color: var(--warning-color); }
        .severity-info { color: var(--info-color); }
`

// renderHTML renders a standalone page for status dashboards
func renderHTML(r *models.JobResults) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>DupArchive %s Report</title>
    <style>
%s    </style>
</head>
<body>
    <div class="container">
        <h1>DupArchive %s Report</h1>
        <p class="subtitle">Job <code>%s</code>: <span class="phase-%s" id="phase">%s</span></p>
`, title(r.Kind), htmlStyle, title(r.Kind), html.EscapeString(r.JobID),
		html.EscapeString(r.Phase), html.EscapeString(r.Phase)))

	sb.WriteString(`        <div class="card">
            <h2>Summary</h2>
            <table>
`)
	row := func(label, value string) {
		sb.WriteString(fmt.Sprintf("                <tr><th>%s</th><td>%s</td></tr>\n", label, value))
	}
	row("Container", "<code>"+html.EscapeString(r.Container)+"</code>")
	for _, src := range r.Sources {
		row("Source", "<code>"+html.EscapeString(src)+"</code>")
	}
	if r.Dest != "" {
		row("Destination", "<code>"+html.EscapeString(r.Dest)+"</code>")
	}
	if !r.StartTime.IsZero() {
		row("Start Time", r.StartTime.Format(timeLayout))
	}
	row("Duration", FormatDuration(r.Duration))
	row("Chunks", fmt.Sprintf("%d", r.Chunks))
	row("Retries", fmt.Sprintf("%d", r.Retries))
	if r.Stats != nil {
		for _, st := range statRows(r.Kind, r.Stats) {
			row(st.label, html.EscapeString(st.value))
		}
	}
	sb.WriteString("            </table>\n        </div>\n")

	if r.HasFailed() {
		sb.WriteString(fmt.Sprintf(`        <div class="card" id="failure">
            <h2>Failure</h2>
            <pre>%s</pre>
        </div>
`, html.EscapeString(r.FailureSummary)))
	}

	if len(r.Warnings) > 0 {
		sb.WriteString(fmt.Sprintf(`        <div class="card">
            <h2>Warnings (%d)</h2>
            <table>
                <tr><th>Severity</th><th>Phase</th><th>Path</th><th>Message</th></tr>
`, len(r.Warnings)))
		for _, w := range r.Warnings {
			sb.WriteString(fmt.Sprintf("                <tr class=\"severity-%s\"><td>%s</td><td>%s</td><td><code>%s</code></td><td>%s</td></tr>\n",
				w.Severity, w.Severity, html.EscapeString(w.Phase), html.EscapeString(w.Path), html.EscapeString(w.Message)))
		}
		sb.WriteString("            </table>\n        </div>\n")
	}

	sb.WriteString("    </div>\n</body>\n</html>\n")
	return sb.String()
}
