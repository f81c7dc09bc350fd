package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

func sampleResults() *models.JobResults {
	r := &models.JobResults{
		JobID:     "build-1234",
		Kind:      "build",
		Phase:     "done",
		Container: "/backups/site.dupa",
		Sources:   []string{"/var/www"},
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
		Duration:  time.Minute,
		Chunks:    12,
		Stats: &models.JobStatistics{
			ScannedFiles:   10,
			EntriesWritten: 12,
			BytesWritten:   2048,
			EntriesRead:    12,
		},
	}
	r.Warnings.Add(models.SeverityWarning, "creating", "cache/lock", "unreadable, skipped | permission denied")
	return r
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{1500 * time.Microsecond, "1.50ms"},
		{2500 * time.Millisecond, "2.50s"},
		{90 * time.Second, "1m30.00s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h2m3.00s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{5 << 20, "5.00 MiB"},
		{3 << 30, "3.00 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatBytes(tt.n); got != tt.want {
				t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestNewGeneratorFormats(t *testing.T) {
	for _, format := range []string{"", "console", "json", "text", "txt", "md", "markdown", "html"} {
		if _, err := NewGenerator(format, "", zap.NewNop()); err != nil {
			t.Errorf("NewGenerator(%q) error = %v", format, err)
		}
	}
	if _, err := NewGenerator("pdf", "", zap.NewNop()); err == nil {
		t.Error("NewGenerator(pdf) error = nil, want error")
	}
}

func TestGenerateJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	g, err := NewGenerator("json", path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	got, err := g.Generate(sampleResults())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != path {
		t.Errorf("Generate() = %q, want %q", got, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded["job_id"] != "build-1234" || decoded["duration_text"] != "1m0.00s" || decoded["failed"] != false {
		t.Errorf("decoded report = %v", decoded)
	}
}

func TestGenerateToWriter(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"DUPARCHIVE BUILD REPORT", "Entries Written:  12", "WARNINGS (1)", "cache/lock"}},
		{"md", []string{"# DupArchive Build Report", "| Entries Written | 12 |", "`cache/lock`", "skipped \\| permission"}},
		{"html", []string{"<title>DupArchive Build Report</title>", `id="phase">done</span>`, "<th>Entries Written</th><td>12</td>", "skipped | permission denied"}},
		{"console", []string{"BUILD DONE", "build-1234", "1 warnings (0 critical, 1 warning, 0 info)", "cache/lock"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			g, err := NewGenerator(tt.format, "-", zap.NewNop())
			if err != nil {
				t.Fatalf("NewGenerator() error = %v", err)
			}
			var buf bytes.Buffer
			g.SetOutput(&buf)

			path, err := g.Generate(sampleResults())
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if path != "" {
				t.Errorf("Generate() = %q, want empty path", path)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestGenerateHTMLEscapes(t *testing.T) {
	r := sampleResults()
	r.Phase = "failed"
	r.Warnings.Add(models.SeverityCritical, "validating", "<script>.php", "size mismatch & truncated")
	r.FailureSummary = r.Warnings.Summary()

	g, err := NewGenerator("html", "-", zap.NewNop())
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	var buf bytes.Buffer
	g.SetOutput(&buf)
	if _, err := g.Generate(r); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "<script>") {
		t.Error("html report contains an unescaped path")
	}
	for _, want := range []string{`id="failure"`, "&lt;script&gt;.php", "size mismatch &amp; truncated", `class="severity-critical"`} {
		if !strings.Contains(out, want) {
			t.Errorf("html report missing %q", want)
		}
	}
}

func TestGenerateFailed(t *testing.T) {
	r := sampleResults()
	r.Phase = "failed"
	r.Warnings.Add(models.SeverityCritical, "validating", "z.bin", "size mismatch")
	r.FailureSummary = r.Warnings.Summary()

	g, err := NewGenerator("text", "-", zap.NewNop())
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	var buf bytes.Buffer
	g.SetOutput(&buf)
	if _, err := g.Generate(r); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(buf.String(), "FAILURE\n") || !strings.Contains(buf.String(), "[critical] validating: z.bin: size mismatch") {
		t.Errorf("text report missing failure section:\n%s", buf.String())
	}
}
