package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/IvanShishkin/duparchive/internal/compare"
	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/internal/scan"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// makeTree builds a source tree with nested directories, an empty file, an
// empty directory, a multi-block file and a symlink back to its parent.
func makeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(root, "a", "f1.txt"), []byte("hello\n"))
	writeFile(t, filepath.Join(root, "b", "c", "deep.txt"), []byte("deep content\n"))
	writeFile(t, filepath.Join(root, "empty.txt"), nil)
	writeFile(t, filepath.Join(root, "nul.bin"), []byte{0, '#', 'N', 'A', '#', 0, 1, 2})
	writeFile(t, filepath.Join(root, "z.bin"), bytes.Repeat([]byte("0123456789abcdef"), 20000))
	if err := os.MkdirAll(filepath.Join(root, "e"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("..", filepath.Join(root, "a", "loop")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	return root
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func buildOptions(src, containerPath string) BuildOptions {
	return BuildOptions{
		Sources:   []string{src},
		Container: containerPath,
		StateDir:  filepath.Join(filepath.Dir(containerPath), "state"),
		Sort:      scan.SortAsc,
		Chunk:     DefaultChunkOptions(),
	}
}

func newBuilder(t *testing.T, opts BuildOptions) *Builder {
	t.Helper()
	b, err := NewBuilder(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

func newExpander(t *testing.T, opts ExpandOptions) *Expander {
	t.Helper()
	e, err := NewExpander(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewExpander() error = %v", err)
	}
	return e
}

// stepUntilFinished steps a fresh engine per chunk, as an external driver
// restarting the process between chunks would.
func stepUntilFinished(t *testing.T, step func() (*models.JobResults, error)) *models.JobResults {
	t.Helper()
	for i := 0; i < 10000; i++ {
		res, err := step()
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if Phase(res.Phase).Finished() {
			return res
		}
	}
	t.Fatal("job did not finish")
	return nil
}

func TestBuildExpandRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		compression container.Compression
		password    string
	}{
		{"Raw", container.CompressionNone, ""},
		{"LZ4", container.CompressionLZ4, ""},
		{"Zstd encrypted", container.CompressionZstd, "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := makeTree(t)
			work := t.TempDir()
			opts := buildOptions(src, filepath.Join(work, "test.dupa"))
			opts.Compression = tt.compression
			opts.Password = tt.password
			opts.KDFIterations = 1000

			res, err := newBuilder(t, opts).Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Phase != string(PhaseDone) {
				t.Fatalf("Phase = %s, want done (%s)", res.Phase, res.FailureSummary)
			}
			// a, a/f1.txt, b, b/c, b/c/deep.txt, e, empty.txt, nul.bin, z.bin
			if res.Stats.EntriesWritten != 9 {
				t.Errorf("EntriesWritten = %d, want 9", res.Stats.EntriesWritten)
			}
			// The source root and the cyclic link count as nodes, not entries
			if res.Stats.ScannedNodes != 11 {
				t.Errorf("ScannedNodes = %d, want 11", res.Stats.ScannedNodes)
			}
			if res.Stats.EntriesRead != res.Stats.EntriesWritten {
				t.Errorf("EntriesRead = %d, want %d", res.Stats.EntriesRead, res.Stats.EntriesWritten)
			}
			if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0].Message, "cycle") {
				t.Errorf("Warnings = %v, want one cycle warning", res.Warnings)
			}

			dest := filepath.Join(work, "out")
			exp, err := newExpander(t, ExpandOptions{
				Container: opts.Container,
				Password:  tt.password,
				Dest:      dest,
				StateDir:  opts.StateDir,
				Chunk:     DefaultChunkOptions(),
			}).Run(context.Background())
			if err != nil {
				t.Fatalf("expand Run() error = %v", err)
			}
			if exp.Stats.FilesExpanded != 5 || exp.Stats.DirsCreated != 4 {
				t.Errorf("expanded %d files, %d dirs, want 5 and 4", exp.Stats.FilesExpanded, exp.Stats.DirsCreated)
			}

			diff, err := compare.Trees(src, dest, compare.Options{CheckModTime: true})
			if err != nil {
				t.Fatalf("Trees() error = %v", err)
			}
			if !diff.Equal() {
				t.Errorf("expanded tree differs:\n%s", diff.Summary())
			}
		})
	}
}

// headerStable blanks the archive id and creation time, the only header
// fields that differ between two builds of the same tree.
func headerStable(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	clear(data[6:30])
	return data
}

func TestChunkedBuildIsByteIdentical(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()

	oneShot := buildOptions(src, filepath.Join(work, "one", "test.dupa"))
	if _, err := newBuilder(t, oneShot).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	chunked := buildOptions(src, filepath.Join(work, "chunked", "test.dupa"))
	chunked.Chunk.MaxIterations = 1
	chunks := 0
	res := stepUntilFinished(t, func() (*models.JobResults, error) {
		chunks++
		return newBuilder(t, chunked).Step(context.Background())
	})
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done (%s)", res.Phase, res.FailureSummary)
	}
	if chunks < 20 {
		t.Errorf("chunks = %d, want one per item", chunks)
	}
	if res.Stats.ScannedNodes != 11 {
		t.Errorf("ScannedNodes = %d, want 11 across chunks", res.Stats.ScannedNodes)
	}

	if !bytes.Equal(headerStable(t, oneShot.Container), headerStable(t, chunked.Container)) {
		t.Error("chunked container differs from one-shot container")
	}
}

func TestChunkedExpandMatchesOneShot(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	opts.Compression = container.CompressionLZ4
	opts.Password = "secret"
	opts.KDFIterations = 1000
	if res, err := newBuilder(t, opts).Run(context.Background()); err != nil || res.Phase != string(PhaseDone) {
		t.Fatalf("Run() = %v, %v", res, err)
	}

	expandOptions := func(dest string) ExpandOptions {
		return ExpandOptions{
			Container: opts.Container,
			Password:  opts.Password,
			Dest:      dest,
			StateDir:  filepath.Join(work, "state-"+filepath.Base(dest)),
			Chunk:     DefaultChunkOptions(),
		}
	}

	oneShot := filepath.Join(work, "one")
	if res, err := newExpander(t, expandOptions(oneShot)).Run(context.Background()); err != nil || res.Phase != string(PhaseDone) {
		t.Fatalf("expand Run() = %v, %v", res, err)
	}

	chunked := expandOptions(filepath.Join(work, "chunked"))
	chunked.Chunk.MaxIterations = 1
	steps := 0
	res := stepUntilFinished(t, func() (*models.JobResults, error) {
		steps++
		return newExpander(t, chunked).Step(context.Background())
	})
	if res.Phase != string(PhaseDone) || res.Stats.FailedEntries != 0 {
		t.Fatalf("Phase = %s failed %d, want done and 0 (%s)", res.Phase, res.Stats.FailedEntries, res.FailureSummary)
	}
	if steps < 9 {
		t.Errorf("steps = %d, want one per entry", steps)
	}
	if res.Stats.FilesExpanded != 5 || res.Stats.DirsCreated != 4 {
		t.Errorf("expanded %d files, %d dirs, want 5 and 4", res.Stats.FilesExpanded, res.Stats.DirsCreated)
	}

	for _, dest := range []string{oneShot, chunked.Dest} {
		diff, err := compare.Trees(src, dest, compare.Options{CheckModTime: true})
		if err != nil {
			t.Fatalf("Trees() error = %v", err)
		}
		if !diff.Equal() {
			t.Errorf("%s differs from source:\n%s", dest, diff.Summary())
		}
	}
}

func TestExpandRetryRewritesInterruptedFile(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	opts.Compression = container.CompressionZstd
	if _, err := newBuilder(t, opts).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	dest := filepath.Join(work, "out")
	eopts := ExpandOptions{
		Container: opts.Container,
		Dest:      dest,
		StateDir:  opts.StateDir,
		Chunk:     DefaultChunkOptions(),
	}
	eopts.Chunk.MaxIterations = 1

	// Stop right before z.bin, the last entry
	for {
		res, err := newExpander(t, eopts).Step(context.Background())
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if res.Stats.FilesExpanded == 4 {
			break
		}
		if Phase(res.Phase).Finished() {
			t.Fatal("expand finished before z.bin")
		}
	}

	// A crash while writing z.bin leaves a longer, wrong file and the
	// chunk marked in flight
	target := filepath.Join(dest, "z.bin")
	writeFile(t, target, bytes.Repeat([]byte("x"), 400000))
	e := newExpander(t, eopts)
	job, err := e.driver.jobs.Load(e.JobID())
	if err != nil || job == nil {
		t.Fatalf("Load() = %v, %v", job, err)
	}
	job.InFlight = true
	if err := e.driver.save(job); err != nil {
		t.Fatal(err)
	}

	res := stepUntilFinished(t, func() (*models.JobResults, error) {
		return newExpander(t, eopts).Step(context.Background())
	})
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done (%s)", res.Phase, res.FailureSummary)
	}
	if res.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Retries)
	}

	want, err := os.ReadFile(filepath.Join(src, "z.bin"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("z.bin has %d bytes after retry, want %d matching source", len(got), len(want))
	}
}

func TestResumeDiscardsPartialTail(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	opts.Chunk.MaxIterations = 2

	// Step into the create phase
	for {
		res, err := newBuilder(t, opts).Step(context.Background())
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if res.Phase == string(PhaseCreating) && res.Stats.EntriesWritten > 0 {
			break
		}
	}

	// A crashed chunk leaves bytes past the last checkpoint
	f, err := os.OpenFile(opts.Container, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("partial entry from a crashed chunk"))
	f.Close()

	res := stepUntilFinished(t, func() (*models.JobResults, error) {
		return newBuilder(t, opts).Step(context.Background())
	})
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done (%s)", res.Phase, res.FailureSummary)
	}
}

func TestUnreadableFileIsContained(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	for i := 0; i < 1000; i++ {
		writeFile(t, filepath.Join(src, fmt.Sprintf("f%04d.txt", i)), []byte(fmt.Sprintf("file %d\n", i)))
	}

	opts := buildOptions(src, filepath.Join(t.TempDir(), "test.dupa"))
	b := newBuilder(t, opts)
	b.openFile = func(path string) (ReadCloser, error) {
		if filepath.Base(path) == "f0500.txt" {
			return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
		}
		return openOS(path)
	}

	res, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done", res.Phase)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v, want 1", res.Warnings)
	}
	if res.Stats.EntriesWritten != 999 {
		t.Errorf("EntriesWritten = %d, want 999", res.Stats.EntriesWritten)
	}
	if res.Stats.SkippedFiles != 1 {
		t.Errorf("SkippedFiles = %d, want 1", res.Stats.SkippedFiles)
	}
}

func TestSourceChangedIsWarning(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "grows.txt"), []byte("abc"))
	writeFile(t, filepath.Join(src, "other.txt"), []byte("other"))

	opts := buildOptions(src, filepath.Join(t.TempDir(), "test.dupa"))
	opts.Chunk.MaxIterations = 1

	// Scan first, then let the file grow before it is archived
	for {
		res, err := newBuilder(t, opts).Step(context.Background())
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if res.Phase == string(PhaseCreating) {
			break
		}
	}
	writeFile(t, filepath.Join(src, "grows.txt"), []byte("abcdef"))

	res := stepUntilFinished(t, func() (*models.JobResults, error) {
		return newBuilder(t, opts).Step(context.Background())
	})
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done (%s)", res.Phase, res.FailureSummary)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Path != "grows.txt" {
		t.Errorf("Warnings = %v, want one for grows.txt", res.Warnings)
	}
	if res.Stats.FilesWritten != 2 {
		t.Errorf("FilesWritten = %d, want 2", res.Stats.FilesWritten)
	}
}

func TestValidateCatchesTruncation(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	if _, err := newBuilder(t, opts).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	st, err := os.Stat(opts.Container)
	if err != nil {
		t.Fatal(err)
	}
	// z.bin is the last entry; the cut reaches into its content
	if err := os.Truncate(opts.Container, st.Size()-100); err != nil {
		t.Fatal(err)
	}

	v := newExpander(t, ExpandOptions{
		Container:    opts.Container,
		StateDir:     opts.StateDir,
		ValidateOnly: true,
		Chunk:        DefaultChunkOptions(),
	})
	res, err := v.Run(context.Background())
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("Run() error = %v, want ErrJobFailed", err)
	}
	if !errors.Is(err, container.ErrSizeMismatch) {
		t.Errorf("Run() error = %v, want ErrSizeMismatch", err)
	}
	if res.Phase != string(PhaseFailed) {
		t.Errorf("Phase = %s, want failed", res.Phase)
	}
	if res.Kind != "validate" {
		t.Errorf("Kind = %s, want validate", res.Kind)
	}
	if !strings.Contains(res.FailureSummary, "z.bin") {
		t.Errorf("FailureSummary = %q, want it to name z.bin", res.FailureSummary)
	}

	// The summary is stable across reads and further steps
	again, err := v.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if again.FailureSummary != res.FailureSummary {
		t.Errorf("FailureSummary changed: %q then %q", res.FailureSummary, again.FailureSummary)
	}
	if _, err := v.Step(context.Background()); !errors.Is(err, ErrJobFailed) {
		t.Errorf("Step() after failure error = %v, want ErrJobFailed", err)
	}
}

func TestExpandWrongPassword(t *testing.T) {
	src := makeTree(t)
	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	opts.Password = "right"
	opts.KDFIterations = 1000
	if _, err := newBuilder(t, opts).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, err := newExpander(t, ExpandOptions{
		Container: opts.Container,
		Password:  "wrong",
		Dest:      filepath.Join(work, "out"),
		StateDir:  opts.StateDir,
		Chunk:     DefaultChunkOptions(),
	}).Run(context.Background())
	if !errors.Is(err, container.ErrBadPassword) {
		t.Errorf("Run() error = %v, want ErrBadPassword", err)
	}
}

func TestExpandUnwritableTargetContinues(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(src, "blocked.txt"), []byte("blocked"))
	writeFile(t, filepath.Join(src, "c.txt"), []byte("c"))

	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	if _, err := newBuilder(t, opts).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// A directory where a file should go cannot be opened for writing
	dest := filepath.Join(work, "out")
	if err := os.MkdirAll(filepath.Join(dest, "blocked.txt"), 0755); err != nil {
		t.Fatal(err)
	}

	res, err := newExpander(t, ExpandOptions{
		Container: opts.Container,
		Dest:      dest,
		StateDir:  opts.StateDir,
		Chunk:     DefaultChunkOptions(),
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Phase != string(PhaseDone) {
		t.Fatalf("Phase = %s, want done", res.Phase)
	}
	if res.Stats.FailedEntries != 1 || res.Stats.FilesExpanded != 2 {
		t.Errorf("failed %d, expanded %d, want 1 and 2", res.Stats.FailedEntries, res.Stats.FilesExpanded)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Path != "blocked.txt" {
		t.Errorf("Warnings = %v, want one for blocked.txt", res.Warnings)
	}
	if data, err := os.ReadFile(filepath.Join(dest, "c.txt")); err != nil || string(data) != "c" {
		t.Errorf("c.txt = %q, %v", data, err)
	}
}

func TestExpandRejectsUnsafePaths(t *testing.T) {
	work := t.TempDir()
	path := filepath.Join(work, "evil.dupa")
	w, err := container.Create(path, container.Options{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, rel := range []string{"../escape.txt", "ok.txt"} {
		if err := w.WriteFile(rel, strings.NewReader("x"), 1, 0, 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	w.Close()

	dest := filepath.Join(work, "out")
	res, err := newExpander(t, ExpandOptions{
		Container: path,
		Dest:      dest,
		StateDir:  filepath.Join(work, "state"),
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stats.FailedEntries != 1 || res.Stats.FilesExpanded != 1 {
		t.Errorf("failed %d, expanded %d, want 1 and 1", res.Stats.FailedEntries, res.Stats.FilesExpanded)
	}
	if _, err := os.Stat(filepath.Join(work, "escape.txt")); !os.IsNotExist(err) {
		t.Error("entry escaped the destination")
	}
}

func TestPreserveLinksRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "target.txt"), []byte("t"))
	if err := os.Symlink("target.txt", filepath.Join(src, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	work := t.TempDir()
	opts := buildOptions(src, filepath.Join(work, "test.dupa"))
	opts.PreserveLinks = true
	res, err := newBuilder(t, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stats.LinksWritten != 1 {
		t.Errorf("LinksWritten = %d, want 1", res.Stats.LinksWritten)
	}

	dest := filepath.Join(work, "out")
	if _, err := newExpander(t, ExpandOptions{Container: opts.Container, Dest: dest, StateDir: opts.StateDir}).Run(context.Background()); err != nil {
		t.Fatalf("expand Run() error = %v", err)
	}
	got, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil || got != "target.txt" {
		t.Errorf("Readlink() = %q, %v, want target.txt", got, err)
	}
}

func TestMaxFileSize(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "small"), []byte("ok"))
	writeFile(t, filepath.Join(src, "large"), bytes.Repeat([]byte("x"), 100))

	opts := buildOptions(src, filepath.Join(t.TempDir(), "test.dupa"))
	opts.MaxFileSize = 10
	res, err := newBuilder(t, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stats.FilesWritten != 1 || res.Stats.SkippedFiles != 1 {
		t.Errorf("written %d, skipped %d, want 1 and 1", res.Stats.FilesWritten, res.Stats.SkippedFiles)
	}
}

func TestReset(t *testing.T) {
	src := makeTree(t)
	opts := buildOptions(src, filepath.Join(t.TempDir(), "test.dupa"))
	opts.Chunk.MaxIterations = 3

	b := newBuilder(t, opts)
	for i := 0; i < 6; i++ {
		if _, err := b.Step(context.Background()); err != nil {
			t.Fatalf("Step() error = %v", err)
		}
	}
	if err := b.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	res, err := b.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if res.Phase != string(PhaseNotStarted) || res.Chunks != 0 {
		t.Errorf("after reset phase %s, chunks %d, want not_started and 0", res.Phase, res.Chunks)
	}
	if _, err := os.Stat(opts.Container); !os.IsNotExist(err) {
		t.Error("unfinished container kept after reset")
	}
}

func TestProgressCallback(t *testing.T) {
	src := makeTree(t)
	opts := buildOptions(src, filepath.Join(t.TempDir(), "test.dupa"))
	b := newBuilder(t, opts)

	phases := map[string]int{}
	b.SetProgressCallback(func(phase string, current, total int64, message string) {
		phases[phase]++
	})
	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Reported after each chunk, in the phase that follows it
	if len(phases) == 0 {
		t.Error("progress callback never called")
	}
}

func TestBuildWithoutSources(t *testing.T) {
	work := t.TempDir()
	b := newBuilder(t, BuildOptions{Container: filepath.Join(work, "x.dupa"), Chunk: DefaultChunkOptions()})
	if _, err := b.Run(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Errorf("Run() error = %v, want ErrNoSources", err)
	}
	if _, err := os.Stat(filepath.Join(work, "x.dupa")); !os.IsNotExist(err) {
		t.Error("container created for a job without sources")
	}
}

func TestJobIDIsStable(t *testing.T) {
	a := DefaultJobID(KindBuild, "/tmp/x/test.dupa")
	b := DefaultJobID(KindBuild, "/tmp/x/../x/test.dupa")
	if a != b {
		t.Errorf("DefaultJobID() = %s and %s, want equal", a, b)
	}
	if c := DefaultJobID(KindExpand, "/tmp/x/test.dupa"); c == a {
		t.Error("build and expand jobs share an id")
	}
}

func TestRetryAndRobustMode(t *testing.T) {
	d, err := newDriver(t.TempDir(), ChunkOptions{
		TimeBudget:   time.Second,
		MaxRetries:   3,
		RobustAfter:  2,
		RobustFactor: 0.25,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("newDriver() error = %v", err)
	}

	transient := errors.New("transient")
	job := &Job{ID: "retry", Kind: KindBuild, Phase: PhaseScanning}
	var budgets []time.Duration
	run := func(result error) func(context.Context, *Job) error {
		return func(_ context.Context, job *Job) error {
			budgets = append(budgets, d.chunkOptions(job).TimeBudget)
			return result
		}
	}

	// Two failures, then a success resets the consecutive count
	for i := 0; i < 2; i++ {
		if err := d.step(context.Background(), job, run(transient)); !errors.Is(err, transient) {
			t.Fatalf("step() error = %v, want transient", err)
		}
	}
	if job.Retries != 2 || job.Robust {
		t.Fatalf("after 2 failures retries %d robust %v, want 2 and false", job.Retries, job.Robust)
	}
	if err := d.step(context.Background(), job, run(nil)); err != nil {
		t.Fatalf("step() error = %v", err)
	}
	if !job.Robust || job.Retries != 0 {
		t.Errorf("after success robust %v retries %d, want true and 0", job.Robust, job.Retries)
	}
	if want := []time.Duration{time.Second, time.Second, 250 * time.Millisecond}; fmt.Sprint(budgets) != fmt.Sprint(want) {
		t.Errorf("budgets = %v, want %v", budgets, want)
	}

	// An interrupted chunk counts as a retry
	job.InFlight = true
	if err := d.step(context.Background(), job, run(nil)); err != nil {
		t.Fatalf("step() error = %v", err)
	}
	if job.TotalRetries != 3 {
		t.Errorf("TotalRetries = %d, want 3", job.TotalRetries)
	}

	// MaxRetries consecutive failures, then the job fails
	for i := 0; i < 3; i++ {
		d.step(context.Background(), job, run(transient))
	}
	if job.Phase == PhaseFailed {
		t.Fatal("job failed before exceeding MaxRetries")
	}
	err = d.step(context.Background(), job, run(transient))
	if !errors.Is(err, ErrJobFailed) || job.Phase != PhaseFailed {
		t.Fatalf("step() error = %v phase %s, want ErrJobFailed and failed", err, job.Phase)
	}
	if !strings.Contains(job.FailureSummary, "giving up after 3 retries") {
		t.Errorf("FailureSummary = %q", job.FailureSummary)
	}

	stored, err := d.jobs.Load("retry")
	if err != nil || stored == nil {
		t.Fatalf("Load() = %v, %v", stored, err)
	}
	if stored.Phase != PhaseFailed || stored.InFlight {
		t.Errorf("stored phase %s in flight %v, want failed and false", stored.Phase, stored.InFlight)
	}
}

func TestCriticalErrorFailsImmediately(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d, err := newDriver(t.TempDir(), DefaultChunkOptions(), zap.New(core))
	if err != nil {
		t.Fatalf("newDriver() error = %v", err)
	}
	job := &Job{ID: "critical", Kind: KindExpand, Phase: PhaseExpanding}
	job.Expand.Entries = 7
	job.Expand.Warnings.Add(models.SeverityWarning, "expanding", "x", "could not write")

	err = d.step(context.Background(), job, func(context.Context, *Job) error {
		return critical("y", fmt.Errorf("%w: bad block", container.ErrCorrupt))
	})
	if !errors.Is(err, ErrJobFailed) || !errors.Is(err, container.ErrCorrupt) {
		t.Fatalf("step() error = %v, want ErrJobFailed wrapping ErrCorrupt", err)
	}
	// Plain warnings stay in the results, not in the failure summary
	if strings.Contains(job.FailureSummary, "\n") || !strings.HasPrefix(job.FailureSummary, "[critical] expanding: y: ") {
		t.Errorf("FailureSummary = %q, want the single critical line", job.FailureSummary)
	}
	if got := job.Results().Warnings.Count(models.SeverityWarning); got != 1 {
		t.Errorf("warnings in results = %d, want 1", got)
	}

	failed := logs.FilterMessage("Job failed").All()
	if len(failed) != 1 {
		t.Fatalf("logged %d job failures, want 1", len(failed))
	}
	fields := failed[0].ContextMap()
	if fields["job"] != "critical" || fields["phase"] != "expanding" || fields["entry"] != int64(7) {
		t.Errorf("failure log fields = %v, want job, phase and entry 7", fields)
	}
}

func TestIsCritical(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Plain", errors.New("timeout"), false},
		{"Source changed", container.ErrSourceChanged, false},
		{"Corrupt", fmt.Errorf("read: %w", container.ErrCorrupt), true},
		{"Size mismatch", container.ErrSizeMismatch, true},
		{"Write", fmt.Errorf("%w: no space left on device", container.ErrWrite), true},
		{"Wrapped critical", critical("p", errors.New("x")), true},
		{"Bad password", container.ErrBadPassword, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCritical(tt.err); got != tt.want {
				t.Errorf("IsCritical(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEffectiveChunkOptions(t *testing.T) {
	opts := ChunkOptions{MaxIterations: 100, TimeBudget: 8 * time.Second, RobustFactor: 0.01}

	normal := opts.effective(false)
	if normal.MaxIterations != 100 || normal.TimeBudget != 8*time.Second {
		t.Errorf("effective(false) = %+v", normal)
	}
	robust := opts.effective(true)
	if robust.MaxIterations != 50 {
		t.Errorf("robust MaxIterations = %d, want 50", robust.MaxIterations)
	}
	if robust.TimeBudget != time.Second {
		t.Errorf("robust TimeBudget = %v, want floor of 1s", robust.TimeBudget)
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"a/b.txt", filepath.Join("/dest", "a", "b.txt"), false},
		{"a/./b/../c", filepath.Join("/dest", "a", "c"), false},
		{"../x", "", true},
		{"a/../../x", "", true},
		{"/etc/passwd", "", true},
		{"C:/x", "", true},
		{"..\\x", "", true},
		{"", "", true},
		{".", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := safeJoin("/dest", tt.rel)
			if (err != nil) != tt.wantErr {
				t.Fatalf("safeJoin(%q) error = %v, wantErr %v", tt.rel, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("safeJoin(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}
