package archive

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// Phase is the state of a job.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseScanning   Phase = "scanning"
	PhaseCreating   Phase = "creating"
	PhaseValidating Phase = "validating"
	PhaseExpanding  Phase = "expanding"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Finished reports whether no further chunks run in this phase.
func (p Phase) Finished() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Kind tells build jobs from expand jobs.
type Kind string

const (
	KindBuild  Kind = "build"
	KindExpand Kind = "expand"
)

// ScanState is the caller state of the scan phase.
type ScanState struct {
	IndexOffset  int64              `cbor:"index_offset"` // Valid index bytes
	Entries      int64              `cbor:"entries"`
	Files        int64              `cbor:"files"`
	Dirs         int64              `cbor:"dirs"`
	Links        int64              `cbor:"links"`
	Bytes        int64              `cbor:"bytes"`
	SkippedFiles int64              `cbor:"skipped_files"`
	SkippedDirs  int64              `cbor:"skipped_dirs"`
	Sources      []SourceTotals     `cbor:"sources,omitempty"` // Source directories walked to the end
	Warnings     models.WarningList `cbor:"warnings"`
}

// SourceTotals are the aggregates of one source directory, including nodes
// that were skipped or not followed.
type SourceTotals struct {
	Path  string `cbor:"path"`
	Size  int64  `cbor:"size"`
	Nodes int64  `cbor:"nodes"`
}

// addSource records t, replacing an earlier record for the same source when
// a failed chunk walked it again.
func (s *ScanState) addSource(t SourceTotals) {
	for i := range s.Sources {
		if s.Sources[i].Path == t.Path {
			s.Sources[i] = t
			return
		}
	}
	s.Sources = append(s.Sources, t)
}

// Nodes returns the number of nodes under the walked source directories.
func (s *ScanState) Nodes() int64 {
	var n int64
	for _, t := range s.Sources {
		n += t.Nodes
	}
	return n
}

// CreateState is the caller state of the create phase.
type CreateState struct {
	Checkpoint   container.Checkpoint `cbor:"checkpoint"`
	FileIndex    int64                `cbor:"file_index"` // Files written
	DirIndex     int64                `cbor:"dir_index"`  // Directories written
	LinkIndex    int64                `cbor:"link_index"` // Symlinks written
	SkippedFiles int64                `cbor:"skipped_files"`
	SkippedDirs  int64                `cbor:"skipped_dirs"`
	BytesWritten int64                `cbor:"bytes_written"`
	Warnings     models.WarningList   `cbor:"warnings"`
	IsRobust     bool                 `cbor:"robust"`
	Working      bool                 `cbor:"working"`
}

// Entries returns the number of entries in the container.
func (s *CreateState) Entries() int64 {
	return s.FileIndex + s.DirIndex + s.LinkIndex
}

// ExpandState is the caller state of an expand or validate pass.
type ExpandState struct {
	Entries       int64              `cbor:"entries"`
	Files         int64              `cbor:"files"`
	Dirs          int64              `cbor:"dirs"`
	Links         int64              `cbor:"links"`
	Bytes         int64              `cbor:"bytes"`
	Failed        int64              `cbor:"failed"`         // Entries that could not be written
	ExpectEntries int64              `cbor:"expect_entries"` // Declared by the container header
	Warnings      models.WarningList `cbor:"warnings"`
	IsRobust      bool               `cbor:"robust"`
	Working       bool               `cbor:"working"`
}

// Job is the persisted record of one build or expand.
type Job struct {
	ID        string    `cbor:"id"`
	Kind      Kind      `cbor:"kind"`
	Phase     Phase     `cbor:"phase"`
	Sources   []string  `cbor:"sources,omitempty"`
	Container string    `cbor:"container"`
	Dest      string    `cbor:"dest,omitempty"`
	Verify    bool      `cbor:"verify,omitempty"` // Expand job that only validates
	Started   time.Time `cbor:"started"`
	Finished  time.Time `cbor:"finished"`

	Chunks       int  `cbor:"chunks"`
	Retries      int  `cbor:"retries"`       // Consecutive failed or interrupted chunks
	TotalRetries int  `cbor:"total_retries"` // All retries over the job's life
	InFlight     bool `cbor:"in_flight"`     // Set while a chunk runs
	Robust       bool `cbor:"robust"`

	Scan     ScanState   `cbor:"scan"`
	Create   CreateState `cbor:"create"`
	Validate ExpandState `cbor:"validate"`
	Expand   ExpandState `cbor:"expand"`

	Warnings       models.WarningList `cbor:"warnings"` // Job-level problems
	FailureSummary string             `cbor:"failure_summary,omitempty"`
}

// DefaultJobID derives a stable job id from the container path, so the same
// container always maps to the same job.
func DefaultJobID(kind Kind, containerPath string) string {
	abs, err := filepath.Abs(containerPath)
	if err != nil {
		abs = containerPath
	}
	return string(kind) + "-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
}

// AllWarnings returns every warning recorded so far, phase by phase.
func (j *Job) AllWarnings() models.WarningList {
	var all models.WarningList
	all = append(all, j.Scan.Warnings...)
	all = append(all, j.Create.Warnings...)
	all = append(all, j.Validate.Warnings...)
	all = append(all, j.Expand.Warnings...)
	all = append(all, j.Warnings...)
	return all
}

// fail moves the job to the failed state. The summary is built once from
// the warnings, so repeated status reads see the same text.
func (j *Job) fail(phase string, path string, err error, now time.Time) {
	j.Warnings.Add(models.SeverityCritical, phase, path, err.Error())
	j.Phase = PhaseFailed
	j.InFlight = false
	j.Finished = now
	j.FailureSummary = j.AllWarnings().Critical().Summary()
}

// entryIndex returns the number of entries the phase has finished, which is
// the ordinal of the entry it works on next.
func (j *Job) entryIndex(phase Phase) int64 {
	switch phase {
	case PhaseScanning:
		return j.Scan.Entries
	case PhaseCreating:
		return j.Create.Entries()
	case PhaseValidating:
		return j.Validate.Entries
	case PhaseExpanding:
		return j.Expand.Entries
	}
	return 0
}

func (j *Job) kindName() string {
	if j.Verify {
		return "validate"
	}
	return string(j.Kind)
}

// Results converts the job into the caller-facing summary.
func (j *Job) Results() *models.JobResults {
	res := &models.JobResults{
		JobID:          j.ID,
		Kind:           j.kindName(),
		Phase:          string(j.Phase),
		Container:      j.Container,
		Sources:        j.Sources,
		Dest:           j.Dest,
		StartTime:      j.Started,
		EndTime:        j.Finished,
		Chunks:         j.Chunks,
		Retries:        j.TotalRetries,
		Robust:         j.Robust,
		Warnings:       j.AllWarnings(),
		FailureSummary: j.FailureSummary,
		Stats: &models.JobStatistics{
			ScannedFiles:   j.Scan.Files,
			ScannedDirs:    j.Scan.Dirs,
			ScannedBytes:   j.Scan.Bytes,
			ScannedNodes:   j.Scan.Nodes(),
			EntriesWritten: j.Create.Entries(),
			FilesWritten:   j.Create.FileIndex,
			DirsWritten:    j.Create.DirIndex,
			LinksWritten:   j.Create.LinkIndex,
			BytesWritten:   j.Create.BytesWritten,
			SkippedFiles:   j.Scan.SkippedFiles + j.Create.SkippedFiles,
			SkippedDirs:    j.Scan.SkippedDirs + j.Create.SkippedDirs,
			ContainerSize:  j.Create.Checkpoint.Offset,
		},
	}

	read := j.Validate
	if j.Kind == KindExpand && !j.Verify {
		read = j.Expand
	}
	res.Stats.EntriesRead = read.Entries
	res.Stats.BytesRead = read.Bytes
	res.Stats.DirsCreated = read.Dirs
	res.Stats.FilesExpanded = read.Files
	res.Stats.LinksCreated = read.Links
	res.Stats.FailedEntries = read.Failed

	if !j.Finished.IsZero() {
		res.Duration = j.Finished.Sub(j.Started)
	} else if !j.Started.IsZero() {
		res.Duration = time.Since(j.Started)
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		bytes := res.Stats.BytesWritten
		if j.Kind == KindExpand {
			bytes = res.Stats.BytesRead
		}
		res.Stats.BytesPerSecond = float64(bytes) / secs
	}
	return res
}
