package models

import "time"

// JobResults is the caller-facing summary of a build or expand job
type JobResults struct {
	// Summary
	JobID     string        `json:"job_id"`
	Kind      string        `json:"kind"`
	Phase     string        `json:"phase"`
	Container string        `json:"container"`
	Sources   []string      `json:"sources,omitempty"`
	Dest      string        `json:"dest,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Chunks    int           `json:"chunks"`
	Retries   int           `json:"retries"`
	Robust    bool          `json:"robust"`

	// Statistics
	Stats *JobStatistics `json:"statistics"`

	// Problems
	Warnings       WarningList `json:"warnings,omitempty"`
	FailureSummary string      `json:"failure_summary,omitempty"`

	// Report path
	ReportPath string `json:"report_path,omitempty"`
}

// JobStatistics contains per-phase counters
type JobStatistics struct {
	// Scan
	ScannedFiles int64 `json:"scanned_files"`
	ScannedDirs  int64 `json:"scanned_dirs"`
	ScannedBytes int64 `json:"scanned_bytes"`
	ScannedNodes int64 `json:"scanned_nodes"` // Everything under the source directories

	// Create
	EntriesWritten int64 `json:"entries_written"`
	FilesWritten   int64 `json:"files_written"`
	DirsWritten    int64 `json:"dirs_written"`
	LinksWritten   int64 `json:"links_written"`
	BytesWritten   int64 `json:"bytes_written"`
	SkippedFiles   int64 `json:"skipped_files"`
	SkippedDirs    int64 `json:"skipped_dirs"`
	ContainerSize  int64 `json:"container_size"`

	// Validate / expand
	EntriesRead   int64 `json:"entries_read"`
	BytesRead     int64 `json:"bytes_read"`
	DirsCreated   int64 `json:"dirs_created"`
	FilesExpanded int64 `json:"files_expanded"`
	LinksCreated  int64 `json:"links_created"`
	FailedEntries int64 `json:"failed_entries"`

	// Performance
	BytesPerSecond float64 `json:"bytes_per_second"`
}

// HasFailed reports whether the job ended in the failed state
func (r *JobResults) HasFailed() bool {
	return r.FailureSummary != ""
}
