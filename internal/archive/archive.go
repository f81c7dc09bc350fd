// Package archive implements the build and expand engines.
//
// A build runs through the phases scanning, creating and validating, each
// one a sequence of chunks driven by chunk.Manager. An expand runs a single
// expanding (or validating) phase over an existing container. Every chunk
// persists enough state to resume after the process exits, so the engines
// can be driven one chunk at a time by an external scheduler.
package archive

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IvanShishkin/duparchive/internal/chunk"
	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/internal/index"
	"github.com/IvanShishkin/duparchive/internal/scan"
	"github.com/IvanShishkin/duparchive/internal/state"
)

var (
	// ErrJobFailed is returned when stepping a job that already failed.
	ErrJobFailed = errors.New("job failed")

	// ErrJobMismatch is returned when a stored job does not match the options.
	ErrJobMismatch = errors.New("stored job does not match options")

	// ErrNoSources is returned when starting a build without sources.
	ErrNoSources = errors.New("no sources to archive")
)

// CriticalError marks a failure that stops the job for good.
type CriticalError struct {
	Path string
	Err  error
}

func (e *CriticalError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *CriticalError) Unwrap() error {
	return e.Err
}

func critical(path string, err error) error {
	return &CriticalError{Path: path, Err: err}
}

// IsCritical reports whether err must fail the job instead of being retried.
// Container damage, container write failures and persisted state that can
// no longer be read are critical.
func IsCritical(err error) bool {
	var ce *CriticalError
	switch {
	case err == nil:
		return false
	case errors.As(err, &ce):
		return true
	case errors.Is(err, container.ErrCorrupt),
		errors.Is(err, container.ErrWrite),
		errors.Is(err, container.ErrUnsupportedVersion),
		errors.Is(err, container.ErrPasswordRequired),
		errors.Is(err, container.ErrBadPassword),
		errors.Is(err, index.ErrCorrupt),
		errors.Is(err, state.ErrIncompatible),
		errors.Is(err, scan.ErrPositionVersion):
		return true
	}
	return false
}

// ChunkOptions bounds every chunk and sets the retry policy.
type ChunkOptions struct {
	MaxIterations int           // Items per chunk, 0 for unlimited
	TimeBudget    time.Duration // Wall-clock budget per chunk, 0 for unlimited
	Throttle      time.Duration // Sleep between items

	MaxRetries   int     // Failed or interrupted chunks before the job fails
	RobustAfter  int     // Consecutive retries before robust mode
	RobustFactor float64 // Time budget multiplier in robust mode
}

// DefaultChunkOptions returns the options used when none are configured.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		TimeBudget:   10 * time.Second,
		MaxRetries:   10,
		RobustAfter:  2,
		RobustFactor: 0.5,
	}
}

// effective returns the chunk bounds for the current mode. Robust mode
// shrinks both budgets but never below an eighth of the configured time or
// a single item.
func (o ChunkOptions) effective(robust bool) chunk.Options {
	opts := chunk.Options{
		MaxIterations: o.MaxIterations,
		TimeBudget:    o.TimeBudget,
		Throttle:      o.Throttle,
	}
	if !robust {
		return opts
	}

	factor := o.RobustFactor
	if factor <= 0 || factor > 1 {
		factor = 0.5
	}
	if o.TimeBudget > 0 {
		budget := time.Duration(float64(o.TimeBudget) * factor)
		if floor := o.TimeBudget / 8; budget < floor {
			budget = floor
		}
		opts.TimeBudget = budget
	}
	if o.MaxIterations > 1 {
		opts.MaxIterations = o.MaxIterations / 2
	}
	return opts
}

// ProgressCallback is called after every chunk.
type ProgressCallback func(phase string, current, total int64, message string)

// OpenFunc opens a source file for reading.
type OpenFunc func(path string) (ReadCloser, error)

// ReadCloser is the subset of *os.File the engines read from.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

func openOS(path string) (ReadCloser, error) {
	return os.Open(path)
}
