package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/internal/chunk"
	"github.com/IvanShishkin/duparchive/internal/state"
)

// Snapshot kinds, one chunk store per phase.
const (
	kindScan     = "scan"
	kindCreate   = "create"
	kindValidate = "validate"
	kindExpand   = "expand"
)

// driver owns the job record and the retry bookkeeping shared by both
// engines.
type driver struct {
	jobs     *state.Records[Job]
	dir      string
	chunk    ChunkOptions
	logger   *zap.Logger
	progress ProgressCallback
	now      func() time.Time
}

func newDriver(dir string, opts ChunkOptions, logger *zap.Logger) (*driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jobs, err := state.NewRecords[Job](dir, "job")
	if err != nil {
		return nil, err
	}
	return &driver{
		jobs:   jobs,
		dir:    dir,
		chunk:  opts,
		logger: logger,
		now:    time.Now,
	}, nil
}

func newStore[P, S any](dir, kind string) (chunk.Store[P, S], error) {
	store, err := state.NewFileStore[P, S](dir, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state: %w", kind, err)
	}
	return store, nil
}

// load returns the stored job, or fresh when there is none.
func (d *driver) load(id string, fresh func() *Job) (*Job, error) {
	job, err := d.jobs.Load(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return fresh(), nil
	}
	return job, nil
}

func (d *driver) save(job *Job) error {
	if err := d.jobs.Save(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// chunkOptions returns the bounds for the job's next chunk.
func (d *driver) chunkOptions(job *Job) chunk.Options {
	return d.chunk.effective(job.Robust)
}

// step runs one chunk of job through run and records the outcome.
//
// A chunk that returned a non-critical error, or that was interrupted before
// it could record its outcome, counts as a retry. Robust mode starts after
// RobustAfter consecutive retries and stays on. After MaxRetries the job
// fails.
func (d *driver) step(ctx context.Context, job *Job, run func(ctx context.Context, job *Job) error) error {
	switch job.Phase {
	case PhaseDone:
		return nil
	case PhaseFailed:
		return fmt.Errorf("%w: %s", ErrJobFailed, job.FailureSummary)
	}

	if job.InFlight {
		d.logger.Info("Previous chunk did not finish, retrying",
			zap.String("job", job.ID),
			zap.String("phase", string(job.Phase)))
		d.retry(job, errors.New("chunk interrupted"))
		if job.Phase == PhaseFailed {
			if err := d.save(job); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrJobFailed, job.FailureSummary)
		}
	}

	if !job.Robust && d.chunk.RobustAfter > 0 && job.Retries >= d.chunk.RobustAfter {
		job.Robust = true
		d.logger.Info("Switching to robust mode",
			zap.String("job", job.ID),
			zap.Int("retries", job.Retries))
	}

	job.InFlight = true
	if err := d.save(job); err != nil {
		return err
	}

	phase := job.Phase
	err := run(ctx, job)
	job.InFlight = false

	switch {
	case err == nil:
		job.Retries = 0
		job.Chunks++
	case IsCritical(err):
		d.logger.Error("Job failed",
			zap.String("job", job.ID),
			zap.String("phase", string(phase)),
			zap.Int("chunk", job.Chunks),
			zap.Int64("entry", job.entryIndex(phase)),
			zap.Error(err))
		job.fail(string(phase), criticalPath(err), err, d.now())
	default:
		d.logger.Error("Chunk failed",
			zap.String("job", job.ID),
			zap.String("phase", string(phase)),
			zap.Int("retries", job.Retries+1),
			zap.Error(err))
		d.retry(job, err)
	}

	if saveErr := d.save(job); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	if job.Phase == PhaseFailed {
		return fmt.Errorf("%w: %w", ErrJobFailed, err)
	}
	return err
}

func (d *driver) retry(job *Job, cause error) {
	job.Retries++
	job.TotalRetries++
	if d.chunk.MaxRetries > 0 && job.Retries > d.chunk.MaxRetries {
		job.fail(string(job.Phase), "", fmt.Errorf("giving up after %d retries: %w", d.chunk.MaxRetries, cause), d.now())
	}
}

// runLoop steps until the job finishes. Retryable errors are retried as long
// as a retry limit is set.
func (d *driver) runLoop(ctx context.Context, step func(ctx context.Context) (*Job, error)) (*Job, error) {
	for {
		job, err := step(ctx)
		if err != nil && (job == nil || job.Phase.Finished() || d.chunk.MaxRetries <= 0) {
			return job, err
		}
		if job.Phase.Finished() {
			return job, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return job, ctxErr
		}
	}
}

func (d *driver) report(job *Job, current, total int64, message string) {
	if d.progress != nil {
		d.progress(string(job.Phase), current, total, message)
	}
}

// reset removes the job record and every chunk snapshot of the job.
func (d *driver) reset(ctx context.Context, id string, kinds ...string) error {
	var errs []error
	for _, kind := range kinds {
		store, err := state.NewFileStore[struct{}, struct{}](d.dir, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, store.Clear(ctx, id))
	}
	errs = append(errs, d.jobs.Delete(id))
	return errors.Join(errs...)
}

func criticalPath(err error) string {
	var ce *CriticalError
	if errors.As(err, &ce) {
		return ce.Path
	}
	return ""
}

func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
