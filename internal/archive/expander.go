package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/internal/chunk"
	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// ExpandOptions configures an expand job.
type ExpandOptions struct {
	JobID        string // Defaults to an id derived from Container
	Container    string
	Password     string
	Dest         string // Ignored when ValidateOnly is set
	StateDir     string // Job state, defaults next to the container
	ValidateOnly bool   // Read and verify without writing files

	Chunk ChunkOptions
}

// Expander is the expand engine. It reads a container in on-disk order and
// recreates its entries under a destination directory, one chunk per Step.
type Expander struct {
	opts   ExpandOptions
	logger *zap.Logger
	driver *driver
	store  chunk.Store[container.Position, ExpandState]
}

// NewExpander creates an expand engine for one job.
func NewExpander(opts ExpandOptions, logger *zap.Logger) (*Expander, error) {
	if opts.Container == "" {
		return nil, errors.New("container path is required")
	}
	if !opts.ValidateOnly && opts.Dest == "" {
		return nil, errors.New("destination is required")
	}

	var err error
	if opts.Container, err = filepath.Abs(opts.Container); err != nil {
		return nil, fmt.Errorf("failed to resolve container path: %w", err)
	}
	if opts.Dest != "" {
		if opts.Dest, err = filepath.Abs(opts.Dest); err != nil {
			return nil, fmt.Errorf("failed to resolve destination: %w", err)
		}
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir(opts.Container)
	}
	if opts.JobID == "" {
		kind := KindExpand
		id := DefaultJobID(kind, opts.Container)
		if opts.ValidateOnly {
			id = "validate-" + strings.TrimPrefix(id, string(kind)+"-")
		}
		opts.JobID = id
	}

	d, err := newDriver(opts.StateDir, opts.Chunk, logger)
	if err != nil {
		return nil, err
	}
	e := &Expander{opts: opts, logger: d.logger, driver: d}
	if e.store, err = newStore[container.Position, ExpandState](opts.StateDir, e.storeKind()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Expander) storeKind() string {
	if e.opts.ValidateOnly {
		return kindValidate
	}
	return kindExpand
}

// JobID returns the job identifier.
func (e *Expander) JobID() string {
	return e.opts.JobID
}

// SetProgressCallback sets the function called after every chunk.
func (e *Expander) SetProgressCallback(cb ProgressCallback) {
	e.driver.progress = cb
}

func (e *Expander) loadJob() (*Job, error) {
	job, err := e.driver.load(e.opts.JobID, func() *Job {
		return &Job{
			ID:        e.opts.JobID,
			Kind:      KindExpand,
			Phase:     PhaseNotStarted,
			Container: e.opts.Container,
			Dest:      e.opts.Dest,
			Verify:    e.opts.ValidateOnly,
		}
	})
	if err != nil {
		return nil, err
	}
	if job.Kind != KindExpand || job.Container != e.opts.Container || job.Dest != e.opts.Dest {
		return nil, fmt.Errorf("%w: job %s is a %s job for %s", ErrJobMismatch, job.ID, job.Kind, job.Container)
	}
	return job, nil
}

// Status returns the job's current results without running anything.
func (e *Expander) Status(_ context.Context) (*models.JobResults, error) {
	job, err := e.loadJob()
	if err != nil {
		return nil, err
	}
	return job.Results(), nil
}

// Step runs one chunk.
func (e *Expander) Step(ctx context.Context) (*models.JobResults, error) {
	job, err := e.step(ctx)
	if job == nil {
		return nil, err
	}
	return job.Results(), err
}

func (e *Expander) step(ctx context.Context) (*Job, error) {
	job, err := e.loadJob()
	if err != nil {
		return nil, err
	}
	return job, e.driver.step(ctx, job, e.runPhase)
}

// Run steps until the job is done or failed.
func (e *Expander) Run(ctx context.Context) (*models.JobResults, error) {
	job, err := e.driver.runLoop(ctx, e.step)
	if job == nil {
		return nil, err
	}
	return job.Results(), err
}

// Reset forgets the job. Expanded files are kept.
func (e *Expander) Reset(ctx context.Context) error {
	if err := e.driver.reset(ctx, e.opts.JobID, e.storeKind()); err != nil {
		return fmt.Errorf("failed to reset job %s: %w", e.opts.JobID, err)
	}
	e.logger.Info("Job reset", zap.String("job", e.opts.JobID))
	return nil
}

func (e *Expander) runPhase(ctx context.Context, job *Job) error {
	if job.Phase == PhaseNotStarted {
		job.Phase = PhaseExpanding
		if e.opts.ValidateOnly {
			job.Phase = PhaseValidating
		}
		job.Started = e.driver.now()
		e.logger.Info("Expand started",
			zap.String("job", job.ID),
			zap.String("container", job.Container),
			zap.String("dest", job.Dest),
			zap.Bool("validate_only", e.opts.ValidateOnly))
	}

	phase := job.Phase
	p := &pass{
		phase:        phase,
		container:    job.Container,
		password:     e.opts.Password,
		dest:         job.Dest,
		validateOnly: e.opts.ValidateOnly,
		store:        e.store,
		opts:         e.driver.chunkOptions(job),
		robust:       job.Robust,
		logger:       e.logger,
		onStop: func(st *ExpandState, done bool) error {
			if e.opts.ValidateOnly {
				job.Validate = *st
			} else {
				job.Expand = *st
			}
			if !done {
				return nil
			}
			job.Phase = PhaseDone
			job.Finished = e.driver.now()
			e.logger.Info("Expand complete",
				zap.String("job", job.ID),
				zap.Int64("entries", st.Entries),
				zap.Int64("failed", st.Failed),
				zap.Int64("bytes", st.Bytes))
			return e.driver.save(job)
		},
	}

	res, err := p.run(ctx, job.ID)
	if err == nil {
		st := res.State
		e.driver.report(job, st.Entries, st.ExpectEntries, fmt.Sprintf("Read %d entries (%d this chunk)", st.Entries, res.Processed))
	}
	return err
}

// pass is one sequential read of a container, writing entries under dest
// unless validateOnly is set.
type pass struct {
	phase        Phase
	container    string
	password     string
	dest         string
	validateOnly bool
	store        chunk.Store[container.Position, ExpandState]
	opts         chunk.Options
	robust       bool
	logger       *zap.Logger
	onStop       func(st *ExpandState, done bool) error

	realDest string
}

func (p *pass) run(ctx context.Context, jobID string) (chunk.Result[ExpandState], error) {
	var res chunk.Result[ExpandState]

	r, err := container.Open(p.container, p.password)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, critical(p.container, err)
		}
		return res, err
	}
	defer r.Close()

	mgr := chunk.NewManager[*container.Entry, container.Position, ExpandState](container.NewIterator(r), p.store, p.opts, p.logger)
	mgr.WithHooks(chunk.Hooks[ExpandState]{
		Start: func(_ context.Context, st *ExpandState, resumed bool) error {
			if !resumed {
				*st = ExpandState{}
			}
			st.ExpectEntries = int64(r.Header().Entries)
			st.Working = true
			st.IsRobust = p.robust
			if p.validateOnly {
				return nil
			}
			if err := os.MkdirAll(p.dest, 0755); err != nil {
				return critical(p.dest, err)
			}
			resolved, err := filepath.EvalSymlinks(p.dest)
			if err != nil {
				return critical(p.dest, err)
			}
			p.realDest = resolved
			return nil
		},
		Stop: func(_ context.Context, st *ExpandState, done bool) error {
			if done {
				st.Working = false
			}
			return p.onStop(st, done)
		},
	})
	return mgr.Run(ctx, jobID, p.entry)
}

func (p *pass) warn(st *ExpandState, e *container.Entry, msg string) {
	st.Warnings.Add(models.SeverityWarning, string(p.phase), e.Path, msg)
	st.Failed++
}

func (p *pass) entry(_ context.Context, e *container.Entry, st *ExpandState) error {
	st.Entries++

	if p.validateOnly {
		return p.skip(e, st)
	}

	target, err := safeJoin(p.dest, e.Path)
	if err != nil {
		p.warn(st, e, err.Error())
		return p.skip(e, st)
	}
	if err := p.checkParent(target); err != nil {
		p.warn(st, e, err.Error())
		return p.skip(e, st)
	}

	switch e.Type {
	case container.TypeDir:
		return p.expandDir(target, e, st)
	case container.TypeFile:
		return p.expandFile(target, e, st)
	case container.TypeSymlink:
		return p.expandLink(target, e, st)
	}
	return critical(e.Path, fmt.Errorf("%w: unknown entry type %s", container.ErrCorrupt, e.Type))
}

// skip reads and verifies an entry without writing it.
func (p *pass) skip(e *container.Entry, st *ExpandState) error {
	switch e.Type {
	case container.TypeDir:
		if p.validateOnly {
			st.Dirs++
		}
	case container.TypeSymlink:
		if p.validateOnly {
			st.Links++
		}
	case container.TypeFile:
		n, err := io.Copy(io.Discard, e.Content())
		st.Bytes += n
		if err != nil {
			return critical(e.Path, err)
		}
		if p.validateOnly {
			st.Files++
		}
	}
	return nil
}

// checkParent rejects targets whose parent resolves outside the
// destination, which an earlier symlink entry could arrange.
func (p *pass) checkParent(target string) error {
	// The nearest existing ancestor decides where new directories land
	parent := filepath.Dir(target)
	for {
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(p.realDest, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("parent %s resolves outside the destination", parent)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		next := filepath.Dir(parent)
		if next == parent {
			return nil
		}
		parent = next
	}
}

func (p *pass) expandDir(target string, e *container.Entry, st *ExpandState) error {
	// Owner access is kept so the directory's children can be written
	mode := os.FileMode(e.Mode).Perm() | 0700
	if err := os.MkdirAll(target, mode); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to create directory: %v", err))
		return nil
	}
	if err := os.Chmod(target, mode); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to set mode: %v", err))
		return nil
	}
	st.Dirs++
	return nil
}

func (p *pass) expandFile(target string, e *container.Entry, st *ExpandState) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to create parent: %v", err))
		return p.skip(e, st)
	}
	// A previous symlink at target must not redirect the write
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			p.warn(st, e, fmt.Sprintf("failed to replace symlink: %v", err))
			return p.skip(e, st)
		}
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		p.warn(st, e, fmt.Sprintf("failed to create file: %v", err))
		return p.skip(e, st)
	}

	w := &trackingWriter{w: f}
	n, err := io.Copy(w, e.Content())
	st.Bytes += n
	if w.err != nil {
		f.Close()
		os.Remove(target)
		p.warn(st, e, fmt.Sprintf("failed to write file: %v", w.err))
		// The rest of the entry still has to be verified
		return p.skip(e, st)
	}
	if err != nil {
		f.Close()
		os.Remove(target)
		return critical(e.Path, err)
	}
	if n != e.Size {
		f.Close()
		os.Remove(target)
		return critical(e.Path, fmt.Errorf("%w: copied %d of %d bytes", container.ErrSizeMismatch, n, e.Size))
	}

	if p.robust {
		if err := f.Sync(); err != nil {
			f.Close()
			p.warn(st, e, fmt.Sprintf("failed to sync file: %v", err))
			return nil
		}
	}
	if err := f.Close(); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to close file: %v", err))
		return nil
	}
	if err := os.Chmod(target, os.FileMode(e.Mode).Perm()); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to set mode: %v", err))
		return nil
	}
	mtime := time.Unix(e.ModTime, 0)
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to set mtime: %v", err))
		return nil
	}
	st.Files++
	return nil
}

func (p *pass) expandLink(target string, e *container.Entry, st *ExpandState) error {
	if _, err := os.Lstat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			p.warn(st, e, fmt.Sprintf("failed to replace existing entry: %v", err))
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to create parent: %v", err))
		return nil
	}
	if err := os.Symlink(e.Target, target); err != nil {
		p.warn(st, e, fmt.Sprintf("failed to create symlink: %v", err))
		return nil
	}
	st.Links++
	return nil
}

// trackingWriter remembers the first write error, telling destination
// failures apart from container read failures in io.Copy.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

// safeJoin maps a container path below root. Paths that are absolute or
// climb out of root are rejected rather than rewritten.
func safeJoin(root, rel string) (string, error) {
	s := strings.ReplaceAll(rel, "\\", "/")
	if s == "" || strings.HasPrefix(s, "/") || (len(s) > 1 && s[1] == ':') {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	clean := path.Clean(s)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}
