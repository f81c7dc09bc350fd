package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/internal/chunk"
	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/internal/index"
	"github.com/IvanShishkin/duparchive/internal/scan"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// BuildOptions configures a build job.
type BuildOptions struct {
	JobID     string   // Defaults to an id derived from Container
	Sources   []string // Files and directories to archive
	Container string   // Container path
	StateDir  string   // Job state, defaults next to the container

	Rules         *scan.Rules
	Sort          scan.SortMode
	PreserveLinks bool  // Store symlinks instead of following them
	MaxFileSize   int64 // Larger files are skipped with a warning, 0 for no limit

	Compression   container.Compression
	Password      string
	KDFIterations int

	Chunk ChunkOptions
}

// Builder is the create engine. It scans the sources into an index, writes
// the container and reads it back, one chunk per Step.
type Builder struct {
	opts     BuildOptions
	logger   *zap.Logger
	driver   *driver
	openFile OpenFunc

	scanStore     chunk.Store[scan.Position, ScanState]
	createStore   chunk.Store[index.Position, CreateState]
	validateStore chunk.Store[container.Position, ExpandState]
}

// NewBuilder creates a create engine for one job. Sources may be empty when
// the engine only continues or inspects a stored job.
func NewBuilder(opts BuildOptions, logger *zap.Logger) (*Builder, error) {
	if opts.Container == "" {
		return nil, errors.New("container path is required")
	}

	var err error
	if opts.Container, err = filepath.Abs(opts.Container); err != nil {
		return nil, fmt.Errorf("failed to resolve container path: %w", err)
	}
	if opts.Sources, err = absPaths(opts.Sources); err != nil {
		return nil, err
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir(opts.Container)
	}
	if opts.JobID == "" {
		opts.JobID = DefaultJobID(KindBuild, opts.Container)
	}
	if opts.Rules == nil {
		opts.Rules = &scan.Rules{}
	}

	d, err := newDriver(opts.StateDir, opts.Chunk, logger)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		opts:     opts,
		logger:   d.logger,
		driver:   d,
		openFile: openOS,
	}
	if b.scanStore, err = newStore[scan.Position, ScanState](opts.StateDir, kindScan); err != nil {
		return nil, err
	}
	if b.createStore, err = newStore[index.Position, CreateState](opts.StateDir, kindCreate); err != nil {
		return nil, err
	}
	if b.validateStore, err = newStore[container.Position, ExpandState](opts.StateDir, kindValidate); err != nil {
		return nil, err
	}
	return b, nil
}

// DefaultStateDir returns the state directory used for a container when
// none is configured.
func DefaultStateDir(containerPath string) string {
	return filepath.Join(filepath.Dir(containerPath), ".duparchive")
}

// JobID returns the job identifier.
func (b *Builder) JobID() string {
	return b.opts.JobID
}

// SetProgressCallback sets the function called after every chunk.
func (b *Builder) SetProgressCallback(cb ProgressCallback) {
	b.driver.progress = cb
}

func (b *Builder) indexPath() string {
	return filepath.Join(b.opts.StateDir, b.opts.JobID+".index")
}

func (b *Builder) loadJob() (*Job, error) {
	job, err := b.driver.load(b.opts.JobID, func() *Job {
		return &Job{
			ID:        b.opts.JobID,
			Kind:      KindBuild,
			Phase:     PhaseNotStarted,
			Sources:   b.opts.Sources,
			Container: b.opts.Container,
		}
	})
	if err != nil {
		return nil, err
	}
	if job.Kind != KindBuild || job.Container != b.opts.Container {
		return nil, fmt.Errorf("%w: job %s is a %s job for %s", ErrJobMismatch, job.ID, job.Kind, job.Container)
	}
	return job, nil
}

// Status returns the job's current results without running anything.
func (b *Builder) Status(_ context.Context) (*models.JobResults, error) {
	job, err := b.loadJob()
	if err != nil {
		return nil, err
	}
	return job.Results(), nil
}

// Step runs one chunk of the current phase.
func (b *Builder) Step(ctx context.Context) (*models.JobResults, error) {
	job, err := b.step(ctx)
	if job == nil {
		return nil, err
	}
	return job.Results(), err
}

func (b *Builder) step(ctx context.Context) (*Job, error) {
	job, err := b.loadJob()
	if err != nil {
		return nil, err
	}
	if job.Phase == PhaseNotStarted && len(job.Sources) == 0 {
		return nil, ErrNoSources
	}
	return job, b.driver.step(ctx, job, b.runPhase)
}

// Run steps until the build is done or failed.
func (b *Builder) Run(ctx context.Context) (*models.JobResults, error) {
	job, err := b.driver.runLoop(ctx, b.step)
	if job == nil {
		return nil, err
	}
	return job.Results(), err
}

// Reset forgets the job. An unfinished container is removed; a finished
// one is kept.
func (b *Builder) Reset(ctx context.Context) error {
	job, err := b.driver.jobs.Load(b.opts.JobID)
	if err != nil && !IsCritical(err) {
		return err
	}
	var errs []error
	if job == nil || job.Phase != PhaseDone {
		errs = append(errs, removeIfExists(b.opts.Container))
	}
	errs = append(errs,
		removeIfExists(b.indexPath()),
		b.driver.reset(ctx, b.opts.JobID, kindScan, kindCreate, kindValidate),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to reset job %s: %w", b.opts.JobID, err)
	}
	b.logger.Info("Job reset", zap.String("job", b.opts.JobID))
	return nil
}

func (b *Builder) runPhase(ctx context.Context, job *Job) error {
	switch job.Phase {
	case PhaseNotStarted:
		job.Phase = PhaseScanning
		job.Started = b.driver.now()
		b.logger.Info("Build started",
			zap.String("job", job.ID),
			zap.Strings("sources", job.Sources),
			zap.String("container", job.Container))
		return b.scanChunk(ctx, job)
	case PhaseScanning:
		return b.scanChunk(ctx, job)
	case PhaseCreating:
		return b.createChunk(ctx, job)
	case PhaseValidating:
		return b.validateChunk(ctx, job)
	}
	return fmt.Errorf("unexpected build phase %s", job.Phase)
}

// scanChunk walks the sources and appends archivable entries to the index.
func (b *Builder) scanChunk(ctx context.Context, job *Job) error {
	filter, err := b.opts.Rules.Filter(job.Sources)
	if err != nil {
		return critical("", fmt.Errorf("invalid filter rules: %w", err))
	}
	it, err := scan.NewIterator(scan.Options{
		Roots:         job.Sources,
		Filter:        filter,
		Sort:          b.opts.Sort,
		PreserveLinks: b.opts.PreserveLinks,
	})
	if err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	var (
		w   *index.Writer
		cur *ScanState
	)
	roots := it.Roots()
	it.OnDirComplete(func(d scan.DirTotals) {
		if cur == nil || !slices.Contains(roots, d.Path) {
			return
		}
		cur.addSource(SourceTotals{Path: d.Path, Size: d.Size, Nodes: d.Nodes})
		b.logger.Info("Source scanned",
			zap.String("job", job.ID),
			zap.String("source", d.Path),
			zap.Int64("nodes", d.Nodes),
			zap.Int64("bytes", d.Size))
	})

	mgr := chunk.NewManager[*models.ScanNodeInfo, scan.Position, ScanState](it, b.scanStore, b.driver.chunkOptions(job), b.logger)
	mgr.WithHooks(chunk.Hooks[ScanState]{
		Start: func(_ context.Context, st *ScanState, resumed bool) error {
			if !resumed {
				*st = ScanState{}
			}
			cur = st
			var err error
			w, err = index.OpenWriter(b.indexPath(), st.IndexOffset)
			return err
		},
		Stop: func(_ context.Context, st *ScanState, done bool) error {
			if err := errors.Join(w.Sync(), w.Close()); err != nil {
				return err
			}
			job.Scan = *st
			if !done {
				return nil
			}
			job.Phase = PhaseCreating
			b.logger.Info("Scan complete",
				zap.String("job", job.ID),
				zap.Int64("entries", st.Entries),
				zap.Int64("bytes", st.Bytes),
				zap.Int("warnings", len(st.Warnings)))
			return b.driver.save(job)
		},
	})

	res, err := mgr.Run(ctx, job.ID, func(_ context.Context, node *models.ScanNodeInfo, st *ScanState) error {
		return b.indexNode(w, node, st)
	})
	if err == nil {
		b.driver.report(job, job.Scan.Entries, 0, fmt.Sprintf("Scanned %d entries (%d this chunk)", job.Scan.Entries, res.Processed))
	}
	return err
}

func (b *Builder) indexNode(w *index.Writer, node *models.ScanNodeInfo, st *ScanState) error {
	// The base directory maps to the container root
	if node.RelPath == "" {
		return nil
	}

	switch {
	case node.Unreadable:
		st.Warnings.Add(models.SeverityWarning, string(PhaseScanning), node.RelPath, "unreadable, skipped")
		if node.Type.IsDir() {
			st.SkippedDirs++
		} else {
			st.SkippedFiles++
		}
		return nil
	case node.IsCyclicLink:
		st.Warnings.Add(models.SeverityWarning, string(PhaseScanning), node.RelPath,
			fmt.Sprintf("symlink cycle through %s, not followed", node.LinkTarget))
		st.SkippedDirs++
		return nil
	}

	e := index.Entry{
		Path:    node.Path,
		RelPath: node.RelPath,
		ModTime: node.ModTime.Unix(),
		Mode:    uint32(node.Mode.Perm()),
	}
	switch node.Type {
	case models.NodeDir, models.NodeLinkDir:
		e.Type = index.TypeDir
		st.Dirs++
	case models.NodeFile, models.NodeLinkFile:
		if b.opts.MaxFileSize > 0 && node.Size > b.opts.MaxFileSize {
			st.Warnings.Add(models.SeverityWarning, string(PhaseScanning), node.RelPath,
				fmt.Sprintf("size %d exceeds limit %d, skipped", node.Size, b.opts.MaxFileSize))
			st.SkippedFiles++
			return nil
		}
		e.Type = index.TypeFile
		e.Size = node.Size
		st.Files++
		st.Bytes += node.Size
	case models.NodeSymlink:
		e.Type = index.TypeSymlink
		e.Target = node.LinkTarget
		st.Links++
	default:
		st.Warnings.Add(models.SeverityInfo, string(PhaseScanning), node.RelPath, "unsupported file type, skipped")
		st.SkippedFiles++
		return nil
	}

	offset, err := w.Append(e)
	if err != nil {
		return err
	}
	st.IndexOffset = offset
	st.Entries++
	return nil
}

// createChunk streams indexed entries into the container.
func (b *Builder) createChunk(ctx context.Context, job *Job) error {
	it, err := index.OpenIterator(b.indexPath(), job.Scan.IndexOffset)
	if err != nil {
		return err
	}
	defer it.Close()

	var w *container.Writer
	mgr := chunk.NewManager[index.Entry, index.Position, CreateState](it, b.createStore, b.driver.chunkOptions(job), b.logger)
	mgr.WithHooks(chunk.Hooks[CreateState]{
		Start: func(_ context.Context, st *CreateState, resumed bool) error {
			var err error
			if resumed {
				w, err = container.OpenAppend(job.Container, st.Checkpoint, b.opts.Password)
			} else {
				*st = CreateState{}
				w, err = container.Create(job.Container, container.Options{
					Compression:   b.opts.Compression,
					Password:      b.opts.Password,
					KDFIterations: b.opts.KDFIterations,
				})
			}
			if err != nil {
				return err
			}
			if !resumed {
				st.Checkpoint = w.Checkpoint()
			}
			st.Working = true
			st.IsRobust = job.Robust
			w.SetSyncEach(job.Robust)
			return nil
		},
		Stop: func(_ context.Context, st *CreateState, done bool) error {
			var err error
			if done {
				if err = w.Seal(); err == nil {
					st.Checkpoint = w.Checkpoint()
					st.Working = false
				}
			} else {
				// The checkpoint stays at the last complete entry
				err = w.Sync()
			}
			if err := errors.Join(err, w.Close()); err != nil {
				return err
			}
			job.Create = *st
			if !done {
				return nil
			}
			job.Phase = PhaseValidating
			b.logger.Info("Container written",
				zap.String("job", job.ID),
				zap.Int64("entries", st.Entries()),
				zap.Int64("bytes", st.BytesWritten),
				zap.Int64("size", st.Checkpoint.Offset))
			return b.driver.save(job)
		},
	})

	res, err := mgr.Run(ctx, job.ID, func(_ context.Context, e index.Entry, st *CreateState) error {
		return b.writeEntry(w, e, st)
	})
	if err == nil {
		done := job.Create.Entries() + job.Create.SkippedFiles + job.Create.SkippedDirs
		b.driver.report(job, done, job.Scan.Entries, fmt.Sprintf("Wrote %d entries (%d this chunk)", job.Create.Entries(), res.Processed))
	}
	return err
}

func (b *Builder) writeEntry(w *container.Writer, e index.Entry, st *CreateState) error {
	switch e.Type {
	case index.TypeDir:
		if err := w.WriteDir(e.RelPath, e.ModTime, e.Mode); err != nil {
			return critical(e.RelPath, err)
		}
		st.DirIndex++

	case index.TypeSymlink:
		if err := w.WriteSymlink(e.RelPath, e.Target, e.ModTime, e.Mode); err != nil {
			return critical(e.RelPath, err)
		}
		st.LinkIndex++

	case index.TypeFile:
		f, err := b.openFile(e.Path)
		if err != nil {
			st.Warnings.Add(models.SeverityWarning, string(PhaseCreating), e.RelPath, fmt.Sprintf("unreadable, skipped: %v", err))
			st.SkippedFiles++
			return nil
		}
		err = w.WriteFile(e.RelPath, f, e.Size, e.ModTime, e.Mode)
		f.Close()
		switch {
		case errors.Is(err, container.ErrSourceChanged):
			// The entry is complete, padded to its indexed size
			st.Warnings.Add(models.SeverityWarning, string(PhaseCreating), e.RelPath, err.Error())
		case err != nil:
			return critical(e.RelPath, err)
		}
		st.FileIndex++
		st.BytesWritten += e.Size

	default:
		return critical(e.RelPath, fmt.Errorf("%w: unknown entry type %s", index.ErrCorrupt, e.Type))
	}

	st.Checkpoint = w.Checkpoint()
	return nil
}

// validateChunk reads the container back without writing anything and
// checks it against what the create phase wrote.
func (b *Builder) validateChunk(ctx context.Context, job *Job) error {
	p := &pass{
		phase:        PhaseValidating,
		container:    job.Container,
		password:     b.opts.Password,
		validateOnly: true,
		store:        b.validateStore,
		opts:         b.driver.chunkOptions(job),
		robust:       job.Robust,
		logger:       b.logger,
		onStop: func(st *ExpandState, done bool) error {
			job.Validate = *st
			if !done {
				return nil
			}
			if err := checkTotals(st, &job.Create); err != nil {
				return err
			}
			job.Phase = PhaseDone
			job.Finished = b.driver.now()
			b.logger.Info("Build complete",
				zap.String("job", job.ID),
				zap.Int64("entries", st.Entries),
				zap.Int64("bytes", st.Bytes),
				zap.Int("warnings", len(job.AllWarnings())),
				zap.Duration("duration", job.Finished.Sub(job.Started)))
			return b.driver.save(job)
		},
	}

	res, err := p.run(ctx, job.ID)
	if err == nil {
		b.driver.report(job, job.Validate.Entries, job.Create.Entries(), fmt.Sprintf("Validated %d entries (%d this chunk)", job.Validate.Entries, res.Processed))
	}
	return err
}

func checkTotals(read *ExpandState, written *CreateState) error {
	if read.Entries != written.Entries() {
		return critical("", fmt.Errorf("%w: read %d entries, wrote %d", container.ErrCorrupt, read.Entries, written.Entries()))
	}
	if read.Bytes != written.BytesWritten {
		return critical("", fmt.Errorf("%w: read %d content bytes, wrote %d", container.ErrSizeMismatch, read.Bytes, written.BytesWritten))
	}
	return nil
}
