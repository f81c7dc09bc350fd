package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IvanShishkin/duparchive/internal/archive"
	"github.com/IvanShishkin/duparchive/internal/compare"
	"github.com/IvanShishkin/duparchive/internal/config"
	"github.com/IvanShishkin/duparchive/internal/report"
	"github.com/IvanShishkin/duparchive/internal/storage"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// errTreesDiffer makes compare exit non-zero when differences were found.
var errTreesDiffer = errors.New("trees differ")

// buildCmd creates the build command
func buildCmd() *cobra.Command {
	var (
		containerPath string
		jobID         string
		compression   string
		password      string
		kdfIterations int
		sortMode      string
		preserveLinks bool
		maxFileSize   string
		rulesFile     string
		exclude       []string
		storeDir      string
	)

	cmd := &cobra.Command{
		Use:   "build [source...]",
		Short: "Archive files and directories into a container",
		Long: `Scan the sources, write them into a container and validate it, one chunk at a
time. Without sources, an existing job for the container is continued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if containerPath == "" {
				return errors.New("--container is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			changed := cmd.Flags().Changed
			if changed("compression") {
				cfg.Compression = compression
			}
			if changed("kdf-iterations") {
				cfg.KDFIterations = kdfIterations
			}
			if changed("sort") {
				cfg.Sort = sortMode
			}
			if changed("preserve-links") {
				cfg.PreserveLinks = preserveLinks
			}
			if changed("max-file-size") {
				cfg.MaxFileSize = maxFileSize
			}
			if changed("rules") {
				cfg.RulesFile = rulesFile
			}
			if changed("exclude") {
				cfg.Exclude = exclude
			}
			if changed("store-dir") {
				cfg.StoreDir = storeDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			opts, err := buildOptions(cfg, containerPath, args)
			if err != nil {
				return err
			}
			opts.JobID = jobID
			opts.Password = passwordFrom(password)

			b, err := archive.NewBuilder(opts, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Building %s (job %s)\n", containerPath, b.JobID())

			res, runErr := drive(cmd.Context(), b, cmd.ErrOrStderr())
			if res != nil && res.Phase == string(archive.PhaseDone) && cfg.StoreDir != "" {
				if err := store(cmd, cfg.StoreDir, containerPath); err != nil {
					return err
				}
			}
			return errors.Join(finish(cmd, cfg, res), runErr)
		},
	}

	cmd.Flags().StringVarP(&containerPath, "container", "c", "", "Container path (required)")
	cmd.Flags().StringVar(&jobID, "job", "", "Job id (default: derived from the container path)")
	cmd.Flags().StringVar(&compression, "compression", "", "Compression: none, lz4, zstd")
	cmd.Flags().StringVar(&password, "password", "", "Encrypt content with this password (or set DUPARCHIVE_PASSWORD)")
	cmd.Flags().IntVar(&kdfIterations, "kdf-iterations", 0, "PBKDF2 iterations for the password key")
	cmd.Flags().StringVar(&sortMode, "sort", "", "Directory order: none, asc, desc")
	cmd.Flags().BoolVar(&preserveLinks, "preserve-links", false, "Archive symlinks as links instead of following them")
	cmd.Flags().StringVar(&maxFileSize, "max-file-size", "", "Skip files larger than this (e.g. 100M)")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML filter rules file")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Directory names to exclude (comma-separated)")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "Copy the finished container into this directory")

	return cmd
}

func buildOptions(cfg *config.Config, containerPath string, sources []string) (archive.BuildOptions, error) {
	compression, err := cfg.GetCompression()
	if err != nil {
		return archive.BuildOptions{}, err
	}
	sortMode, err := cfg.GetSort()
	if err != nil {
		return archive.BuildOptions{}, err
	}
	maxSize, err := cfg.GetMaxFileSize()
	if err != nil {
		return archive.BuildOptions{}, err
	}
	rules, err := cfg.GetRules()
	if err != nil {
		return archive.BuildOptions{}, err
	}
	return archive.BuildOptions{
		Sources:       sources,
		Container:     containerPath,
		StateDir:      cfg.StateDir,
		Rules:         rules,
		Sort:          sortMode,
		PreserveLinks: cfg.PreserveLinks,
		MaxFileSize:   maxSize,
		Compression:   compression,
		KDFIterations: cfg.KDFIterations,
		Chunk:         chunkOptions(cfg),
	}, nil
}

// store copies a finished container into the storage directory.
func store(cmd *cobra.Command, dir, containerPath string) error {
	backend, err := storage.NewLocalBackend(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(containerPath)
	if err := backend.Put(cmd.Context(), containerPath, name); err != nil {
		logger.Error("Failed to store container", zap.String("dir", dir), zap.Error(err))
		return fmt.Errorf("failed to store container: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stored: %s\n", filepath.Join(dir, name))
	return nil
}

// expandCmd creates the expand command
func expandCmd() *cobra.Command {
	var (
		jobID    string
		password string
		storeDir string
		fetch    string
	)

	cmd := &cobra.Command{
		Use:   "expand <container> <dest>",
		Short: "Extract a container into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerPath, dest := args[0], args[1]
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("store-dir") {
				cfg.StoreDir = storeDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if fetch != "" {
				if err := fetchContainer(cmd, cfg.StoreDir, fetch, containerPath); err != nil {
					return err
				}
			}

			e, err := archive.NewExpander(archive.ExpandOptions{
				JobID:     jobID,
				Container: containerPath,
				Password:  passwordFrom(password),
				Dest:      dest,
				StateDir:  cfg.StateDir,
				Chunk:     chunkOptions(cfg),
			}, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Expanding %s into %s (job %s)\n", containerPath, dest, e.JobID())

			res, runErr := drive(cmd.Context(), e, cmd.ErrOrStderr())
			return errors.Join(finish(cmd, cfg, res), runErr)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job id (default: derived from the container path)")
	cmd.Flags().StringVar(&password, "password", "", "Container password (or set DUPARCHIVE_PASSWORD)")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "Storage directory to fetch the container from")
	cmd.Flags().StringVar(&fetch, "fetch", "", "Copy this container from --store-dir to <container> first")

	return cmd
}

// fetchContainer copies remote from the storage directory to local unless
// local already exists from an earlier run.
func fetchContainer(cmd *cobra.Command, dir, remote, local string) error {
	if dir == "" {
		return errors.New("--fetch requires --store-dir")
	}
	if _, err := os.Stat(local); err == nil {
		return nil
	}
	backend, err := storage.NewLocalBackend(dir)
	if err != nil {
		return err
	}
	if err := backend.Get(cmd.Context(), remote, local); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remote, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Fetched: %s\n", local)
	return nil
}

// validateCmd creates the validate command
func validateCmd() *cobra.Command {
	var (
		jobID    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "validate <container>",
		Short: "Read a container end to end and verify every entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(); err != nil {
				return err
			}

			e, err := archive.NewExpander(archive.ExpandOptions{
				JobID:        jobID,
				Container:    args[0],
				Password:     passwordFrom(password),
				StateDir:     cfg.StateDir,
				ValidateOnly: true,
				Chunk:        chunkOptions(cfg),
			}, logger)
			if err != nil {
				return err
			}

			res, runErr := drive(cmd.Context(), e, cmd.ErrOrStderr())
			return errors.Join(finish(cmd, cfg, res), runErr)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job id (default: derived from the container path)")
	cmd.Flags().StringVar(&password, "password", "", "Container password (or set DUPARCHIVE_PASSWORD)")

	return cmd
}

// jobFlags are shared by status and reset to locate a stored job.
type jobFlags struct {
	kind  string
	dest  string
	jobID string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "build", "Job kind: build, expand, validate")
	cmd.Flags().StringVar(&f.dest, "dest", "", "Destination of an expand job")
	cmd.Flags().StringVar(&f.jobID, "job", "", "Job id (default: derived from the container path)")
}

func (f *jobFlags) open(cfg *config.Config, containerPath string) (*archive.Builder, *archive.Expander, error) {
	if err := validateKind(f.kind, f.dest); err != nil {
		return nil, nil, err
	}
	if f.kind == "build" {
		b, err := archive.NewBuilder(archive.BuildOptions{
			JobID:     f.jobID,
			Container: containerPath,
			StateDir:  cfg.StateDir,
		}, logger)
		return b, nil, err
	}
	e, err := archive.NewExpander(archive.ExpandOptions{
		JobID:        f.jobID,
		Container:    containerPath,
		Dest:         f.dest,
		StateDir:     cfg.StateDir,
		ValidateOnly: f.kind == "validate",
	}, logger)
	return nil, e, err
}

// statusCmd creates the status command
func statusCmd() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "status <container>",
		Short: "Show the state of a job without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			b, e, err := flags.open(cfg, args[0])
			if err != nil {
				return err
			}
			var res *models.JobResults
			if b != nil {
				res, err = b.Status(cmd.Context())
			} else {
				res, err = e.Status(cmd.Context())
			}
			if err != nil {
				return err
			}

			g, err := report.NewGenerator(cfg.ReportFormat, cfg.OutputFile, logger)
			if err != nil {
				return err
			}
			g.SetOutput(cmd.OutOrStdout())
			_, err = g.Generate(res)
			return err
		},
	}
	flags.register(cmd)

	return cmd
}

// resetCmd creates the reset command
func resetCmd() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "reset <container>",
		Short: "Forget a job so the next run starts over",
		Long: `Remove the job record and all chunk state. An unfinished build container is
deleted as well; a finished one is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			b, e, err := flags.open(cfg, args[0])
			if err != nil {
				return err
			}
			if b != nil {
				err = b.Reset(cmd.Context())
			} else {
				err = e.Reset(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job reset\n")
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

// compareCmd creates the compare command
func compareCmd() *cobra.Command {
	var (
		preserveLinks bool
		checkModTime  bool
	)

	cmd := &cobra.Command{
		Use:   "compare <a> <b>",
		Short: "Compare two directory trees",
		Long:  `Compare two trees, such as a source and its expanded copy. Exits non-zero when they differ.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compare.Trees(args[0], args[1], compare.Options{
				PreserveLinks: preserveLinks,
				CheckModTime:  checkModTime,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Summary())
			if !res.Equal() {
				return errTreesDiffer
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&preserveLinks, "preserve-links", false, "Compare symlinks as links instead of following them")
	cmd.Flags().BoolVar(&checkModTime, "mtime", false, "Also compare file modification times")

	return cmd
}
