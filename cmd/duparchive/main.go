package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/IvanShishkin/duparchive/internal/archive"
	"github.com/IvanShishkin/duparchive/internal/config"
	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/internal/report"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

var (
	version = "0.1.0"
	logger  *zap.Logger

	// Global flags
	verbose      bool
	configPath   string
	stateDir     string
	reportFormat string
	outputFile   string
	once         bool

	// Chunk flags
	maxIterations int
	timeBudget    time.Duration
	throttle      time.Duration
	maxRetries    int
)

var (
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "duparchive",
		Short: "DupArchive - chunked, resumable file archiver",
		Long: `Build and expand DupArchive containers in small, resumable chunks.

Every command persists its progress after each chunk, so a job interrupted by
a timeout, a crash or --once continues where it left off when run again.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&configPath, "config", "", "Config file (YAML)")
	flags.StringVar(&stateDir, "state-dir", "", "Job state directory (default: .duparchive next to the container)")
	flags.StringVarP(&reportFormat, "report", "r", "", "Report format: console, json, text, md, html")
	flags.StringVarP(&outputFile, "output", "o", "", "Report file path, - for stdout")
	flags.BoolVar(&once, "once", false, "Run a single chunk and exit")
	flags.IntVar(&maxIterations, "max-iterations", 0, "Items per chunk, 0 for unlimited")
	flags.DurationVar(&timeBudget, "time-budget", 0, "Wall-clock budget per chunk (default 10s)")
	flags.DurationVar(&throttle, "throttle", 0, "Sleep between items")
	flags.IntVar(&maxRetries, "max-retries", 0, "Failed chunks before the job fails (default 10)")

	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(expandCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// initLogger builds a development logger with --verbose, otherwise a quiet
// JSON logger that only reports errors.
func initLogger() error {
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.Config{
			Level:            zap.NewAtomicLevelAt(zapcore.ErrorLevel),
			Encoding:         "json",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
			EncoderConfig:    zap.NewProductionEncoderConfig(),
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadConfig loads the config file and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := initLogger(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("state-dir") {
		cfg.StateDir = stateDir
	}
	if changed("report") {
		cfg.ReportFormat = reportFormat
	}
	if changed("output") {
		cfg.OutputFile = outputFile
	}
	if changed("max-iterations") {
		cfg.Chunk.MaxIterations = maxIterations
	}
	if changed("time-budget") {
		cfg.Chunk.TimeBudget = timeBudget
	}
	if changed("throttle") {
		cfg.Chunk.Throttle = throttle
	}
	if changed("max-retries") {
		cfg.Chunk.MaxRetries = maxRetries
	}
	return cfg, nil
}

func chunkOptions(cfg *config.Config) archive.ChunkOptions {
	return archive.ChunkOptions{
		MaxIterations: cfg.Chunk.MaxIterations,
		TimeBudget:    cfg.Chunk.TimeBudget,
		Throttle:      cfg.Chunk.Throttle,
		MaxRetries:    cfg.Chunk.MaxRetries,
		RobustAfter:   cfg.Chunk.RobustAfter,
		RobustFactor:  cfg.Chunk.RobustFactor,
	}
}

// passwordFrom returns the flag value, falling back to DUPARCHIVE_PASSWORD so
// the password need not appear in the process list.
func passwordFrom(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("DUPARCHIVE_PASSWORD")
}

// engine is the part of Builder and Expander the commands drive.
type engine interface {
	Step(ctx context.Context) (*models.JobResults, error)
	Run(ctx context.Context) (*models.JobResults, error)
	SetProgressCallback(cb archive.ProgressCallback)
}

// drive runs one chunk with --once, otherwise the whole job.
func drive(ctx context.Context, e engine, w io.Writer) (*models.JobResults, error) {
	e.SetProgressCallback(func(phase string, current, total int64, message string) {
		progress := fmt.Sprintf("%d", current)
		if total > 0 {
			progress = fmt.Sprintf("%d/%d", current, total)
		}
		fmt.Fprintf(w, "  %s %-12s %s\n", mutedStyle.Render(fmt.Sprintf("%-11s", phase)), progress, message)
	})
	if once {
		return e.Step(ctx)
	}
	return e.Run(ctx)
}

// finish prints the report for a finished job, or a continuation hint for a
// job that stopped after --once.
func finish(cmd *cobra.Command, cfg *config.Config, res *models.JobResults) error {
	if res == nil {
		return nil
	}
	if !archive.Phase(res.Phase).Finished() {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s after %d chunks, run again to continue\n", res.JobID, res.Phase, res.Chunks)
		return nil
	}

	g, err := report.NewGenerator(cfg.ReportFormat, cfg.OutputFile, logger)
	if err != nil {
		return err
	}
	g.SetOutput(cmd.OutOrStdout())
	path, err := g.Generate(res)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Report: %s\n", path)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "duparchive v%s (container format %d)\n", version, container.FormatVersion)
		},
	}
}

// validateKind checks the --kind flag of status and reset.
func validateKind(kind, dest string) error {
	validKinds := []string{"build", "expand", "validate"}
	if !contains(validKinds, kind) {
		return fmt.Errorf("--kind must be one of: %s (got: %s)", strings.Join(validKinds, ", "), kind)
	}
	if kind == "expand" && dest == "" {
		return errors.New("--dest is required for expand jobs")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
