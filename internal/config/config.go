package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/IvanShishkin/duparchive/internal/container"
	"github.com/IvanShishkin/duparchive/internal/report"
	"github.com/IvanShishkin/duparchive/internal/scan"
)

// Config represents the archiver configuration
type Config struct {
	// Build settings
	Compression   string   `mapstructure:"compression"`    // none, lz4, zstd
	KDFIterations int      `mapstructure:"kdf_iterations"` // PBKDF2 rounds for protected containers
	Sort          string   `mapstructure:"sort"`           // none, asc, desc
	PreserveLinks bool     `mapstructure:"preserve_links"` // archive symlinks as links
	MaxFileSize   string   `mapstructure:"max_file_size"`  // skip larger files, empty for no limit
	RulesFile     string   `mapstructure:"rules_file"`     // YAML filter rules
	Exclude       []string `mapstructure:"exclude"`        // directory names to exclude

	// Job settings
	StateDir string      `mapstructure:"state_dir"` // job and chunk state, next to the container when empty
	Chunk    ChunkConfig `mapstructure:"chunk"`

	// Report settings
	ReportFormat string `mapstructure:"report_format"` // console, json, text, md
	OutputFile   string `mapstructure:"output_file"`   // report path, stdout when empty

	// Storage settings
	StoreDir string `mapstructure:"store_dir"` // copy finished containers here
}

// ChunkConfig bounds each chunk and sets the retry policy
type ChunkConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"` // items per chunk, 0 for unlimited
	TimeBudget    time.Duration `mapstructure:"time_budget"`    // wall-clock budget per chunk
	Throttle      time.Duration `mapstructure:"throttle"`       // sleep between items
	MaxRetries    int           `mapstructure:"max_retries"`
	RobustAfter   int           `mapstructure:"robust_after"`
	RobustFactor  float64       `mapstructure:"robust_factor"`
}

// LoadConfig loads configuration from defaults, an optional config file and
// environment variables, in increasing priority
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("compression", "none")
	v.SetDefault("kdf_iterations", container.DefaultKDFIterations)
	v.SetDefault("sort", "asc")
	v.SetDefault("preserve_links", false)
	v.SetDefault("max_file_size", "")
	v.SetDefault("rules_file", "")
	v.SetDefault("exclude", []string{})
	v.SetDefault("state_dir", "")
	v.SetDefault("report_format", "console")
	v.SetDefault("output_file", "")
	v.SetDefault("store_dir", "")

	v.SetDefault("chunk.max_iterations", 0)
	v.SetDefault("chunk.time_budget", 10*time.Second)
	v.SetDefault("chunk.throttle", time.Duration(0))
	v.SetDefault("chunk.max_retries", 10)
	v.SetDefault("chunk.robust_after", 2)
	v.SetDefault("chunk.robust_factor", 0.5)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// DUPARCHIVE_CHUNK_TIME_BUDGET sets chunk.time_budget
	v.SetEnvPrefix("DUPARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a job
func (c *Config) Validate() error {
	if _, err := c.GetCompression(); err != nil {
		return err
	}
	if _, err := c.GetSort(); err != nil {
		return err
	}
	if _, err := c.GetMaxFileSize(); err != nil {
		return err
	}
	if c.KDFIterations < 0 {
		return fmt.Errorf("invalid kdf_iterations: %d", c.KDFIterations)
	}
	if c.Chunk.MaxIterations < 0 || c.Chunk.TimeBudget < 0 || c.Chunk.Throttle < 0 {
		return fmt.Errorf("chunk limits must not be negative")
	}
	if c.Chunk.RobustFactor <= 0 || c.Chunk.RobustFactor > 1 {
		return fmt.Errorf("invalid chunk.robust_factor: %v (must be in (0, 1])", c.Chunk.RobustFactor)
	}
	format, err := report.ParseFormat(c.ReportFormat)
	if err != nil {
		return fmt.Errorf("invalid report_format: %w", err)
	}
	c.ReportFormat = format
	return nil
}

// GetCompression returns the container compression
func (c *Config) GetCompression() (container.Compression, error) {
	return container.ParseCompression(c.Compression)
}

// GetSort returns the scan order
func (c *Config) GetSort() (scan.SortMode, error) {
	return scan.ParseSort(c.Sort)
}

// GetMaxFileSize returns the file size limit in bytes, 0 for none
func (c *Config) GetMaxFileSize() (int64, error) {
	return ParseSize(c.MaxFileSize)
}

// GetRules merges the rules file with the configured exclusions
func (c *Config) GetRules() (*scan.Rules, error) {
	rules := &scan.Rules{}
	if c.RulesFile != "" {
		loaded, err := scan.LoadRules(c.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	rules.Merge(&scan.Rules{ExcludeDirNames: c.Exclude})
	return rules, nil
}

// ParseSize parses a size string such as "650K", "1M" or "2GB" to bytes.
// An empty string is zero.
func ParseSize(sizeStr string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(sizeStr))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, fmt.Errorf("invalid size: %q", sizeStr)
	}

	var multiplier int64 = 1
	switch s[len(s)-1:] {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	case "T":
		multiplier = 1 << 40
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	size, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid size: %q", sizeStr)
	}
	if size > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("size too large: %q", sizeStr)
	}
	return size * multiplier, nil
}
