package scan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules is a YAML filter rule file
type Rules struct {
	ExcludePaths    []string `yaml:"exclude_paths"`
	ExcludeFiles    []string `yaml:"exclude_files"`     // Regex on file leaf names
	ExcludeDirNames []string `yaml:"exclude_dir_names"` // Directory basenames
}

// LoadRules loads filter rules from a YAML file. A missing file yields
// empty rules.
func LoadRules(path string) (*Rules, error) {
	rules := &Rules{}
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rules, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	return rules, nil
}

// Merge appends other's rules to r
func (r *Rules) Merge(other *Rules) {
	if other == nil {
		return
	}
	r.ExcludePaths = append(r.ExcludePaths, other.ExcludePaths...)
	r.ExcludeFiles = append(r.ExcludeFiles, other.ExcludeFiles...)
	r.ExcludeDirNames = append(r.ExcludeDirNames, other.ExcludeDirNames...)
}

// Filter compiles the rules into a Filter for roots
func (r *Rules) Filter(roots []string) (*Filter, error) {
	return NewFilter(r.ExcludePaths, r.ExcludeFiles, r.ExcludeDirNames, roots)
}
