package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Filter decides which paths a scan skips.
//
// Explicit paths remove whole subtrees, directory names are matched against
// every directory basename, and patterns are matched against file leaf names
// only. A nil *Filter excludes nothing.
type Filter struct {
	paths    []string
	patterns []*regexp.Regexp
	dirNames map[string]bool
}

// NewFilter builds a filter for the given roots.
//
// Filter paths outside every root, or inside another filter path, are
// dropped up front since they can never match first.
func NewFilter(paths, filePatterns, dirNames, roots []string) (*Filter, error) {
	absRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		absRoots = append(absRoots, abs)
	}

	var candidates []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve filter path %s: %w", p, err)
		}
		for _, r := range absRoots {
			if isWithin(abs, r) {
				candidates = append(candidates, abs)
				break
			}
		}
	}

	f := &Filter{
		paths:    pruneNested(candidates),
		dirNames: make(map[string]bool, len(dirNames)),
	}

	for _, pat := range filePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern %q: %w", pat, err)
		}
		f.patterns = append(f.patterns, re)
	}

	// Build exclude map for fast lookup
	for _, name := range dirNames {
		f.dirNames[name] = true
	}

	return f, nil
}

// pruneNested removes duplicates and paths that lie inside another path of
// the list. The result is sorted.
func pruneNested(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	var kept []string
	for _, p := range sorted {
		nested := false
		for _, k := range kept {
			if isWithin(p, k) {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return kept
}

// Paths returns the effective explicit exclusions.
func (f *Filter) Paths() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.paths...)
}

// ExcludesPath reports whether path lies in an excluded subtree.
func (f *Filter) ExcludesPath(path string) bool {
	if f == nil {
		return false
	}
	for _, p := range f.paths {
		if isWithin(path, p) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether a directory basename is excluded.
func (f *Filter) ExcludesDir(name string) bool {
	if f == nil {
		return false
	}
	return f.dirNames[name]
}

// ExcludesFile reports whether a file leaf name matches an exclusion pattern.
func (f *Filter) ExcludesFile(name string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// isWithin reports whether path equals base or lies below it.
func isWithin(path, base string) bool {
	if path == base {
		return true
	}
	if !strings.HasSuffix(base, string(os.PathSeparator)) {
		base += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, base)
}
