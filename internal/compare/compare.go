// Package compare reports the differences between two file trees, such as a
// source tree and the same tree expanded from a container.
package compare

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/IvanShishkin/duparchive/internal/scan"
	"github.com/IvanShishkin/duparchive/pkg/models"
)

// Kind classifies a difference.
type Kind string

const (
	OnlyInA      Kind = "only_in_a"
	OnlyInB      Kind = "only_in_b"
	TypeMismatch Kind = "type_mismatch"
	Content      Kind = "content"
	ModTime      Kind = "mtime"
	LinkTarget   Kind = "link_target"
)

// Difference is one path that differs between the trees.
type Difference struct {
	Kind   Kind   `json:"kind"`
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
	Diff   string `json:"diff,omitempty"` // Unified diff for small text files
}

func (d Difference) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Path)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Kind, d.Path, d.Detail)
}

// Options controls a comparison.
type Options struct {
	PreserveLinks bool  // Compare symlinks as links instead of following them
	CheckModTime  bool  // Compare file mtimes at second precision
	DiffLimit     int64 // Largest file to diff, 0 for the default
	Context       int   // Diff context lines, 0 for the default
}

const (
	defaultDiffLimit = 64 * 1024
	defaultContext   = 3
)

// Result lists the differences in path order.
type Result struct {
	Compared    int          `json:"compared"` // Paths present in both trees
	Differences []Difference `json:"differences"`
}

// Equal reports whether no differences were found.
func (r *Result) Equal() bool {
	return len(r.Differences) == 0
}

// Trees compares the trees rooted at a and b. Cyclic symlinks are ignored on
// both sides.
func Trees(a, b string, opts Options) (*Result, error) {
	if opts.DiffLimit <= 0 {
		opts.DiffLimit = defaultDiffLimit
	}
	if opts.Context <= 0 {
		opts.Context = defaultContext
	}

	left, err := collect(a, opts)
	if err != nil {
		return nil, err
	}
	right, err := collect(b, opts)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(left)+len(right))
	for p := range left {
		paths = append(paths, p)
	}
	for p := range right {
		if _, ok := left[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	res := &Result{}
	for _, p := range paths {
		l, inA := left[p]
		r, inB := right[p]
		switch {
		case !inB:
			res.Differences = append(res.Differences, Difference{Kind: OnlyInA, Path: p})
		case !inA:
			res.Differences = append(res.Differences, Difference{Kind: OnlyInB, Path: p})
		default:
			res.Compared++
			diff, err := compareNodes(l, r, opts)
			if err != nil {
				return nil, err
			}
			if diff != nil {
				res.Differences = append(res.Differences, *diff)
			}
		}
	}
	return res, nil
}

func collect(root string, opts Options) (map[string]*models.ScanNodeInfo, error) {
	it, err := scan.NewIterator(scan.Options{
		Roots:         []string{root},
		Sort:          scan.SortAsc,
		PreserveLinks: opts.PreserveLinks,
	})
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*models.ScanNodeInfo)
	for {
		node, ok, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
		if !ok {
			return nodes, nil
		}
		if node.RelPath == "" || node.IsCyclicLink {
			continue
		}
		nodes[node.RelPath] = node
	}
}

// class groups node types that compare equal, such as a directory and a
// followed link to one.
func class(t models.NodeType) string {
	switch {
	case t.IsDir():
		return "dir"
	case t.IsFile():
		return "file"
	}
	return t.String()
}

func compareNodes(l, r *models.ScanNodeInfo, opts Options) (*Difference, error) {
	if class(l.Type) != class(r.Type) {
		return &Difference{Kind: TypeMismatch, Path: l.RelPath, Detail: fmt.Sprintf("%s vs %s", l.Type, r.Type)}, nil
	}

	switch {
	case l.Type == models.NodeSymlink:
		if l.LinkTarget != r.LinkTarget {
			return &Difference{Kind: LinkTarget, Path: l.RelPath, Detail: fmt.Sprintf("%s vs %s", l.LinkTarget, r.LinkTarget)}, nil
		}
	case l.Type.IsFile():
		return compareFiles(l, r, opts)
	}
	return nil, nil
}

func compareFiles(l, r *models.ScanNodeInfo, opts Options) (*Difference, error) {
	if l.Size != r.Size {
		d := &Difference{Kind: Content, Path: l.RelPath, Detail: fmt.Sprintf("size %d vs %d", l.Size, r.Size)}
		return d, diffFiles(d, l, r, opts)
	}

	lh, err := l.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", l.Path, err)
	}
	rh, err := r.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", r.Path, err)
	}
	if lh != rh {
		d := &Difference{Kind: Content, Path: l.RelPath, Detail: "content hash differs"}
		return d, diffFiles(d, l, r, opts)
	}

	if opts.CheckModTime && !l.ModTime.Truncate(time.Second).Equal(r.ModTime.Truncate(time.Second)) {
		return &Difference{Kind: ModTime, Path: l.RelPath, Detail: fmt.Sprintf("%s vs %s",
			l.ModTime.Format(time.RFC3339), r.ModTime.Format(time.RFC3339))}, nil
	}
	return nil, nil
}

// diffFiles attaches a unified diff when both files are small text files.
func diffFiles(d *Difference, l, r *models.ScanNodeInfo, opts Options) error {
	if l.Size > opts.DiffLimit || r.Size > opts.DiffLimit {
		return nil
	}
	a, err := os.ReadFile(l.Path)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(r.Path)
	if err != nil {
		return err
	}
	if !isText(a) || !isText(b) {
		return nil
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "a/" + l.RelPath,
		ToFile:   "b/" + r.RelPath,
		Context:  opts.Context,
	})
	if err != nil {
		return err
	}
	d.Diff = diff
	return nil
}

func isText(data []byte) bool {
	return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}

// Summary renders the result one difference per line, followed by diffs.
func (r *Result) Summary() string {
	if r.Equal() {
		return fmt.Sprintf("%d paths compared, no differences\n", r.Compared)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d paths compared, %d differences\n", r.Compared, len(r.Differences))
	for _, d := range r.Differences {
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	for _, d := range r.Differences {
		if d.Diff != "" {
			b.WriteString(d.Diff)
		}
	}
	return b.String()
}
