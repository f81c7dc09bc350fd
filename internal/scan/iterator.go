// Package scan walks file trees as a resumable, depth-first sequence of
// ScanNodeInfo values.
package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

// PositionVersion is bumped whenever Position changes shape.
const PositionVersion = 1

// ErrPositionVersion is returned by Seek for positions written by another
// version of the iterator.
var ErrPositionVersion = errors.New("incompatible scan position version")

// SortMode orders directory children.
type SortMode string

const (
	SortNone SortMode = "none"
	SortAsc  SortMode = "asc"
	SortDesc SortMode = "desc"
)

// ParseSort parses a sort mode name. The empty string means SortNone.
func ParseSort(s string) (SortMode, error) {
	switch SortMode(strings.ToLower(s)) {
	case "", SortNone:
		return SortNone, nil
	case SortAsc:
		return SortAsc, nil
	case SortDesc:
		return SortDesc, nil
	}
	return "", fmt.Errorf("invalid sort mode: %s (must be none, asc or desc)", s)
}

// Options configures an Iterator.
type Options struct {
	Roots         []string
	Filter        *Filter
	Sort          SortMode
	PreserveLinks bool // Emit symlinks as link nodes instead of following them
}

// Level is one open directory on the traversal stack.
type Level struct {
	Path      string   `cbor:"path"`
	RealPath  string   `cbor:"real"`
	Symlinked bool     `cbor:"symlinked"` // Entered through a link, directly or above
	Names     []string `cbor:"names"`     // Children still to visit start at Cursor
	Cursor    int      `cbor:"cursor"`
	Size      int64    `cbor:"size"`
	Nodes     int64    `cbor:"nodes"`
}

// Position is the full traversal state of an Iterator.
type Position struct {
	Version int      `cbor:"v"`
	Pending []string `cbor:"pending"` // Roots not entered yet
	Stack   []Level  `cbor:"stack"`
	Visited int64    `cbor:"visited"`
}

// DirTotals carries a directory's final aggregates once its subtree is done.
type DirTotals struct {
	Path    string
	RelPath string
	Size    int64
	Nodes   int64
}

// Iterator produces ScanNodeInfo values depth-first, each directory before
// its descendants. Only the stack of open ancestors is kept in memory.
type Iterator struct {
	opts  Options
	roots []string
	base  string

	pending []string
	stack   []Level
	visited int64

	onDirComplete func(DirTotals)
}

// NewIterator creates an iterator positioned at the start.
func NewIterator(opts Options) (*Iterator, error) {
	roots, err := normalizeRoots(opts.Roots)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, errors.New("no scan roots")
	}
	if opts.Sort == "" {
		opts.Sort = SortNone
	}

	it := &Iterator{
		opts:  opts,
		roots: roots,
		base:  commonBase(roots),
	}
	it.Rewind()
	return it, nil
}

// normalizeRoots makes roots absolute, removes duplicates and drops roots
// that lie inside another root. Input order is kept.
func normalizeRoots(roots []string) ([]string, error) {
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		abs = append(abs, a)
	}

	var out []string
	for i, r := range abs {
		drop := false
		for j, other := range abs {
			if i == j {
				continue
			}
			if r == other && j < i {
				drop = true
				break
			}
			if r != other && isWithin(r, other) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, r)
		}
	}
	return out, nil
}

// commonBase returns the directory relative paths are computed from: the
// root itself for a single directory root, otherwise the deepest common
// ancestor.
func commonBase(roots []string) string {
	if len(roots) == 1 {
		if fi, err := os.Stat(roots[0]); err == nil && !fi.IsDir() {
			return filepath.Dir(roots[0])
		}
		return roots[0]
	}

	base := filepath.Dir(roots[0])
	for _, r := range roots[1:] {
		for !isWithin(r, base) {
			parent := filepath.Dir(base)
			if parent == base {
				break
			}
			base = parent
		}
	}
	return base
}

// Base returns the directory all relative paths are computed from.
func (it *Iterator) Base() string {
	return it.base
}

// Roots returns the effective roots after normalisation.
func (it *Iterator) Roots() []string {
	return append([]string(nil), it.roots...)
}

// OnDirComplete registers fn to receive each directory's final totals.
func (it *Iterator) OnDirComplete(fn func(DirTotals)) {
	it.onDirComplete = fn
}

// Rewind restarts traversal from the first root.
func (it *Iterator) Rewind() {
	it.pending = append([]string(nil), it.roots...)
	it.stack = nil
	it.visited = 0
}

// Position exports the traversal state. Names slices are shared with the
// iterator; they are never modified after a level is pushed.
func (it *Iterator) Position() Position {
	return Position{
		Version: PositionVersion,
		Pending: append([]string(nil), it.pending...),
		Stack:   append([]Level(nil), it.stack...),
		Visited: it.visited,
	}
}

// Seek restores a state exported by Position.
func (it *Iterator) Seek(pos Position) error {
	if pos.Version != PositionVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrPositionVersion, pos.Version, PositionVersion)
	}
	it.pending = append([]string(nil), pos.Pending...)
	it.stack = append([]Level(nil), pos.Stack...)
	it.visited = pos.Visited
	return nil
}

// Next returns the next node. ok is false once every root is exhausted.
func (it *Iterator) Next() (*models.ScanNodeInfo, bool, error) {
	for {
		var path string
		depth := len(it.stack)

		if depth > 0 {
			top := &it.stack[depth-1]
			if top.Cursor >= len(top.Names) {
				it.pop()
				continue
			}
			path = filepath.Join(top.Path, top.Names[top.Cursor])
			top.Cursor++
		} else if len(it.pending) > 0 {
			path = it.pending[0]
			it.pending = it.pending[1:]
		} else {
			return nil, false, nil
		}

		if it.opts.Filter.ExcludesPath(path) {
			continue
		}

		node := it.visit(path, depth)
		if node == nil {
			continue
		}
		it.visited++
		return node, true, nil
	}
}

// pop closes the top level and folds its totals into the parent.
func (it *Iterator) pop() {
	done := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	if n := len(it.stack); n > 0 {
		it.stack[n-1].Size += done.Size
		it.stack[n-1].Nodes += done.Nodes
	}
	if it.onDirComplete != nil {
		it.onDirComplete(DirTotals{
			Path:    done.Path,
			RelPath: it.rel(done.Path),
			Size:    done.Size,
			Nodes:   done.Nodes,
		})
	}
}

// visit stats path and either returns a leaf node, pushes a new level for a
// directory, or returns nil when the path is filtered or has vanished.
func (it *Iterator) visit(path string, depth int) *models.ScanNodeInfo {
	name := filepath.Base(path)

	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}

	node := &models.ScanNodeInfo{
		Path:    path,
		RelPath: it.rel(path),
		Depth:   depth,
	}
	if err != nil {
		node.Unreadable = true
		it.addLeaf(node)
		return node
	}

	node.ModTime = fi.ModTime()
	node.ChangeTime = changeTime(fi)
	node.Mode = fi.Mode().Perm()

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return it.visitLink(node, name)

	case fi.IsDir():
		if it.opts.Filter.ExcludesDir(name) {
			return nil
		}
		node.Type = models.NodeDir
		real := path
		if depth > 0 {
			parent := it.stack[depth-1]
			real = filepath.Join(parent.RealPath, name)
		} else if r, err := filepath.EvalSymlinks(path); err == nil {
			real = r
		}
		it.enter(node, real, depth > 0 && it.stack[depth-1].Symlinked)
		return node

	case fi.Mode().IsRegular():
		if it.opts.Filter.ExcludesFile(name) {
			return nil
		}
		node.Type = models.NodeFile
		node.Size = fi.Size()
		it.addLeaf(node)
		return node

	default:
		node.Type = models.NodeUnknown
		it.addLeaf(node)
		return node
	}
}

func (it *Iterator) visitLink(node *models.ScanNodeInfo, name string) *models.ScanNodeInfo {
	target, err := os.Readlink(node.Path)
	if err != nil {
		node.Unreadable = true
		it.addLeaf(node)
		return node
	}
	node.LinkTarget = target

	if it.opts.PreserveLinks {
		if it.opts.Filter.ExcludesFile(name) {
			return nil
		}
		node.Type = models.NodeSymlink
		it.addLeaf(node)
		return node
	}

	st, err := os.Stat(node.Path)
	if err != nil {
		// Dangling link
		node.Type = models.NodeUnknown
		it.addLeaf(node)
		return node
	}

	if !st.IsDir() {
		if it.opts.Filter.ExcludesFile(name) {
			return nil
		}
		node.Type = models.NodeLinkFile
		node.Size = st.Size()
		node.ModTime = st.ModTime()
		node.Mode = st.Mode().Perm()
		it.addLeaf(node)
		return node
	}

	if it.opts.Filter.ExcludesDir(name) {
		return nil
	}
	node.Type = models.NodeLinkDir
	node.ModTime = st.ModTime()
	node.Mode = st.Mode().Perm()

	real, err := filepath.EvalSymlinks(node.Path)
	if err != nil {
		node.Unreadable = true
		it.addLeaf(node)
		return node
	}
	if it.isCyclic(real) {
		node.IsCyclicLink = true
		it.addLeaf(node)
		return node
	}
	it.enter(node, real, true)
	return node
}

// isCyclic reports whether descending into real would revisit an open
// directory. A target that contains any open level is always a cycle; a
// target inside an open level reached through a link is one as well.
func (it *Iterator) isCyclic(real string) bool {
	for _, lvl := range it.stack {
		if isWithin(lvl.RealPath, real) {
			return true
		}
		if lvl.Symlinked && isWithin(real, lvl.RealPath) {
			return true
		}
	}
	return false
}

// enter pushes a level for a directory node. Unlistable directories become
// unreadable leaves.
func (it *Iterator) enter(node *models.ScanNodeInfo, real string, symlinked bool) {
	names, err := it.readNames(node.Path)
	if err != nil {
		node.Unreadable = true
		it.addLeaf(node)
		return
	}
	node.NodeCount = 1
	it.stack = append(it.stack, Level{
		Path:      node.Path,
		RealPath:  real,
		Symlinked: symlinked || node.Type == models.NodeLinkDir,
		Names:     names,
		Nodes:     1,
	})
}

func (it *Iterator) readNames(dir string) ([]string, error) {
	fd, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	names, err := fd.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	switch it.opts.Sort {
	case SortAsc:
		sort.Strings(names)
	case SortDesc:
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}
	return names, nil
}

// addLeaf counts a node that will not be descended into towards its parent.
func (it *Iterator) addLeaf(node *models.ScanNodeInfo) {
	node.NodeCount = 1
	if n := len(it.stack); n > 0 {
		it.stack[n-1].Size += node.Size
		it.stack[n-1].Nodes++
	}
}

// rel returns path relative to the base, slash-separated. The base itself
// maps to "".
func (it *Iterator) rel(path string) string {
	r, err := filepath.Rel(it.base, path)
	if err != nil || r == "." {
		return ""
	}
	return filepath.ToSlash(r)
}
