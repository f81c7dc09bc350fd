// Package index stores the result of the scan phase: the ordered list of
// entries the create phase will archive.
//
// The index is an append-only file of binaryio records. Writers are resumed
// by truncating back to the last persisted offset, which drops any tail a
// crashed chunk left behind.
package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/IvanShishkin/duparchive/internal/binaryio"
)

// ErrCorrupt is returned when a record cannot be decoded.
var ErrCorrupt = errors.New("scan index corrupt")

// EntryType is the kind of indexed entry.
type EntryType uint8

const (
	TypeDir     EntryType = 'D'
	TypeFile    EntryType = 'F'
	TypeSymlink EntryType = 'L'
)

func (t EntryType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Entry is one indexed filesystem entry.
type Entry struct {
	Type    EntryType
	Path    string // Absolute source path
	RelPath string // Slash-separated archive path
	Size    int64
	ModTime int64 // Unix seconds
	Mode    uint32
	Target  string // Symlink target, empty otherwise
}

var entryFormat = binaryio.Format{
	binaryio.Uint8("type"),
	binaryio.Var("path", binaryio.KindUint16),
	binaryio.Var("rel", binaryio.KindUint16),
	binaryio.Uint64("size"),
	binaryio.Int64("mtime"),
	binaryio.Uint32("mode"),
	binaryio.Var("target", binaryio.KindUint16).Optional(),
}

// Encode packs e into a record.
func (e Entry) Encode() ([]byte, error) {
	var target any
	if e.Type == TypeSymlink {
		target = e.Target
	}
	return entryFormat.Encode(uint8(e.Type), e.Path, e.RelPath, uint64(e.Size), e.ModTime, e.Mode, target)
}

func entryFromRecord(rec binaryio.Record) Entry {
	return Entry{
		Type:    EntryType(rec.Uint8("type")),
		Path:    rec.String("path"),
		RelPath: rec.String("rel"),
		Size:    int64(rec.Uint64("size")),
		ModTime: rec.Int64("mtime"),
		Mode:    rec.Uint32("mode"),
		Target:  rec.String("target"),
	}
}

// Writer appends entries to an index file.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	offset int64
}

// OpenWriter opens path for appending, truncating it to truncateTo first.
// A truncateTo of 0 starts a new index.
func OpenWriter(path string, truncateTo int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}
	if st.Size() < truncateTo {
		f.Close()
		return nil, fmt.Errorf("%w: %d bytes, expected at least %d", ErrCorrupt, st.Size(), truncateTo)
	}
	if err := f.Truncate(truncateTo); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate index: %w", err)
	}
	if _, err := f.Seek(truncateTo, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek index: %w", err)
	}

	return &Writer{file: f, buf: bufio.NewWriter(f), offset: truncateTo}, nil
}

// Append writes one entry and returns the offset after it.
func (w *Writer) Append(e Entry) (int64, error) {
	data, err := e.Encode()
	if err != nil {
		return w.offset, fmt.Errorf("failed to encode %s: %w", e.RelPath, err)
	}
	n, err := w.buf.Write(data)
	w.offset += int64(n)
	if err != nil {
		return w.offset, fmt.Errorf("failed to write index: %w", err)
	}
	return w.offset, nil
}

// Offset returns the number of bytes written so far, buffered or not.
func (w *Writer) Offset() int64 {
	return w.offset
}

// Sync flushes buffered records and fsyncs the file.
func (w *Writer) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush index: %w", err)
	}
	return w.file.Close()
}
