package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/IvanShishkin/duparchive/internal/binaryio"
)

// Position is a resumable read position in an index file.
type Position struct {
	Offset  int64 `cbor:"offset"`
	Ordinal int64 `cbor:"ordinal"` // Entries before Offset
}

// Iterator reads entries in order. It implements chunk.Iterator.
type Iterator struct {
	file  *os.File
	size  int64
	r     *countingReader
	pos   Position
	dirty bool // r is not positioned at pos
}

// OpenIterator opens an index whose valid content ends at size.
func OpenIterator(path string, size int64) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return &Iterator{file: f, size: size, dirty: true}, nil
}

// Rewind positions at the first entry.
func (it *Iterator) Rewind() {
	it.pos = Position{}
	it.dirty = true
}

// Seek positions at pos.
func (it *Iterator) Seek(pos Position) error {
	if pos.Offset < 0 || pos.Offset > it.size {
		return fmt.Errorf("%w: offset %d outside %d bytes", ErrCorrupt, pos.Offset, it.size)
	}
	it.pos = pos
	it.dirty = true
	return nil
}

// Position returns the position of the next entry.
func (it *Iterator) Position() Position {
	return it.pos
}

// Next returns the next entry.
func (it *Iterator) Next() (Entry, bool, error) {
	if it.pos.Offset >= it.size {
		return Entry{}, false, nil
	}
	if it.dirty {
		if _, err := it.file.Seek(it.pos.Offset, io.SeekStart); err != nil {
			return Entry{}, false, fmt.Errorf("failed to seek index: %w", err)
		}
		it.r = newCountingReader(io.LimitReader(it.file, it.size-it.pos.Offset))
		it.dirty = false
	}

	before := it.r.n
	rec, err := entryFormat.DecodeFrom(it.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, binaryio.ErrTruncated) {
			return Entry{}, false, fmt.Errorf("%w: partial record at offset %d", ErrCorrupt, it.pos.Offset)
		}
		return Entry{}, false, fmt.Errorf("failed to read index: %w", err)
	}

	it.pos.Offset += it.r.n - before
	it.pos.Ordinal++
	return entryFromRecord(rec), true, nil
}

// Close closes the underlying file.
func (it *Iterator) Close() error {
	return it.file.Close()
}

// countingReader is a bufio.Reader that tracks consumed bytes.
type countingReader struct {
	*bufio.Reader
	n int64
}

func newCountingReader(r io.Reader) *countingReader {
	return &countingReader{Reader: bufio.NewReaderSize(r, 64*1024)}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Discard(n int) (int, error) {
	d, err := c.Reader.Discard(n)
	c.n += int64(d)
	return d, err
}
