package container

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/IvanShishkin/duparchive/internal/binaryio"
)

// Position locates the next entry header.
type Position struct {
	Offset       int64  `cbor:"offset"`
	Ordinal      uint32 `cbor:"ordinal"`       // Entries before Offset
	ContentBytes int64  `cbor:"content_bytes"` // Content bytes before Offset
}

// Entry is one decoded entry header. File content is read through Content.
type Entry struct {
	Type    EntryType
	Path    string
	Size    int64
	ModTime int64
	Mode    uint32
	Target  string
	Ordinal uint32 // Zero-based position in the container
	Offset  int64  // Offset of the entry header

	content *contentReader
}

// Content returns the file content. Reading it to io.EOF verifies the size
// and checksum; a mismatch is reported instead of io.EOF.
func (e *Entry) Content() io.Reader {
	if e.content == nil {
		return eofReader{}
	}
	return e.content
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Reader reads entries sequentially.
type Reader struct {
	file   *os.File
	r      *countingReader
	header Header
	codec  *blockCodec

	start   int64 // First entry offset
	base    int64 // File offset where r started
	pos     Position
	current *Entry // Entry whose content may be unread
	done    bool
}

// Open opens a container for reading. A password is needed only for
// protected containers.
func Open(path, password string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{file: f, r: newCountingReader(f)}
	rec, err := headerFormat.DecodeFrom(r.r)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if r.header, err = headerFromRecord(rec); err != nil {
		f.Close()
		return nil, err
	}
	key, err := unlock(r.header, password)
	if err != nil {
		f.Close()
		return nil, err
	}
	if r.codec, err = newBlockCodec(r.header, key); err != nil {
		f.Close()
		return nil, err
	}

	r.start = r.r.n
	r.pos = Position{Offset: r.start}
	return r, nil
}

// Header returns the container header.
func (r *Reader) Header() Header {
	return r.header
}

// Close closes the file.
func (r *Reader) Close() error {
	r.codec.close()
	return r.file.Close()
}

// Rewind positions at the first entry.
func (r *Reader) Rewind() error {
	return r.Seek(Position{Offset: r.start})
}

// Seek positions at an entry boundary previously returned by Position.
func (r *Reader) Seek(pos Position) error {
	if pos.Offset < r.start {
		return fmt.Errorf("%w: seek to %d inside header", ErrCorrupt, pos.Offset)
	}
	if _, err := r.file.Seek(pos.Offset, io.SeekStart); err != nil {
		return err
	}
	r.r = newCountingReader(r.file)
	r.base = pos.Offset
	r.pos = pos
	r.current = nil
	r.done = false
	return nil
}

// Position returns the position of the next entry header, skipping any
// unread content of the current entry first.
func (r *Reader) Position() (Position, error) {
	if err := r.drain(); err != nil {
		return r.pos, err
	}
	return r.pos, nil
}

func (r *Reader) offset() int64 {
	return r.base + r.r.n
}

// drain consumes and verifies the rest of the current entry's content.
func (r *Reader) drain() error {
	cur := r.current
	if cur == nil {
		return nil
	}
	if cur.content != nil {
		if _, err := io.Copy(io.Discard, cur.content); err != nil {
			return err
		}
	}
	r.current = nil
	r.pos = Position{
		Offset:       r.offset(),
		Ordinal:      cur.Ordinal + 1,
		ContentBytes: r.pos.ContentBytes + cur.Size,
	}
	return nil
}

// Next returns the next entry, or io.EOF after a valid end marker.
func (r *Reader) Next() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.drain(); err != nil {
		return nil, err
	}

	peek, err := r.r.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing end marker after %d entries", ErrCorrupt, r.pos.Ordinal)
		}
		return nil, err
	}

	if EntryType(peek[0]) == typeEnd {
		return nil, r.readEnd()
	}

	rec, err := entryFormat.DecodeFrom(r.r)
	if err != nil {
		return nil, decodeErr("entry header", r.pos.Offset, err)
	}

	e := &Entry{
		Type:    EntryType(rec.Uint8("type")),
		Path:    rec.String("path"),
		Size:    int64(rec.Uint64("size")),
		ModTime: rec.Int64("mtime"),
		Mode:    rec.Uint32("mode"),
		Target:  rec.String("target"),
		Ordinal: r.pos.Ordinal,
		Offset:  r.pos.Offset,
	}

	switch e.Type {
	case TypeFile:
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: negative size at offset %d", ErrCorrupt, e.Offset)
		}
		e.content = &contentReader{r: r, entry: e, remaining: e.Size, crc: crc32.NewIEEE()}
	case TypeDir, TypeSymlink:
		if e.Size != 0 {
			return nil, fmt.Errorf("%w: %s entry with size %d at offset %d", ErrCorrupt, e.Type, e.Size, e.Offset)
		}
	default:
		return nil, fmt.Errorf("%w: unknown entry type %d at offset %d", ErrCorrupt, uint8(e.Type), e.Offset)
	}

	r.current = e
	return e, nil
}

func (r *Reader) readEnd() error {
	rec, err := endFormat.DecodeFrom(r.r)
	if err != nil {
		return decodeErr("end marker", r.pos.Offset, err)
	}
	entries := rec.Uint32("entries")
	content := int64(rec.Uint64("content_bytes"))

	if entries != r.pos.Ordinal {
		return fmt.Errorf("%w: end marker counts %d entries, read %d", ErrCorrupt, entries, r.pos.Ordinal)
	}
	if r.header.Entries != entries {
		return fmt.Errorf("%w: header declares %d entries, end marker %d", ErrCorrupt, r.header.Entries, entries)
	}
	if content != r.pos.ContentBytes {
		return fmt.Errorf("%w: end marker counts %d content bytes, read %d", ErrSizeMismatch, content, r.pos.ContentBytes)
	}
	if _, err := r.r.Peek(1); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after end marker", ErrCorrupt)
	}
	r.done = true
	return io.EOF
}

// decodeErr maps binaryio failures to corruption. Running out of input in
// the middle of a record means the container was cut short.
func decodeErr(what string, offset int64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, binaryio.ErrTruncated) {
		return fmt.Errorf("%w: truncated %s at offset %d", ErrCorrupt, what, offset)
	}
	return fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, what, offset, err)
}

// contentReader yields exactly entry.Size bytes and checks the trailer.
type contentReader struct {
	r         *Reader
	entry     *Entry
	remaining int64
	crc       hash.Hash32
	err       error // Sticky terminal state, io.EOF on success

	// Framed content
	pending []byte
	block   uint64
	total   int64
}

func (c *contentReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.r.header.framed() {
		return c.readFramed(p)
	}
	return c.readRaw(p)
}

func (c *contentReader) readRaw(p []byte) (int, error) {
	if c.remaining == 0 {
		c.err = c.finish()
		return 0, c.err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.r.Read(p)
	c.crc.Write(p[:n])
	c.remaining -= int64(n)
	if err != nil && !(errors.Is(err, io.EOF) && c.remaining == 0) {
		if errors.Is(err, io.EOF) {
			c.err = fmt.Errorf("%w: %s: %d of %d bytes present", ErrSizeMismatch, c.entry.Path, c.entry.Size-c.remaining, c.entry.Size)
		} else {
			c.err = err
		}
		return n, c.err
	}
	return n, nil
}

func (c *contentReader) readFramed(p []byte) (int, error) {
	for len(c.pending) == 0 {
		more, err := c.nextBlock()
		if err != nil {
			c.err = err
			return 0, err
		}
		if !more {
			c.err = c.finish()
			return 0, c.err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *contentReader) nextBlock() (bool, error) {
	rec, err := blockFormat.DecodeFrom(c.r.r)
	if err != nil {
		return false, c.truncated(err)
	}
	rawLen := int(rec.Uint32("raw"))
	payloadLen := int(rec.Uint32("payload"))
	flags := rec.Uint8("flags")

	if rawLen == 0 && payloadLen == 0 {
		if c.total != c.entry.Size {
			return false, fmt.Errorf("%w: %s: %d of %d bytes present", ErrSizeMismatch, c.entry.Path, c.total, c.entry.Size)
		}
		return false, nil
	}
	if rawLen > blockSize || payloadLen > maxPayload {
		return false, fmt.Errorf("%w: oversized block in %s", ErrCorrupt, c.entry.Path)
	}
	if c.total+int64(rawLen) > c.entry.Size {
		return false, fmt.Errorf("%w: %s: content exceeds %d bytes", ErrSizeMismatch, c.entry.Path, c.entry.Size)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(c.r.r, payload); err != nil {
		return false, c.truncated(err)
	}
	raw, err := c.r.codec.open(payload, flags, rawLen, c.entry.Ordinal, c.block)
	if err != nil {
		return false, err
	}
	c.block++
	c.total += int64(rawLen)
	c.crc.Write(raw)
	c.pending = raw
	return true, nil
}

func (c *contentReader) truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, binaryio.ErrTruncated) {
		return fmt.Errorf("%w: %s: content cut short after %d of %d bytes", ErrSizeMismatch, c.entry.Path, c.total, c.entry.Size)
	}
	return err
}

// finish checks the CRC32 trailer once all content has been read.
func (c *contentReader) finish() error {
	rec, err := trailerFormat.DecodeFrom(c.r.r)
	if err != nil {
		return fmt.Errorf("%w: %s: missing checksum", ErrSizeMismatch, c.entry.Path)
	}
	if rec.Uint32("crc") != c.crc.Sum32() {
		return fmt.Errorf("%w: %s", ErrChecksum, c.entry.Path)
	}
	return io.EOF
}

// countingReader is a bufio.Reader that tracks consumed bytes.
type countingReader struct {
	*bufio.Reader
	n int64
}

func newCountingReader(r io.Reader) *countingReader {
	return &countingReader{Reader: bufio.NewReaderSize(r, 256*1024)}
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
