package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// Options configures a new container.
type Options struct {
	Compression   Compression
	Password      string
	KDFIterations int
}

// Writer appends entries to a container. Entries are written in call order.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	header Header
	codec  *blockCodec

	offset       int64
	entries      uint32
	contentBytes int64

	syncEach bool
	sealed   bool
	block    []byte
	scratch  []byte
}

// Create starts a new container at path, replacing any existing file.
func Create(path string, opts Options) (*Writer, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate archive id: %w", err)
	}
	h := Header{
		Version:     FormatVersion,
		ID:          id,
		Created:     time.Now(),
		Compression: opts.Compression,
	}

	var key []byte
	if opts.Password != "" {
		iter := opts.KDFIterations
		if iter <= 0 {
			iter = DefaultKDFIterations
		}
		salt, err := newSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		key = deriveKey(opts.Password, salt, iter)
		h.KDFIterations = uint32(iter)
		h.Salt = salt
		h.Verifier = verifierFor(key)
	}

	data, err := h.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	w, err := newWriter(f, h, key)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.write(data); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenAppend reopens a container for appending at cp, discarding anything
// written after it.
func OpenAppend(path string, cp Checkpoint, password string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	br := newCountingReader(f)
	rec, err := headerFormat.DecodeFrom(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	h, err := headerFromRecord(rec)
	if err != nil {
		f.Close()
		return nil, err
	}
	key, err := unlock(h, password)
	if err != nil {
		f.Close()
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if cp.Offset < br.n || cp.Offset > st.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: resume offset %d outside %d..%d", ErrCorrupt, cp.Offset, br.n, st.Size())
	}
	if err := f.Truncate(cp.Offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate: %v", ErrWrite, err)
	}
	if _, err := f.Seek(cp.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek: %v", ErrWrite, err)
	}

	w, err := newWriter(f, h, key)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.offset = cp.Offset
	w.entries = cp.Entries
	w.contentBytes = cp.ContentBytes
	return w, nil
}

func newWriter(f *os.File, h Header, key []byte) (*Writer, error) {
	codec, err := newBlockCodec(h, key)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file:   f,
		buf:    bufio.NewWriterSize(f, 256*1024),
		header: h,
		codec:  codec,
		block:  make([]byte, blockSize),
	}, nil
}

// Header returns the container header.
func (w *Writer) Header() Header {
	return w.header
}

// SetSyncEach makes every entry fsync the container once written.
func (w *Writer) SetSyncEach(on bool) {
	w.syncEach = on
}

// Checkpoint returns the state to resume from after the last entry.
func (w *Writer) Checkpoint() Checkpoint {
	return Checkpoint{Offset: w.offset, Entries: w.entries, ContentBytes: w.contentBytes}
}

// Offset returns the container size including buffered bytes.
func (w *Writer) Offset() int64 {
	return w.offset
}

func (w *Writer) write(p []byte) error {
	n, err := w.buf.Write(p)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (w *Writer) writeHeader(t EntryType, rel string, size int64, mtime int64, mode uint32, target any) error {
	if w.sealed {
		return ErrSealed
	}
	var err error
	w.scratch, err = entryFormat.AppendEncode(w.scratch[:0], uint8(t), rel, uint64(size), mtime, mode, target)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", rel, err)
	}
	return w.write(w.scratch)
}

func (w *Writer) finishEntry() error {
	w.entries++
	if w.syncEach {
		return w.Sync()
	}
	return nil
}

// WriteDir appends a directory entry.
func (w *Writer) WriteDir(rel string, mtime int64, mode uint32) error {
	if err := w.writeHeader(TypeDir, rel, 0, mtime, mode, nil); err != nil {
		return err
	}
	return w.finishEntry()
}

// WriteSymlink appends a symlink entry.
func (w *Writer) WriteSymlink(rel, target string, mtime int64, mode uint32) error {
	if err := w.writeHeader(TypeSymlink, rel, 0, mtime, mode, target); err != nil {
		return err
	}
	return w.finishEntry()
}

// WriteFile appends a file entry with exactly size bytes read from src.
//
// If src ends early or fails, the rest of the content is zero-filled and
// ErrSourceChanged is returned after the entry is complete. Errors wrapping
// ErrWrite leave the container in an undefined state past the last
// checkpoint.
func (w *Writer) WriteFile(rel string, src io.Reader, size int64, mtime int64, mode uint32) error {
	if err := w.writeHeader(TypeFile, rel, size, mtime, mode, nil); err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	var srcErr error
	var written int64
	var block uint64
	ordinal := w.entries

	for written < size {
		n := blockSize
		if rem := size - written; rem < int64(n) {
			n = int(rem)
		}
		raw := w.block[:n]
		srcErr = fill(src, raw, srcErr)
		crc.Write(raw)

		if err := w.writeContent(raw, ordinal, block); err != nil {
			return err
		}
		written += int64(n)
		block++
	}

	if w.header.framed() {
		if err := w.writeBlockHeader(0, 0, 0); err != nil {
			return err
		}
	}
	if err := w.writeTrailer(crc); err != nil {
		return err
	}
	w.contentBytes += size

	if srcErr == nil {
		// Any byte past size means the file grew
		var extra [1]byte
		if n, _ := src.Read(extra[:]); n > 0 {
			srcErr = errors.New("file grew")
		}
	}

	if err := w.finishEntry(); err != nil {
		return err
	}
	if srcErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceChanged, rel, srcErr)
	}
	return nil
}

// fill reads len(buf) bytes from src. Once src has failed, or ended early,
// the buffer is zero-filled instead and the first failure is kept.
func fill(src io.Reader, buf []byte, prev error) error {
	if prev != nil {
		clear(buf)
		return prev
	}
	n, err := io.ReadFull(src, buf)
	if err != nil {
		clear(buf[n:])
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return errors.New("file shrank")
		}
		return err
	}
	return nil
}

func (w *Writer) writeContent(raw []byte, ordinal uint32, block uint64) error {
	if !w.header.framed() {
		return w.write(raw)
	}
	payload, flags, err := w.codec.seal(raw, ordinal, block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := w.writeBlockHeader(len(raw), len(payload), flags); err != nil {
		return err
	}
	return w.write(payload)
}

func (w *Writer) writeBlockHeader(raw, payload int, flags uint8) error {
	var err error
	w.scratch, err = blockFormat.AppendEncode(w.scratch[:0], uint32(raw), uint32(payload), flags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return w.write(w.scratch)
}

func (w *Writer) writeTrailer(crc hash.Hash32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], crc.Sum32())
	return w.write(b[:])
}

// Flush writes buffered data to the file.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Sync flushes and fsyncs the file.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrWrite, err)
	}
	return nil
}

// Seal writes the end marker, records the entry count in the header and
// syncs the file. No entries can be added afterwards.
func (w *Writer) Seal() error {
	if w.sealed {
		return ErrSealed
	}
	var err error
	w.scratch, err = endFormat.AppendEncode(w.scratch[:0], uint8(typeEnd), w.entries, uint64(w.contentBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := w.write(w.scratch); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], w.entries)
	if _, err := w.file.WriteAt(count[:], entryCountOffset); err != nil {
		return fmt.Errorf("%w: patch entry count: %v", ErrWrite, err)
	}
	w.header.Entries = w.entries
	w.sealed = true
	return w.Sync()
}

// Close flushes and closes the file without sealing it.
func (w *Writer) Close() error {
	w.codec.close()
	flushErr := w.buf.Flush()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrWrite, err)
	}
	if flushErr != nil {
		return fmt.Errorf("%w: %v", ErrWrite, flushErr)
	}
	return nil
}
