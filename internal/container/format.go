// Package container reads and writes DupArchive container files.
//
// Layout:
//
//	header   magic "DUPA", version, archive id, created, entry count,
//	         compression, then kdf iterations, salt and verifier when the
//	         container is password protected (absent fields use the
//	         binaryio sentinel)
//	entries  type, path, size, mtime, mode, optional symlink target;
//	         file entries are followed by their content and a CRC32 trailer
//	end      'E', entry count, total content bytes
//
// File content is stored raw when the container has neither compression nor
// a password. Otherwise it is a sequence of blocks {raw length, payload
// length, flags, payload} closed by an all-zero block header.
package container

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IvanShishkin/duparchive/internal/binaryio"
)

// FormatVersion is the container version written by this package.
const FormatVersion = 1

// Magic identifies container files.
const Magic = "DUPA"

// entryCountOffset is the byte offset of the header's entry count, patched
// in place when the container is sealed.
const entryCountOffset = 4 + 2 + 16 + 8

// blockSize is the largest raw block of framed content.
const blockSize = 256 * 1024

// maxPayload bounds a framed block's stored size.
const maxPayload = 2 * blockSize

const (
	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
)

var (
	// ErrCorrupt marks structural damage. Every decode failure wraps it.
	ErrCorrupt = errors.New("container corrupt")

	// ErrSizeMismatch is returned when content length differs from the entry size.
	ErrSizeMismatch = fmt.Errorf("%w: content size mismatch", ErrCorrupt)

	// ErrChecksum is returned when content does not match its CRC32 trailer.
	ErrChecksum = fmt.Errorf("%w: content checksum mismatch", ErrCorrupt)

	// ErrUnsupportedVersion is returned for containers newer than this package.
	ErrUnsupportedVersion = errors.New("unsupported container version")

	// ErrPasswordRequired is returned when opening a protected container without a password.
	ErrPasswordRequired = errors.New("container is password protected")

	// ErrBadPassword is returned when the password does not match the verifier.
	ErrBadPassword = errors.New("wrong container password")

	// ErrSourceChanged is returned by WriteFile when the source did not yield
	// exactly the declared number of bytes. The entry is still complete.
	ErrSourceChanged = errors.New("source changed while archiving")

	// ErrWrite wraps every failure to write the container itself.
	ErrWrite = errors.New("container write failed")

	// ErrSealed is returned when writing to a sealed container.
	ErrSealed = errors.New("container already sealed")
)

// EntryType is the kind of a container entry.
type EntryType uint8

const (
	TypeDir     EntryType = 'D'
	TypeFile    EntryType = 'F'
	TypeSymlink EntryType = 'L'
	typeEnd     EntryType = 'E'
)

func (t EntryType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	case typeEnd:
		return "end"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Compression selects the block codec for file content.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses a codec name.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("invalid compression: %s (must be none, lz4 or zstd)", s)
}

// Header is the container's global metadata.
type Header struct {
	Version       uint16
	ID            uuid.UUID
	Created       time.Time
	Entries       uint32 // Zero until sealed
	Compression   Compression
	KDFIterations uint32
	Salt          []byte
	Verifier      []byte
}

// Encrypted reports whether content is password protected.
func (h Header) Encrypted() bool {
	return len(h.Salt) > 0
}

// framed reports whether file content uses block framing.
func (h Header) framed() bool {
	return h.Compression != CompressionNone || h.Encrypted()
}

var headerFormat = binaryio.Format{
	binaryio.Fixed("magic", 4),
	binaryio.Uint16("version"),
	binaryio.Fixed("id", 16),
	binaryio.Int64("created"),
	binaryio.Uint32("entries"),
	binaryio.Uint8("compression"),
	binaryio.Uint32("kdf_iter").Optional(),
	binaryio.Var("salt", binaryio.KindUint8).Optional(),
	binaryio.Var("verifier", binaryio.KindUint8).Optional(),
}

var entryFormat = binaryio.Format{
	binaryio.Uint8("type"),
	binaryio.Var("path", binaryio.KindUint16),
	binaryio.Uint64("size"),
	binaryio.Int64("mtime"),
	binaryio.Uint32("mode"),
	binaryio.Var("target", binaryio.KindUint16).Optional(),
}

var endFormat = binaryio.Format{
	binaryio.Uint8("type"),
	binaryio.Uint32("entries"),
	binaryio.Uint64("content_bytes"),
}

var blockFormat = binaryio.Format{
	binaryio.Uint32("raw"),
	binaryio.Uint32("payload"),
	binaryio.Uint8("flags"),
}

var trailerFormat = binaryio.Format{
	binaryio.Uint32("crc"),
}

func (h Header) encode() ([]byte, error) {
	var kdf, salt, verifier any
	if h.Encrypted() {
		kdf, salt, verifier = h.KDFIterations, h.Salt, h.Verifier
	}
	return headerFormat.Encode(
		Magic, h.Version, h.ID[:], h.Created.Unix(), h.Entries,
		uint8(h.Compression), kdf, salt, verifier,
	)
}

func headerFromRecord(rec binaryio.Record) (Header, error) {
	if rec.String("magic") != Magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	h := Header{
		Version:       rec.Uint16("version"),
		Created:       time.Unix(rec.Int64("created"), 0),
		Entries:       rec.Uint32("entries"),
		Compression:   Compression(rec.Uint8("compression")),
		KDFIterations: rec.Uint32("kdf_iter"),
		Salt:          rec.Bytes("salt"),
		Verifier:      rec.Bytes("verifier"),
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	id, err := uuid.FromBytes(rec.Bytes("id"))
	if err != nil {
		return Header{}, fmt.Errorf("%w: bad archive id: %v", ErrCorrupt, err)
	}
	h.ID = id
	if h.Compression > CompressionZstd {
		return Header{}, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, h.Compression)
	}
	return h, nil
}

// Checkpoint is the writer state needed to resume appending.
type Checkpoint struct {
	Offset       int64  `cbor:"offset"`
	Entries      uint32 `cbor:"entries"`
	ContentBytes int64  `cbor:"content_bytes"`
}
