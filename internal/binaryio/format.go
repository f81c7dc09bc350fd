// Package binaryio packs and unpacks ordered lists of binary fields.
//
// A Format is a list of Field descriptors. Encoding concatenates the packed
// representation of every field in order, decoding is the exact inverse.
// Integers are big-endian. Optional fields that are absent are written as a
// fixed 4-byte sentinel instead of their packed value.
package binaryio

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel marks an absent optional field.
//
// A present value whose packed bytes start with the sentinel is
// indistinguishable from an absent one. The marker is printable and long
// enough that this is unlikely for the fields used by the container format.
var Sentinel = []byte("#NA#")

var (
	// ErrFieldCount is returned when the number of values does not match the format.
	ErrFieldCount = errors.New("value count does not match field count")

	// ErrTruncated is returned when decoding runs past the end of the input.
	ErrTruncated = errors.New("binary data truncated")

	// ErrValueType is returned when a value cannot be packed into its field.
	ErrValueType = errors.New("value type does not match field")

	// ErrTooLong is returned when a variable-length value exceeds its prefix.
	ErrTooLong = errors.New("value too long for length prefix")
)

// Kind is the base format code of a field.
type Kind uint8

const (
	KindUint8 Kind = iota + 1
	KindUint16
	KindUint32
	KindUint64
	KindInt64
	KindFloat64
	KindFixed // fixed number of raw bytes
	KindVar   // raw bytes preceded by a length prefix
)

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindFixed:
		return "fixed"
	case KindVar:
		return "var"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// width returns the packed width of scalar kinds.
func (k Kind) width() int {
	switch k {
	case KindUint8:
		return 1
	case KindUint16:
		return 2
	case KindUint32:
		return 4
	case KindUint64, KindInt64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// maxLen returns the largest length a prefix of this kind can carry.
func (k Kind) maxLen() uint64 {
	switch k {
	case KindUint8:
		return 1<<8 - 1
	case KindUint16:
		return 1<<16 - 1
	case KindUint32:
		return 1<<32 - 1
	default:
		return 1<<63 - 1
	}
}

// Field describes one packed field.
type Field struct {
	Label    string
	Kind     Kind
	Size     int  // byte count for KindFixed
	Prefix   Kind // length prefix kind for KindVar
	Nullable bool
}

// Uint8 returns a 1-byte unsigned field.
func Uint8(label string) Field { return Field{Label: label, Kind: KindUint8} }

// Uint16 returns a 2-byte unsigned field.
func Uint16(label string) Field { return Field{Label: label, Kind: KindUint16} }

// Uint32 returns a 4-byte unsigned field.
func Uint32(label string) Field { return Field{Label: label, Kind: KindUint32} }

// Uint64 returns an 8-byte unsigned field.
func Uint64(label string) Field { return Field{Label: label, Kind: KindUint64} }

// Int64 returns an 8-byte signed field.
func Int64(label string) Field { return Field{Label: label, Kind: KindInt64} }

// Float64 returns an 8-byte IEEE 754 field.
func Float64(label string) Field { return Field{Label: label, Kind: KindFloat64} }

// Fixed returns a field of exactly n raw bytes. Shorter values are
// zero-padded, longer values are rejected.
func Fixed(label string, n int) Field { return Field{Label: label, Kind: KindFixed, Size: n} }

// Var returns a variable-length field whose length prefix is packed as prefix.
func Var(label string, prefix Kind) Field {
	return Field{Label: label, Kind: KindVar, Prefix: prefix}
}

// Optional returns a copy of f that may be absent.
func (f Field) Optional() Field {
	f.Nullable = true
	return f
}

func (f Field) key(i int) string {
	if f.Label == "" {
		return strconv.Itoa(i)
	}
	return f.Label
}

func (f Field) validate() error {
	switch f.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64, KindInt64, KindFloat64:
		return nil
	case KindFixed:
		if f.Size <= 0 {
			return fmt.Errorf("field %q: fixed size must be positive", f.Label)
		}
		return nil
	case KindVar:
		switch f.Prefix {
		case KindUint8, KindUint16, KindUint32, KindUint64:
			return nil
		}
		return fmt.Errorf("field %q: invalid length prefix %s", f.Label, f.Prefix)
	default:
		return fmt.Errorf("field %q: unknown kind %s", f.Label, f.Kind)
	}
}

// Format is an ordered list of fields.
type Format []Field

// Validate checks every field descriptor.
func (f Format) Validate() error {
	for _, field := range f {
		if err := field.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Record holds decoded values keyed by field label, or by positional index
// for unlabeled fields. Absent optional fields have no key.
type Record map[string]any

// Has reports whether key was present.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r Record) Uint8(key string) uint8 {
	v, _ := r[key].(uint8)
	return v
}

func (r Record) Uint16(key string) uint16 {
	v, _ := r[key].(uint16)
	return v
}

func (r Record) Uint32(key string) uint32 {
	v, _ := r[key].(uint32)
	return v
}

func (r Record) Uint64(key string) uint64 {
	v, _ := r[key].(uint64)
	return v
}

func (r Record) Int64(key string) int64 {
	v, _ := r[key].(int64)
	return v
}

func (r Record) Float64(key string) float64 {
	v, _ := r[key].(float64)
	return v
}

// Bytes returns the raw bytes of a fixed or variable-length field.
func (r Record) Bytes(key string) []byte {
	v, _ := r[key].([]byte)
	return v
}

// String returns the raw bytes of a fixed or variable-length field as a string.
func (r Record) String(key string) string {
	return string(r.Bytes(key))
}
