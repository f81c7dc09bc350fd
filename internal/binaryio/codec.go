package binaryio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Encode packs values in field order.
func (f Format) Encode(values ...any) ([]byte, error) {
	return f.AppendEncode(nil, values...)
}

// AppendEncode packs values in field order and appends them to dst.
func (f Format) AppendEncode(dst []byte, values ...any) ([]byte, error) {
	if len(values) != len(f) {
		return dst, fmt.Errorf("%w: %d values for %d fields", ErrFieldCount, len(values), len(f))
	}
	for i, field := range f {
		if err := field.validate(); err != nil {
			return dst, err
		}
		v := values[i]
		if v == nil {
			if !field.Nullable {
				return dst, fmt.Errorf("%w: field %q is required", ErrValueType, field.key(i))
			}
			dst = append(dst, Sentinel...)
			continue
		}
		var err error
		dst, err = appendValue(dst, field, v)
		if err != nil {
			return dst, fmt.Errorf("field %q: %w", field.key(i), err)
		}
	}
	return dst, nil
}

func appendValue(dst []byte, field Field, v any) ([]byte, error) {
	switch field.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		n, ok := toUint64(v)
		if !ok {
			return dst, fmt.Errorf("%w: %T for %s", ErrValueType, v, field.Kind)
		}
		return appendUint(dst, field.Kind, n)
	case KindInt64:
		n, ok := toInt64(v)
		if !ok {
			return dst, fmt.Errorf("%w: %T for int64", ErrValueType, v)
		}
		return binary.BigEndian.AppendUint64(dst, uint64(n)), nil
	case KindFloat64:
		x, ok := v.(float64)
		if !ok {
			return dst, fmt.Errorf("%w: %T for float64", ErrValueType, v)
		}
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(x)), nil
	case KindFixed:
		raw, ok := toBytes(v)
		if !ok {
			return dst, fmt.Errorf("%w: %T for fixed", ErrValueType, v)
		}
		if len(raw) > field.Size {
			return dst, fmt.Errorf("%w: %d bytes for fixed(%d)", ErrTooLong, len(raw), field.Size)
		}
		dst = append(dst, raw...)
		return append(dst, make([]byte, field.Size-len(raw))...), nil
	case KindVar:
		raw, ok := toBytes(v)
		if !ok {
			return dst, fmt.Errorf("%w: %T for var", ErrValueType, v)
		}
		if uint64(len(raw)) > field.Prefix.maxLen() {
			return dst, fmt.Errorf("%w: %d bytes with %s prefix", ErrTooLong, len(raw), field.Prefix)
		}
		dst, _ = appendUint(dst, field.Prefix, uint64(len(raw)))
		return append(dst, raw...), nil
	}
	return dst, fmt.Errorf("%w: unknown kind %s", ErrValueType, field.Kind)
}

func appendUint(dst []byte, k Kind, n uint64) ([]byte, error) {
	switch k {
	case KindUint8:
		if n > math.MaxUint8 {
			return dst, fmt.Errorf("%w: %d overflows uint8", ErrValueType, n)
		}
		return append(dst, byte(n)), nil
	case KindUint16:
		if n > math.MaxUint16 {
			return dst, fmt.Errorf("%w: %d overflows uint16", ErrValueType, n)
		}
		return binary.BigEndian.AppendUint16(dst, uint16(n)), nil
	case KindUint32:
		if n > math.MaxUint32 {
			return dst, fmt.Errorf("%w: %d overflows uint32", ErrValueType, n)
		}
		return binary.BigEndian.AppendUint32(dst, uint32(n)), nil
	default:
		return binary.BigEndian.AppendUint64(dst, n), nil
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func toBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}

// Decode unpacks data and returns the record and the number of bytes consumed.
func (f Format) Decode(data []byte) (Record, int, error) {
	rec := make(Record, len(f))
	off := 0
	for i, field := range f {
		if err := field.validate(); err != nil {
			return nil, off, err
		}
		key := field.key(i)
		if field.Nullable && len(data)-off >= len(Sentinel) && bytes.Equal(data[off:off+len(Sentinel)], Sentinel) {
			off += len(Sentinel)
			continue
		}
		v, n, err := decodeValue(data[off:], field)
		if err != nil {
			return nil, off, fmt.Errorf("field %q at offset %d: %w", key, off, err)
		}
		rec[key] = v
		off += n
	}
	return rec, off, nil
}

func decodeValue(data []byte, field Field) (any, int, error) {
	switch field.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64, KindInt64, KindFloat64:
		w := field.Kind.width()
		if len(data) < w {
			return nil, 0, ErrTruncated
		}
		return scalar(field.Kind, data[:w]), w, nil
	case KindFixed:
		if len(data) < field.Size {
			return nil, 0, ErrTruncated
		}
		out := make([]byte, field.Size)
		copy(out, data)
		return out, field.Size, nil
	case KindVar:
		w := field.Prefix.width()
		if len(data) < w {
			return nil, 0, ErrTruncated
		}
		n := prefixLen(scalar(field.Prefix, data[:w]))
		if uint64(len(data)-w) < n {
			return nil, 0, ErrTruncated
		}
		out := make([]byte, n)
		copy(out, data[w:])
		return out, w + int(n), nil
	}
	return nil, 0, fmt.Errorf("%w: unknown kind %s", ErrValueType, field.Kind)
}

func scalar(k Kind, b []byte) any {
	switch k {
	case KindUint8:
		return b[0]
	case KindUint16:
		return binary.BigEndian.Uint16(b)
	case KindUint32:
		return binary.BigEndian.Uint32(b)
	case KindUint64:
		return binary.BigEndian.Uint64(b)
	case KindInt64:
		return int64(binary.BigEndian.Uint64(b))
	default:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
}

func prefixLen(v any) uint64 {
	n, _ := toUint64(v)
	return n
}

// PeekReader is the reader DecodeFrom needs to detect sentinels without
// consuming them. *bufio.Reader satisfies it.
type PeekReader interface {
	io.Reader
	Peek(n int) ([]byte, error)
	Discard(n int) (int, error)
}

// DecodeFrom unpacks one record from r. A stream that ends before the record
// is complete yields ErrTruncated; a stream that is empty yields io.EOF.
func (f Format) DecodeFrom(r PeekReader) (Record, error) {
	rec := make(Record, len(f))
	for i, field := range f {
		if err := field.validate(); err != nil {
			return nil, err
		}
		key := field.key(i)
		if field.Nullable {
			if p, err := r.Peek(len(Sentinel)); err == nil && bytes.Equal(p, Sentinel) {
				if _, err := r.Discard(len(Sentinel)); err != nil {
					return nil, truncated(err, i)
				}
				continue
			}
		}
		v, err := readValue(r, field)
		if err != nil {
			if err = truncated(err, i); err == io.EOF {
				return nil, err
			}
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		rec[key] = v
	}
	return rec, nil
}

// truncated maps a short read to ErrTruncated. A clean EOF before the first
// field is passed through so callers can tell "no more records" apart.
func truncated(err error, field int) error {
	if errors.Is(err, io.EOF) && field == 0 {
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func readValue(r io.Reader, field Field) (any, error) {
	switch field.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64, KindInt64, KindFloat64:
		buf := make([]byte, field.Kind.width())
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return scalar(field.Kind, buf), nil
	case KindFixed:
		buf := make([]byte, field.Size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	case KindVar:
		pbuf := make([]byte, field.Prefix.width())
		if _, err := io.ReadFull(r, pbuf); err != nil {
			return nil, err
		}
		n := prefixLen(scalar(field.Prefix, pbuf))
		if n > 1<<30 {
			return nil, fmt.Errorf("%w: length %d", ErrTooLong, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %s", ErrValueType, field.Kind)
}
