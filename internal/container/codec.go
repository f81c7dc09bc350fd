package container

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is used when Options.KDFIterations is zero.
const DefaultKDFIterations = 100000

const saltSize = 16

func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

// verifierFor returns the token stored in the header to check passwords
// without decrypting content.
func verifierFor(key []byte) []byte {
	sum := sha256.Sum256(append([]byte("duparchive-verify:"), key...))
	return sum[:]
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// blockCodec turns raw blocks into stored payloads and back.
type blockCodec struct {
	compression Compression
	aead        cipher.AEAD
	aad         []byte // Archive id binds blocks to their container

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func newBlockCodec(h Header, key []byte) (*blockCodec, error) {
	c := &blockCodec{compression: h.Compression, aad: h.ID[:]}

	if key != nil {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		c.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// unlock derives the content key for h and checks it against the verifier.
func unlock(h Header, password string) ([]byte, error) {
	if !h.Encrypted() {
		return nil, nil
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}
	key := deriveKey(password, h.Salt, int(h.KDFIterations))
	if subtle.ConstantTimeCompare(verifierFor(key), h.Verifier) != 1 {
		return nil, ErrBadPassword
	}
	return key, nil
}

// nonce is unique per key: entry ordinal plus block index within the entry.
func nonce(ordinal uint32, block uint64) []byte {
	n := make([]byte, 12)
	binary.BigEndian.PutUint32(n[:4], ordinal)
	binary.BigEndian.PutUint64(n[4:], block)
	return n
}

// seal encodes a raw block, returning the payload and its flags.
func (c *blockCodec) seal(raw []byte, ordinal uint32, block uint64) ([]byte, uint8, error) {
	payload := raw
	var flags uint8

	switch c.compression {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		// n == 0 means incompressible
		if n > 0 && n < len(raw) {
			payload, flags = dst[:n], flags|flagCompressed
		}
	case CompressionZstd:
		if c.zenc == nil {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil, 0, err
			}
			c.zenc = enc
		}
		out := c.zenc.EncodeAll(raw, make([]byte, 0, len(raw)))
		if len(out) < len(raw) {
			payload, flags = out, flags|flagCompressed
		}
	}

	if c.aead != nil {
		payload = c.aead.Seal(nil, nonce(ordinal, block), payload, c.aad)
		flags |= flagEncrypted
	}
	return payload, flags, nil
}

// open decodes a stored payload into a raw block of rawLen bytes.
func (c *blockCodec) open(payload []byte, flags uint8, rawLen int, ordinal uint32, block uint64) ([]byte, error) {
	data := payload
	if flags&flagEncrypted != 0 {
		if c.aead == nil {
			return nil, fmt.Errorf("%w: encrypted block in unprotected container", ErrCorrupt)
		}
		plain, err := c.aead.Open(nil, nonce(ordinal, block), data, c.aad)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d failed authentication", ErrCorrupt, block)
		}
		data = plain
	}

	if flags&flagCompressed != 0 {
		switch c.compression {
		case CompressionLZ4:
			dst := make([]byte, rawLen)
			n, err := lz4.UncompressBlock(data, dst)
			if err != nil {
				return nil, fmt.Errorf("%w: lz4 block %d: %v", ErrCorrupt, block, err)
			}
			data = dst[:n]
		case CompressionZstd:
			if c.zdec == nil {
				dec, err := zstd.NewReader(nil)
				if err != nil {
					return nil, err
				}
				c.zdec = dec
			}
			out, err := c.zdec.DecodeAll(data, make([]byte, 0, rawLen))
			if err != nil {
				return nil, fmt.Errorf("%w: zstd block %d: %v", ErrCorrupt, block, err)
			}
			data = out
		default:
			return nil, fmt.Errorf("%w: compressed block without codec", ErrCorrupt)
		}
	}

	if len(data) != rawLen {
		return nil, fmt.Errorf("%w: block %d is %d bytes, header says %d", ErrSizeMismatch, block, len(data), rawLen)
	}
	return data, nil
}

func (c *blockCodec) close() {
	if c.zenc != nil {
		c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}
