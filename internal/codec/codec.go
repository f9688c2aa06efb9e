// Package codec implements the per-chunk and per-header pipeline:
// optional compression followed by optional authenticated encryption,
// plus the key-derivation function used to unlock a repository.
//
// Compression is grounded on the teacher's ZstdCompressor
// (internal/smart-payload-deduplication/compression.go), reusing
// klauspost/compress/zstd directly. Encryption and key derivation
// have no teacher analogue (the dedup package never encrypts chunks)
// so they are grounded on the rest of the examples pack's use of
// golang.org/x/crypto, which the teacher already depends on
// indirectly: XChaCha20-Poly1305 for AEAD (random nonces are safe to
// generate per chunk without a counter, unlike AES-GCM's 96-bit
// nonce, which would need per-chunk sequencing this package has no
// reason to track) and Argon2id for the KDF (memory-hard, the
// standard choice among the x/crypto KDFs for password-based key
// derivation).
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailed is returned by Decode when the AEAD tag does not
// verify. Callers distinguish WrongPassword from Corrupt based on
// which decode call this occurred in (see package objectrepo).
var ErrAuthFailed = errors.New("codec: authentication failed")

// KeySize is the width of both the master key and KDF-derived keys.
const KeySize = chacha20poly1305.KeySize

// Options selects which pipeline stages are active. Stored in the
// repository's immutable metadata and never varies per chunk.
type Options struct {
	Compress bool
	Encrypt  bool
}

// Codec applies Options as a pure function of (plaintext, key).
type Codec struct {
	opts Options
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// New builds a Codec for the given options. The zstd encoder/decoder
// are created eagerly and reused across calls, matching the teacher's
// ZstdCompressor which holds a long-lived encoder/decoder pair rather
// than constructing one per call.
func New(opts Options) (*Codec, error) {
	c := &Codec{opts: opts}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("codec: build zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: build zstd decoder: %w", err)
		}
		c.enc, c.dec = enc, dec
	}
	return c, nil
}

// Close releases the zstd decoder's background goroutines.
func (c *Codec) Close() {
	if c.dec != nil {
		c.dec.Close()
	}
}

// Encode runs the configured pipeline forward: compress, then
// encrypt with a fresh random nonce prepended to the ciphertext. key
// is ignored when Encrypt is false.
func (c *Codec) Encode(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	body := plaintext
	if c.opts.Compress {
		body = c.enc.EncodeAll(body, make([]byte, 0, len(body)))
	}
	if !c.opts.Encrypt {
		return body, nil
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(body)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, body, nil)
	return out, nil
}

// Decode reverses Encode. Returns ErrAuthFailed if encryption is
// enabled and the AEAD tag does not verify.
func (c *Codec) Decode(data []byte, key *[KeySize]byte) ([]byte, error) {
	body := data
	if c.opts.Encrypt {
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("codec: init aead: %w", err)
		}
		if len(body) < aead.NonceSize() {
			return nil, ErrAuthFailed
		}
		nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
		plain, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, ErrAuthFailed
		}
		body = plain
	}
	if c.opts.Compress {
		plain, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress: %w", err)
		}
		body = plain
	}
	return body, nil
}

// KDFParams controls the Argon2id work factors used to derive a key
// from a password and stored salt.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams is the out-of-the-box work factor, chosen to match
// the Argon2id RFC 9106 "recommended" parameters for interactive use.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// DeriveKey runs Argon2id over password and salt, returning a key of
// KeySize bytes suitable for wrapping or direct AEAD use.
func DeriveKey(password, salt []byte, params KDFParams) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, KeySize))
	return key
}

// WrapKey encrypts masterKey under kek with a fresh random nonce,
// producing the repository metadata's password-wrapped master key.
func WrapKey(kek, masterKey [KeySize]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek[:])
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+KeySize+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, masterKey[:], nil)
	return out, nil
}

// UnwrapKey reverses WrapKey. Returns ErrAuthFailed if kek is wrong,
// which the caller surfaces as a WrongPassword error.
func UnwrapKey(kek [KeySize]byte, wrapped []byte) ([KeySize]byte, error) {
	var masterKey [KeySize]byte
	aead, err := chacha20poly1305.NewX(kek[:])
	if err != nil {
		return masterKey, fmt.Errorf("codec: init aead: %w", err)
	}
	if len(wrapped) < aead.NonceSize() {
		return masterKey, ErrAuthFailed
	}
	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return masterKey, ErrAuthFailed
	}
	copy(masterKey[:], plain)
	return masterKey, nil
}
