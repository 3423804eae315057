// Package fieldcrypt encrypts designated storage columns with
// AES-256-GCM and normalizes untrusted session identifiers to stable
// pseudo-UUIDs.
//
// Encrypted values are persisted as "enc:<ivHex>:<ciphertextHex>". Losing
// the key makes affected rows permanently unreadable; that is the accepted
// trade-off for at-rest protection.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const envelopePrefix = "enc:"

// ErrMalformedEnvelope indicates a stored value carried the enc: tag but
// could not be parsed or authenticated.
var ErrMalformedEnvelope = errors.New("malformed encrypted field")

// Codec performs authenticated field encryption.
type Codec struct {
	aead cipher.AEAD
}

// New creates a Codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// ParseKey accepts a key as raw 32 bytes, base64, or hex.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 32 {
		return []byte(s), nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("encryption key must be 32 bytes raw, base64, or hex")
}

// NewFromString builds a Codec from a raw/base64/hex key string.
func NewFromString(s string) (*Codec, error) {
	key, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// EncryptField seals plaintext into the enc:<ivHex>:<ctHex> envelope.
func (c *Codec) EncryptField(plain string) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ct := c.aead.Seal(nil, iv, []byte(plain), nil)
	return envelopePrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// DecryptField opens an enc: envelope. Values without the tag are returned
// unchanged so rows written before encryption was enabled stay readable.
func (c *Codec) DecryptField(stored string) (string, error) {
	if !strings.HasPrefix(stored, envelopePrefix) {
		return stored, nil
	}
	parts := strings.SplitN(stored[len(envelopePrefix):], ":", 2)
	if len(parts) != 2 {
		return "", ErrMalformedEnvelope
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != c.aead.NonceSize() {
		return "", ErrMalformedEnvelope
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	plain, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value carries the envelope tag.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, envelopePrefix)
}

// sessionNamespace seeds deterministic session-id derivation. Changing it
// breaks correlation with previously stored sessions.
var sessionNamespace = uuid.MustParse("9f2c1a47-6e0d-4b83-b1c5-7d30aa28f5e1")

// NormalizeSessionID maps an untrusted session identifier to a stable
// UUID. Well-formed UUIDs pass through in canonical form. Anything else,
// including path-traversal sequences and control characters, is hashed
// into a v5 UUID, so the same raw input always yields the same stored id
// while the literal string never reaches storage.
func NormalizeSessionID(raw string) string {
	if parsed, err := uuid.Parse(raw); err == nil && len(raw) == 36 {
		return parsed.String()
	}
	return uuid.NewSHA1(sessionNamespace, []byte(raw)).String()
}
