// Package vault encrypts provider credentials at rest.
//
// Envelopes are sealed with XChaCha20-Poly1305 under a key derived from the
// configured master key with HKDF-SHA256. Every Encrypt call draws a fresh
// 24-byte nonce. Any failure to open an envelope is an IntegrityError: the
// stored blob was tampered with or was sealed under a different key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/portfolio-aggregator/internal/errors"
)

const (
	// MasterKeySize is the required length of the configured master key
	MasterKeySize = 32
	// EnvelopeVersion prefixes every encoded envelope
	EnvelopeVersion = "v1"

	keyInfo = "provider-credentials/v1"
	tagSize = chacha20poly1305.Overhead
)

// Envelope is a sealed credential blob
type Envelope struct {
	Version    string
	Nonce      []byte
	Ciphertext []byte
	AuthTag    []byte
}

// Encode renders the envelope as v1.<nonce>.<ciphertext>.<tag> in unpadded base64url
func (e *Envelope) Encode() string {
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		e.Version,
		enc.EncodeToString(e.Nonce),
		enc.EncodeToString(e.Ciphertext),
		enc.EncodeToString(e.AuthTag),
	}, ".")
}

// ParseEnvelope is the inverse of Encode. Malformed input is an IntegrityError.
func ParseEnvelope(s string) (*Envelope, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("envelope has %d segments, want 4", len(parts)))
	}
	if parts[0] != EnvelopeVersion {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("unsupported envelope version %q", parts[0]))
	}

	enc := base64.RawURLEncoding
	decoded := make([][]byte, 3)
	for i, p := range parts[1:] {
		b, err := enc.DecodeString(p)
		if err != nil {
			return nil, apperrors.NewIntegrityError(fmt.Errorf("decode envelope segment %d: %w", i+1, err))
		}
		decoded[i] = b
	}

	return &Envelope{
		Version:    parts[0],
		Nonce:      decoded[0],
		Ciphertext: decoded[1],
		AuthTag:    decoded[2],
	}, nil
}

// Vault seals and opens credential envelopes. It is safe for concurrent use.
type Vault struct {
	key  []byte
	rand io.Reader
}

// New creates a vault from a 32-byte master key
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	return &Vault{key: key, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce
func (v *Vault) Encrypt(plaintext []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(EnvelopeVersion))
	split := len(sealed) - tagSize

	return &Envelope{
		Version:    EnvelopeVersion,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens an envelope. Tag mismatch, wrong key and malformed envelopes
// all fail with an IntegrityError, which callers must not retry.
func (v *Vault) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("nil envelope"))
	}
	if env.Version != EnvelopeVersion {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("unsupported envelope version %q", env.Version))
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("nonce is %d bytes, want %d", len(env.Nonce), aead.NonceSize()))
	}
	if len(env.AuthTag) != tagSize {
		return nil, apperrors.NewIntegrityError(fmt.Errorf("auth tag is %d bytes, want %d", len(env.AuthTag), tagSize))
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, []byte(env.Version))
	if err != nil {
		return nil, apperrors.NewIntegrityError(err)
	}
	return plaintext, nil
}

// EncryptString seals plaintext and returns the encoded envelope
func (v *Vault) EncryptString(plaintext []byte) (string, error) {
	env, err := v.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return env.Encode(), nil
}

// DecryptString parses and opens an encoded envelope
func (v *Vault) DecryptString(encoded string) ([]byte, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(env)
}

// SealJSON marshals v and returns the encoded envelope
func (v *Vault) SealJSON(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return v.EncryptString(raw)
}

// OpenJSON opens an encoded envelope and unmarshals it into out
func (v *Vault) OpenJSON(encoded string, out interface{}) error {
	raw, err := v.DecryptString(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.NewIntegrityError(fmt.Errorf("decode credentials: %w", err))
	}
	return nil
}
