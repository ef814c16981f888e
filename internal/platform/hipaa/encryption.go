package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 64
	ivSize   = 16
	tagSize  = 16
	keySize  = 32

	// DefaultIterations is the PBKDF2-HMAC-SHA512 work factor.
	DefaultIterations = 100_000
)

var (
	// ErrDecryption covers any failure to recover plaintext, including a
	// wrong secret and a tampered blob.
	ErrDecryption = errors.New("decryption failed")
	// ErrMalformedBlob is returned for input that is not hex or is too short
	// to hold salt, IV and tag. It matches ErrDecryption under errors.Is.
	ErrMalformedBlob = fmt.Errorf("%w: malformed blob", ErrDecryption)
)

// FieldEncryptor encrypts and decrypts individual string fields.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// EnvelopeEncryptor derives a fresh AES-256 key from the secret and a random
// salt on every call, then seals with GCM. The blob is
// hex(salt[64] || iv[16] || tag[16] || ciphertext).
type EnvelopeEncryptor struct {
	secret     []byte
	iterations int
}

// EnvelopeOption tunes an EnvelopeEncryptor.
type EnvelopeOption func(*EnvelopeEncryptor)

// WithIterations overrides the PBKDF2 work factor.
func WithIterations(n int) EnvelopeOption {
	return func(e *EnvelopeEncryptor) { e.iterations = n }
}

// NewEnvelopeEncryptor returns an encryptor keyed by secret.
func NewEnvelopeEncryptor(secret string, opts ...EnvelopeOption) (*EnvelopeEncryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("envelope encryptor: secret must not be empty")
	}
	e := &EnvelopeEncryptor{secret: []byte(secret), iterations: DefaultIterations}
	for _, opt := range opts {
		opt(e)
	}
	if e.iterations < 1 {
		return nil, fmt.Errorf("envelope encryptor: iterations must be positive")
	}
	return e, nil
}

func (e *EnvelopeEncryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.secret, salt, e.iterations, keySize, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext. Two calls on the same input never return the same
// blob.
func (e *EnvelopeEncryptor) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, saltSize+ivSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("envelope encrypt: random: %w", err)
	}
	salt, iv := buf[:saltSize], buf[saltSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return "", fmt.Errorf("envelope encrypt: %w", err)
	}

	// Seal emits ciphertext || tag; the blob stores the tag first.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, saltSize+ivSize+tagSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *EnvelopeEncryptor) Decrypt(blob string) (string, error) {
	data, err := hex.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("envelope decrypt: %w", ErrMalformedBlob)
	}
	if len(data) < saltSize+ivSize+tagSize {
		return "", fmt.Errorf("envelope decrypt: %w", ErrMalformedBlob)
	}

	salt := data[:saltSize]
	iv := data[saltSize : saltSize+ivSize]
	tag := data[saltSize+ivSize : saltSize+ivSize+tagSize]
	ct := data[saltSize+ivSize+tagSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return "", fmt.Errorf("envelope decrypt: %w", err)
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}
