package hipaa

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

func newTestEncryptor(t *testing.T) *EnvelopeEncryptor {
	t.Helper()
	enc, err := NewEnvelopeEncryptor(testSecret, WithIterations(1000))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	return enc
}

func TestNewEnvelopeEncryptor(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewEnvelopeEncryptor(""); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("zero iterations", func(t *testing.T) {
		if _, err := NewEnvelopeEncryptor(testSecret, WithIterations(0)); err == nil {
			t.Fatal("expected error for zero iterations")
		}
	})

	t.Run("default work factor", func(t *testing.T) {
		enc, err := NewEnvelopeEncryptor(testSecret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if enc.iterations != DefaultIterations {
			t.Errorf("expected %d iterations, got %d", DefaultIterations, enc.iterations)
		}
	})
}

func TestEncryptDecrypt(t *testing.T) {
	enc := newTestEncryptor(t)

	cases := []string{
		"Maria",
		"",
		"Paracetamol 500mg, 8/8h por 5 dias",
		"José da Conceição",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range cases {
		name := plaintext
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			blob, err := enc.Encrypt(plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			decrypted, err := enc.Decrypt(blob)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if decrypted != plaintext {
				t.Errorf("expected %q, got %q", plaintext, decrypted)
			}
		})
	}
}

func TestEncrypt_BlobLayout(t *testing.T) {
	enc := newTestEncryptor(t)

	blob, err := enc.Encrypt("Maria")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := hex.DecodeString(blob)
	if err != nil {
		t.Fatalf("blob is not hex: %v", err)
	}
	if want := saltSize + ivSize + tagSize + len("Maria"); len(raw) != want {
		t.Errorf("expected %d bytes, got %d", want, len(raw))
	}

	empty, err := enc.Encrypt("")
	if err != nil {
		t.Fatalf("encrypt empty: %v", err)
	}
	if len(empty) != 2*(saltSize+ivSize+tagSize) {
		t.Errorf("expected 96-byte blob for empty plaintext, got %d hex chars", len(empty))
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	enc := newTestEncryptor(t)

	a, err := enc.Encrypt("Maria")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := enc.Encrypt("Maria")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
	if a[:2*saltSize] == b[:2*saltSize] {
		t.Error("expected fresh salt per call")
	}
}

func TestDecrypt_TamperedBlob(t *testing.T) {
	enc := newTestEncryptor(t)

	blob, err := enc.Encrypt("Paracetamol 500mg")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := hex.DecodeString(blob)

	regions := map[string]int{
		"salt":       0,
		"iv":         saltSize,
		"tag":        saltSize + ivSize,
		"ciphertext": saltSize + ivSize + tagSize,
	}
	for name, offset := range regions {
		t.Run(name, func(t *testing.T) {
			tampered := append([]byte(nil), raw...)
			tampered[offset] ^= 0x01
			_, err := enc.Decrypt(hex.EncodeToString(tampered))
			if !errors.Is(err, ErrDecryption) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
		})
	}
}

func TestDecrypt_WrongSecret(t *testing.T) {
	enc := newTestEncryptor(t)
	other, err := NewEnvelopeEncryptor(testSecret+"-other", WithIterations(1000))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	blob, err := enc.Encrypt("Maria")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(blob); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	enc := newTestEncryptor(t)

	cases := map[string]string{
		"not hex":   "zz-not-hex",
		"too short": hex.EncodeToString(make([]byte, saltSize+ivSize+tagSize-1)),
		"empty":     "",
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := enc.Decrypt(blob)
			if !errors.Is(err, ErrMalformedBlob) {
				t.Fatalf("expected ErrMalformedBlob, got %v", err)
			}
			if !errors.Is(err, ErrDecryption) {
				t.Fatal("ErrMalformedBlob should also match ErrDecryption")
			}
		})
	}
}
