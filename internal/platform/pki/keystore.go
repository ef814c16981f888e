package pki

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	keyFileName  = "signing-key.pem"
	certFileName = "signing-cert.pem"
)

// KeyStore persists a signing identity across restarts.
type KeyStore interface {
	// Load returns ErrIdentityNotFound when nothing has been saved yet.
	Load(ctx context.Context) (*Identity, error)
	Save(ctx context.Context, id *Identity) error
}

// Sealer protects the private key at rest. hipaa.EnvelopeEncryptor satisfies it.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// FileKeyStore keeps the identity as two PEM files in a directory. When a
// sealer is set, the key file holds the sealed PEM instead of the PEM itself.
type FileKeyStore struct {
	dir    string
	sealer Sealer
}

// NewFileKeyStore creates a store rooted at dir. sealer may be nil.
func NewFileKeyStore(dir string, sealer Sealer) *FileKeyStore {
	return &FileKeyStore{dir: dir, sealer: sealer}
}

// Dir returns the directory backing the store.
func (s *FileKeyStore) Dir() string {
	return s.dir
}

func (s *FileKeyStore) Load(_ context.Context) (*Identity, error) {
	keyRaw, err := os.ReadFile(filepath.Join(s.dir, keyFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pki: read key: %w", err)
	}
	certRaw, err := os.ReadFile(filepath.Join(s.dir, certFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pki: read certificate: %w", err)
	}

	keyPEM := string(keyRaw)
	if s.sealer != nil {
		keyPEM, err = s.sealer.Decrypt(strings.TrimSpace(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("pki: unseal key: %w", err)
		}
	}

	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("pki: no PEM block in key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}

	cert, err := ParseCertificatePEM(string(certRaw))
	if err != nil {
		return nil, err
	}
	return &Identity{Key: key, Certificate: cert}, nil
}

func (s *FileKeyStore) Save(_ context.Context, id *Identity) error {
	if id == nil || id.Key == nil || id.Certificate == nil {
		return fmt.Errorf("pki: incomplete identity")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("pki: create identity dir: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		return fmt.Errorf("pki: marshal key: %w", err)
	}
	keyOut := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	if s.sealer != nil {
		keyOut, err = s.sealer.Encrypt(keyOut)
		if err != nil {
			return fmt.Errorf("pki: seal key: %w", err)
		}
	}

	if err := writeAtomic(filepath.Join(s.dir, certFileName), []byte(encodeCertificate(id.Certificate.Raw)), 0o644); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, keyFileName), []byte(keyOut), 0o600)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("pki: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pki: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadOrGenerate returns the persisted identity, creating and saving a fresh
// one when none exists or the stored certificate has expired.
func LoadOrGenerate(ctx context.Context, store KeyStore, subject Subject, logger zerolog.Logger, opts ...Option) (*KeyAuthority, error) {
	id, err := store.Load(ctx)
	switch {
	case err == nil:
		if time.Now().Before(id.Certificate.NotAfter) {
			a, err := FromIdentity(id)
			if err != nil {
				return nil, err
			}
			logger.Info().
				Str("serial", id.Certificate.SerialNumber.Text(16)).
				Time("not_after", id.Certificate.NotAfter).
				Msg("loaded signing identity")
			return a, nil
		}
		logger.Warn().
			Time("not_after", id.Certificate.NotAfter).
			Msg("stored signing certificate expired, generating a new identity")
	case errors.Is(err, ErrIdentityNotFound):
		logger.Info().Msg("no signing identity found, generating one")
	default:
		return nil, err
	}

	return Generate(ctx, store, subject, logger, opts...)
}

// Generate creates a new identity and saves it, replacing any previous one.
func Generate(ctx context.Context, store KeyStore, subject Subject, logger zerolog.Logger, opts ...Option) (*KeyAuthority, error) {
	a := NewKeyAuthority(subject, opts...)
	if err := a.Initialize(); err != nil {
		return nil, err
	}
	id, err := a.Identity()
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, id); err != nil {
		return nil, err
	}
	logger.Info().
		Str("serial", id.Certificate.SerialNumber.Text(16)).
		Time("not_after", id.Certificate.NotAfter).
		Msg("generated signing identity")
	return a, nil
}
