package hipaa

import (
	"fmt"

	"github.com/rs/zerolog"
)

// MinSecretLength is the shortest secret accepted for field encryption.
const MinSecretLength = 32

// EncryptionService provides field-level encryption for document columns.
// It wraps a FieldEncryptor and adds a disabled mode for development
// environments where no secret is configured.
type EncryptionService struct {
	encryptor FieldEncryptor
	enabled   bool
}

// NewEncryptionService creates a new encryption service.
//
// If secret is empty, encryption is disabled and a warning is logged. All
// EncryptField/DecryptField calls then return the value as-is.
//
// A non-empty secret shorter than MinSecretLength is rejected so the process
// refuses to start with a weak configuration.
func NewEncryptionService(secret string, logger zerolog.Logger, opts ...EnvelopeOption) (*EncryptionService, error) {
	if secret == "" {
		logger.Warn().Msg("field encryption disabled: FIELD_ENCRYPTION_SECRET is not set")
		return &EncryptionService{}, nil
	}

	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("FIELD_ENCRYPTION_SECRET must be at least %d characters, got %d", MinSecretLength, len(secret))
	}

	enc, err := NewEnvelopeEncryptor(secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("create envelope encryptor: %w", err)
	}

	logger.Info().Msg("field-level encryption enabled")
	return &EncryptionService{encryptor: enc, enabled: true}, nil
}

// NewEncryptionServiceWith wraps an existing encryptor.
func NewEncryptionServiceWith(enc FieldEncryptor) *EncryptionService {
	return &EncryptionService{encryptor: enc, enabled: enc != nil}
}

// Encryptor returns the underlying FieldEncryptor, or nil if encryption is
// disabled.
func (s *EncryptionService) Encryptor() FieldEncryptor {
	return s.encryptor
}

// EncryptField encrypts a single field value. Returns the original value
// unchanged if encryption is disabled or s is nil.
func (s *EncryptionService) EncryptField(value string) (string, error) {
	if s == nil || !s.enabled {
		return value, nil
	}
	return s.encryptor.Encrypt(value)
}

// DecryptField decrypts a single field value. Returns the original value
// unchanged if encryption is disabled.
func (s *EncryptionService) DecryptField(value string) (string, error) {
	if s == nil || !s.enabled {
		return value, nil
	}
	return s.encryptor.Decrypt(value)
}

// IsEnabled returns true if encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s != nil && s.enabled
}
