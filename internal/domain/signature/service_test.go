package signature

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/doctrust/internal/platform/cache"
	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/hipaa"
)

// countingCache records hits on top of an in-process cache.
type countingCache struct {
	cache.Cache
	mu   sync.Mutex
	hits int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.Cache.Get(ctx, key)
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
	}
	return v, ok, err
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, []byte) error { return errors.New("cache down") }
func (brokenCache) Delete(context.Context, string) error      { return errors.New("cache down") }
func (brokenCache) Ping(context.Context) error                { return errors.New("cache down") }
func (brokenCache) Close() error                              { return nil }

type serviceFixture struct {
	svc   *Service
	docs  DocumentRepository
	audit *hipaa.MemoryAuditTrail
	cache *countingCache
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	local, err := cache.NewLocal(context.Background(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	f := &serviceFixture{
		docs:  NewMemoryDocumentRepo(),
		audit: hipaa.NewMemoryAuditTrail(),
		cache: &countingCache{Cache: local},
	}
	f.svc = NewService(ServiceDeps{
		Documents: f.docs,
		Signer:    NewSigner(testAuthority(t), f.audit, testBaseURL, zerolog.Nop()),
		Verifier:  NewVerifier(),
		Authority: testAuthority(t),
		Audit:     f.audit,
		Cache:     f.cache,
		Logger:    zerolog.Nop(),
	})
	return f
}

func TestService_RegisterDocument(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	doc := receita()
	doc.CreatedAt = time.Date(2024, 1, 15, 10, 0, 0, 999999, time.FixedZone("BRT", -3*3600))
	stored, err := f.svc.RegisterDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, stored.CreatedAt.Location())
	assert.Equal(t, 0, stored.CreatedAt.Nanosecond()%int(time.Millisecond))
	assert.False(t, stored.IsSigned)

	_, err = f.svc.RegisterDocument(ctx, doc)
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = f.svc.RegisterDocument(ctx, canonical.Document{Title: "x", Content: "y"})
	assert.ErrorIs(t, err, ErrSigningError)

	noContent := receita()
	noContent.ID = "doc-empty"
	noContent.Content = ""
	_, err = f.svc.RegisterDocument(ctx, noContent)
	assert.ErrorIs(t, err, ErrSigningError)
}

func TestService_SignAndView(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterDocument(ctx, receita())
	require.NoError(t, err)

	view, err := f.svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, view.IsSigned)
	assert.Nil(t, view.Verification)
	assert.NotNil(t, view.AuditTrail)
	assert.Empty(t, view.AuditTrail)

	rec, err := f.svc.SignDocument(ctx, "doc1", "CRM-SP-123456")
	require.NoError(t, err)

	stored, err := f.svc.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, stored.IsSigned)
	assert.Equal(t, rec.Hash, stored.Hash)
	assert.Equal(t, rec.Signature, stored.Signature)
	assert.Equal(t, rec.QRCode, stored.QRCode)

	view, err = f.svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, view.IsSigned)
	assert.Equal(t, "M**** S****", view.PatientName)
	assert.Equal(t, "Dr. Joao Silva", view.DoctorName)
	require.NotNil(t, view.Verification)
	assert.True(t, view.Verification.IsValid, "errors: %v", view.Verification.ValidationErrors)

	require.Len(t, view.AuditTrail, 2)
	assert.Equal(t, hipaa.ActionDocumentSigned, view.AuditTrail[0].Action)
	assert.Equal(t, hipaa.ActionDocumentVerified, view.AuditTrail[1].Action)
	assert.Equal(t, "qr", view.AuditTrail[1].Metadata["source"])
}

func TestService_VerificationIsCachedUntilResigned(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterDocument(ctx, receita())
	require.NoError(t, err)
	_, err = f.svc.SignDocument(ctx, "doc1", "CRM-SP-123456")
	require.NoError(t, err)

	_, err = f.svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	_, err = f.svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.hits)

	_, err = f.svc.SignDocument(ctx, "doc1", "CRM-SP-123456")
	require.NoError(t, err)
	_, err = f.svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.hits, "re-signing must invalidate the cached result")

	// The audit trail is never cached.
	trail, err := f.audit.ListByDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Len(t, trail, 5)
}

func TestService_CacheFailureIsBypassed(t *testing.T) {
	audit := hipaa.NewMemoryAuditTrail()
	svc := NewService(ServiceDeps{
		Documents: NewMemoryDocumentRepo(),
		Signer:    NewSigner(testAuthority(t), audit, testBaseURL, zerolog.Nop()),
		Verifier:  NewVerifier(),
		Authority: testAuthority(t),
		Audit:     audit,
		Cache:     brokenCache{},
		Logger:    zerolog.Nop(),
	})
	ctx := context.Background()

	_, err := svc.RegisterDocument(ctx, receita())
	require.NoError(t, err)
	_, err = svc.SignDocument(ctx, "doc1", "CRM-SP-123456")
	require.NoError(t, err)

	view, err := svc.VerificationView(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, view.Verification)
	assert.True(t, view.Verification.IsValid)
}

func TestService_NotFound(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.SignDocument(ctx, "missing", "CRM-SP-123456")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = f.svc.VerificationView(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestService_VerifyRecordsAudit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := hipaa.WithClient(context.Background(), hipaa.ClientInfo{IPAddress: "203.0.113.9", UserAgent: "scanner"})

	sd, rec := signedReceita(t)
	res, err := f.svc.Verify(ctx, VerifyInput{
		Document:    sd.Document,
		Hash:        sd.Hash,
		SignedAt:    sd.SignedAt,
		SignerID:    sd.SignerID,
		Signature:   rec.Signature,
		Certificate: rec.Certificate,
	})
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	trail, err := f.audit.ListByDocument(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, hipaa.ActionDocumentVerified, trail[0].Action)
	assert.Equal(t, "submitted", trail[0].Metadata["source"])
	assert.Equal(t, true, trail[0].Metadata["isValid"])
	assert.Equal(t, "203.0.113.9", trail[0].IPAddress)
	assert.Equal(t, "scanner", trail[0].UserAgent)
}

func TestService_Certificate(t *testing.T) {
	f := newServiceFixture(t)

	view, err := f.svc.Certificate()
	require.NoError(t, err)
	assert.Contains(t, view.Certificate, "BEGIN CERTIFICATE")
	assert.Equal(t, TrustStatement, view.Trust)
	assert.Contains(t, view.Subject, "CN=")
	assert.Equal(t, view.Issuer[:3], "CN=")
	assert.True(t, view.ValidTo.After(view.ValidFrom))
	assert.NotEmpty(t, view.Fingerprint)
}

func TestMaskName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Maria Souza", "M**** S****"},
		{"Ana", "A**"},
		{"  João   da Silva ", "J*** d* S****"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskName(tt.in), "MaskName(%q)", tt.in)
	}
}
