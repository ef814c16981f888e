package signature

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/metrics"
	"github.com/ehr/doctrust/internal/platform/pki"
)

func signedReceita(t *testing.T) (SignedDocument, *SignatureRecord) {
	t.Helper()
	doc := receita()
	rec, err := newTestSigner(t, nil).Sign(context.Background(), doc, "CRM-SP-123456")
	require.NoError(t, err)
	return SignedDocument{
		Document: doc,
		Hash:     rec.Hash,
		SignedAt: rec.Timestamp,
		SignerID: rec.SignerID,
	}, rec
}

func TestVerifier_TamperedContent(t *testing.T) {
	sd, rec := signedReceita(t)
	sd.Document.Content = "Amoxicilina 875mg"

	res, err := NewVerifier().Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.False(t, res.HashMatch)
	assert.True(t, res.CertificateValid)
	assert.Contains(t, res.ValidationErrors, "document hash mismatch: document may have been modified")
	assert.Contains(t, res.ValidationErrors, "signature verification failed")
}

func TestVerifier_EveryIdentityFieldIsCovered(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SignedDocument)
	}{
		{"title", func(d *SignedDocument) { d.Document.Title = "Atestado" }},
		{"patient", func(d *SignedDocument) { d.Document.PatientName = "Maria Santos" }},
		{"doctor", func(d *SignedDocument) { d.Document.DoctorName = "Dr. Pedro" }},
		{"id", func(d *SignedDocument) { d.Document.ID = "doc2" }},
		{"created", func(d *SignedDocument) { d.Document.CreatedAt = d.Document.CreatedAt.Add(time.Millisecond) }},
	}

	sd, rec := signedReceita(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := sd
			tt.mutate(&tampered)
			res, err := NewVerifier().Verify(tampered, rec.Signature, rec.Certificate)
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			assert.False(t, res.HashMatch)
		})
	}
}

func TestVerifier_ClaimedHashOnlyCompared(t *testing.T) {
	sd, rec := signedReceita(t)
	sd.Hash = "0000000000000000000000000000000000000000000000000000000000000000"

	res, err := NewVerifier().Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.False(t, res.HashMatch)
	// The signature still covers the real document.
	assert.NotContains(t, res.ValidationErrors, "signature verification failed")
}

func TestVerifier_WrongSignerOrTime(t *testing.T) {
	sd, rec := signedReceita(t)

	otherSigner := sd
	otherSigner.SignerID = "CRM-RJ-999999"
	res, err := NewVerifier().Verify(otherSigner, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.HashMatch)
	assert.Contains(t, res.ValidationErrors, "signature verification failed")

	otherTime := sd
	otherTime.SignedAt = sd.SignedAt.Add(time.Second)
	res, err = NewVerifier().Verify(otherTime, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestVerifier_ExpiredCertificate(t *testing.T) {
	now := time.Now()
	expired := pki.NewKeyAuthority(pki.DefaultSubject(),
		pki.WithValidity(now.AddDate(-2, 0, 0), now.AddDate(-1, 0, 0)))
	require.NoError(t, expired.Initialize())

	doc := receita()
	signer := NewSigner(expired, nil, testBaseURL, zerolog.Nop())
	rec, err := signer.Sign(context.Background(), doc, "CRM-SP-123456")
	require.NoError(t, err)

	res, err := NewVerifier().Verify(SignedDocument{
		Document: doc, Hash: rec.Hash, SignedAt: rec.Timestamp, SignerID: rec.SignerID,
	}, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.False(t, res.TimestampValid)
	assert.True(t, res.HashMatch)
	require.NotEmpty(t, res.ValidationErrors)
	assert.Contains(t, res.ValidationErrors[0], "certificate is not valid at")
}

func TestVerifier_InjectedClockBeyondValidity(t *testing.T) {
	sd, rec := signedReceita(t)
	future := func() time.Time { return time.Now().AddDate(6, 0, 0) }

	res, err := NewVerifier(WithClock(future)).Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.TimestampValid)
	assert.False(t, res.IsValid)
}

func TestVerifier_ForeignCertificate(t *testing.T) {
	sd, rec := signedReceita(t)

	other := pki.NewKeyAuthority(pki.DefaultSubject())
	require.NoError(t, other.Initialize())
	otherPEM, err := other.CertificatePEM()
	require.NoError(t, err)

	res, err := NewVerifier().Verify(sd, rec.Signature, otherPEM)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.CertificateValid)
	assert.Contains(t, res.ValidationErrors, "signature verification failed")
}

func TestVerifier_MalformedCertificate(t *testing.T) {
	sd, rec := signedReceita(t)

	res, err := NewVerifier().Verify(sd, rec.Signature, "-----BEGIN CERTIFICATE-----\nnope\n-----END CERTIFICATE-----")
	assert.ErrorIs(t, err, ErrMalformedCertificate)
	require.NotNil(t, res)
	assert.False(t, res.IsValid)
	assert.False(t, res.CertificateValid)
	assert.NotEmpty(t, res.ValidationErrors)
}

func TestVerifier_BadBase64Signature(t *testing.T) {
	sd, rec := signedReceita(t)

	res, err := NewVerifier().Verify(sd, "not base64!!", rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.ValidationErrors, "signature is not valid base64")
}

func TestVerifier_RecordsMetric(t *testing.T) {
	sd, rec := signedReceita(t)
	reg := prometheus.NewRegistry()
	v := NewVerifier(WithMetrics(metrics.New(reg)))

	_, err := v.Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	sd.Document.Title = "changed"
	_, err = v.Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "doctrust_verifications_total", map[string]string{"result": "valid"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "doctrust_verifications_total", map[string]string{"result": "invalid"}))
}

func TestVerifier_PrescriptionRoundTrip(t *testing.T) {
	doc := canonical.Document{
		ID:          "doc1",
		Title:       "Receita",
		Content:     "Paracetamol 500mg",
		CreatedAt:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		PatientName: "Maria",
		DoctorName:  "Dr. Silva",
	}
	rec, err := newTestSigner(t, nil).Sign(context.Background(), doc, "CRM-SP-000001")
	require.NoError(t, err)

	sd := SignedDocument{Document: doc, Hash: rec.Hash, SignedAt: rec.Timestamp, SignerID: rec.SignerID}
	res, err := NewVerifier().Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.True(t, res.IsValid, "errors: %v", res.ValidationErrors)

	sd.Document.Content = "Paracetamol 1000mg"
	res, err = NewVerifier().Verify(sd, rec.Signature, rec.Certificate)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.ValidationErrors, "document hash mismatch: document may have been modified")
}
