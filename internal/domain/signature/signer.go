package signature

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/hipaa"
	"github.com/ehr/doctrust/internal/platform/metrics"
	"github.com/ehr/doctrust/internal/platform/pki"
)

// qrSize is the edge length in pixels of the generated QR PNG.
const qrSize = 256

// signable is the payload actually covered by the RSA signature.
type signable struct {
	DocumentHash string `json:"documentHash"`
	Timestamp    string `json:"timestamp"`
	SignerID     string `json:"signerId"`
	DocumentID   string `json:"documentId"`
	Version      string `json:"version"`
}

func signablePayload(hash string, at time.Time, signerID, documentID string) ([]byte, error) {
	return canonical.Canonicalize(signable{
		DocumentHash: hash,
		Timestamp:    canonical.FormatTime(at),
		SignerID:     signerID,
		DocumentID:   documentID,
		Version:      ProtocolVersion,
	})
}

// Option configures a Signer or Verifier.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Signer produces SignatureRecords with the service key.
type Signer struct {
	authority *pki.KeyAuthority
	audit     hipaa.AuditTrail
	baseURL   string
	logger    zerolog.Logger
	options
}

func NewSigner(authority *pki.KeyAuthority, audit hipaa.AuditTrail, baseURL string, logger zerolog.Logger, opts ...Option) *Signer {
	return &Signer{
		authority: authority,
		audit:     audit,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With().Str("component", "document_signer").Logger(),
		options:   buildOptions(opts),
	}
}

// VerificationURL is the public link encoded in a document's QR code.
func (s *Signer) VerificationURL(documentID string) string {
	return s.baseURL + "/api/verify/" + documentID
}

// Sign fingerprints doc and signs it on behalf of actorID. The document is
// not modified; persisting the signed state is up to the caller. A failed
// audit write is logged and counted but does not fail the call.
func (s *Signer) Sign(ctx context.Context, doc canonical.Document, actorID string) (*SignatureRecord, error) {
	if strings.TrimSpace(doc.Title) == "" || strings.TrimSpace(doc.Content) == "" {
		return nil, ErrSigningError
	}

	hash, err := canonical.Fingerprint(doc)
	if err != nil {
		return nil, fmt.Errorf("fingerprint document: %w", err)
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	payload, err := signablePayload(hash, at, actorID, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("build signable payload: %w", err)
	}

	raw, err := s.authority.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	certPEM, err := s.authority.CertificatePEM()
	if err != nil {
		return nil, err
	}

	sig := base64.StdEncoding.EncodeToString(raw)
	url := s.VerificationURL(doc.ID)

	qrPayload, err := canonical.Canonicalize(QRPayload{
		URL:       url,
		Hash:      hash,
		Timestamp: canonical.FormatTime(at),
		Signature: sig,
	})
	if err != nil {
		return nil, fmt.Errorf("build qr payload: %w", err)
	}

	rec := &SignatureRecord{
		DocumentID:      doc.ID,
		SignerID:        actorID,
		Signature:       sig,
		Hash:            hash,
		Timestamp:       at,
		Certificate:     certPEM,
		VerificationURL: url,
		QRPayload:       string(qrPayload),
	}

	png, err := qrcode.Encode(rec.QRPayload, qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("qr code rendering failed")
	} else {
		rec.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}

	s.metrics.DocumentSigned()
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: doc.ID,
		Action:     hipaa.ActionDocumentSigned,
		Metadata: map[string]any{
			"signerId":  actorID,
			"hash":      hash,
			"timestamp": canonical.FormatTime(at),
			"version":   ProtocolVersion,
		},
	})

	return rec, nil
}

// Timestamp signs data together with the current time. The proof says that
// data existed at that moment; it is unrelated to any document.
func (s *Signer) Timestamp(_ context.Context, data string) (*TimestampProof, error) {
	at := s.now().UTC().Truncate(time.Millisecond)
	payload, err := timestampPayload(data, at)
	if err != nil {
		return nil, err
	}
	raw, err := s.authority.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign timestamp: %w", err)
	}
	return &TimestampProof{
		Timestamp: at,
		Signature: base64.StdEncoding.EncodeToString(raw),
		Data:      base64.StdEncoding.EncodeToString([]byte(data)),
	}, nil
}

// VerifyTimestamp checks a proof issued by Timestamp with the current key.
func (s *Signer) VerifyTimestamp(proof TimestampProof) (bool, error) {
	data, err := base64.StdEncoding.DecodeString(proof.Data)
	if err != nil {
		return false, fmt.Errorf("%w: data: %v", ErrMalformedProof, err)
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature: %v", ErrMalformedProof, err)
	}
	payload, err := timestampPayload(string(data), proof.Timestamp)
	if err != nil {
		return false, err
	}
	return s.authority.Verify(payload, sig) == nil, nil
}

func timestampPayload(data string, at time.Time) ([]byte, error) {
	b, err := canonical.Canonicalize(map[string]string{
		"data":      data,
		"timestamp": canonical.FormatTime(at),
	})
	if err != nil {
		return nil, fmt.Errorf("build timestamp payload: %w", err)
	}
	return b, nil
}

func (s *Signer) appendAudit(ctx context.Context, entry *hipaa.AuditLogEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.metrics.AuditWriteFailed(entry.Action)
		s.logger.Warn().Err(err).
			Str("document_id", entry.DocumentID).
			Str("action", entry.Action).
			Msg("audit write failed")
	}
}
