package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/doctrust/internal/platform/cache"
	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/hipaa"
	"github.com/ehr/doctrust/internal/platform/metrics"
	"github.com/ehr/doctrust/internal/platform/pki"
)

// Service ties stored documents to the signer and verifier and serves the
// public verification surface.
type Service struct {
	docs      DocumentRepository
	signer    *Signer
	verifier  *Verifier
	authority *pki.KeyAuthority
	audit     hipaa.AuditTrail
	cache     cache.Cache
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// ServiceDeps groups the collaborators of a Service. Cache and Metrics may be
// nil.
type ServiceDeps struct {
	Documents DocumentRepository
	Signer    *Signer
	Verifier  *Verifier
	Authority *pki.KeyAuthority
	Audit     hipaa.AuditTrail
	Cache     cache.Cache
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

func NewService(d ServiceDeps) *Service {
	return &Service{
		docs:      d.Documents,
		signer:    d.Signer,
		verifier:  d.Verifier,
		authority: d.Authority,
		audit:     d.Audit,
		cache:     d.Cache,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("component", "signature_service").Logger(),
	}
}

// RegisterDocument stores a document so that it can be signed later.
func (s *Service) RegisterDocument(ctx context.Context, doc canonical.Document) (*StoredDocument, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrSigningError)
	}
	if strings.TrimSpace(doc.Title) == "" || strings.TrimSpace(doc.Content) == "" {
		return nil, ErrSigningError
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.CreatedAt = doc.CreatedAt.UTC().Truncate(time.Millisecond)

	stored := &StoredDocument{Document: doc}
	if err := s.docs.Create(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetDocument returns a stored document.
func (s *Service) GetDocument(ctx context.Context, id string) (*StoredDocument, error) {
	return s.docs.Get(ctx, id)
}

// SignDocument signs the stored document as actorID and writes the signed
// state back.
func (s *Service) SignDocument(ctx context.Context, id, actorID string) (*SignatureRecord, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rec, err := s.signer.Sign(ctx, doc.Document, actorID)
	if err != nil {
		return nil, err
	}

	signedAt := rec.Timestamp
	state := SignedState{
		IsSigned:    true,
		SignedAt:    &signedAt,
		SignerID:    actorID,
		Hash:        rec.Hash,
		Signature:   rec.Signature,
		Certificate: rec.Certificate,
		QRCode:      rec.QRCode,
	}
	if err := s.docs.MarkSigned(ctx, id, state); err != nil {
		return nil, fmt.Errorf("persist signed state: %w", err)
	}

	s.invalidate(ctx, id)
	return rec, nil
}

// VerifyInput is a caller-presented (document, signature, certificate)
// triple.
type VerifyInput struct {
	Document    canonical.Document
	Hash        string
	SignedAt    time.Time
	SignerID    string
	Signature   string
	Certificate string
}

// Verify checks a presented triple and records the attempt in the audit
// trail of the document it names.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*VerificationResult, error) {
	res, err := s.verifier.Verify(SignedDocument{
		Document: in.Document,
		Hash:     in.Hash,
		SignedAt: in.SignedAt,
		SignerID: in.SignerID,
	}, in.Signature, in.Certificate)
	if res != nil && in.Document.ID != "" {
		s.recordVerification(ctx, in.Document.ID, res, "submitted")
	}
	return res, err
}

// VerificationView builds the public page for a document. The verification
// result is cached; the audit trail is always read fresh.
func (s *Service) VerificationView(ctx context.Context, id string) (*VerificationView, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &VerificationView{
		DocumentID:  doc.ID,
		Title:       doc.Title,
		PatientName: MaskName(doc.PatientName),
		DoctorName:  doc.DoctorName,
		CreatedAt:   doc.CreatedAt,
		IsSigned:    doc.IsSigned,
		SignedAt:    doc.SignedAt,
		Hash:        doc.Hash,
		QRCode:      doc.QRCode,
	}

	if doc.IsSigned && doc.SignedAt != nil {
		res, err := s.storedVerification(ctx, doc)
		if err != nil && !errors.Is(err, ErrMalformedCertificate) {
			return nil, err
		}
		view.Verification = res
		if res != nil {
			s.recordVerification(ctx, doc.ID, res, "qr")
		}
	}

	trail, err := s.audit.ListByDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	if trail == nil {
		trail = []*hipaa.AuditLogEntry{}
	}
	view.AuditTrail = trail
	return view, nil
}

func (s *Service) storedVerification(ctx context.Context, doc *StoredDocument) (*VerificationResult, error) {
	key := "verify:" + doc.ID
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("cache read failed")
		} else if ok {
			var cached VerificationResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	res, err := s.verifier.Verify(SignedDocument{
		Document: doc.Document,
		Hash:     doc.Hash,
		SignedAt: *doc.SignedAt,
		SignerID: doc.SignerID,
	}, doc.Signature, doc.Certificate)
	if err != nil {
		return res, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(res); err == nil {
			if err := s.cache.Set(ctx, key, raw); err != nil {
				s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("cache write failed")
			}
		}
	}
	return res, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "verify:"+id); err != nil {
		s.logger.Warn().Err(err).Str("document_id", id).Msg("cache invalidation failed")
	}
}

func (s *Service) recordVerification(ctx context.Context, documentID string, res *VerificationResult, source string) {
	entry := &hipaa.AuditLogEntry{
		DocumentID: documentID,
		Action:     hipaa.ActionDocumentVerified,
		Metadata: map[string]any{
			"isValid": res.IsValid,
			"source":  source,
		},
	}
	if len(res.ValidationErrors) > 0 {
		entry.Metadata["errors"] = res.ValidationErrors
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.metrics.AuditWriteFailed(entry.Action)
		s.logger.Warn().Err(err).Str("document_id", documentID).Msg("audit write failed")
	}
}

// Certificate describes the service certificate, including the statement
// that it is self-signed.
func (s *Service) Certificate() (*CertificateView, error) {
	info, err := s.authority.Info()
	if err != nil {
		return nil, err
	}
	subject := info.Subject
	return &CertificateView{
		Certificate:  info.PEM,
		Issuer:       info.Issuer,
		Subject:      fmt.Sprintf("CN=%s, O=%s, C=%s", subject.CommonName, subject.Organization, subject.Country),
		SerialNumber: info.SerialNumber,
		Fingerprint:  info.Fingerprint,
		ValidFrom:    info.NotBefore,
		ValidTo:      info.NotAfter,
		Trust:        TrustStatement,
	}, nil
}

// Timestamp issues a proof of existence for data.
func (s *Service) Timestamp(ctx context.Context, data string) (*TimestampProof, error) {
	return s.signer.Timestamp(ctx, data)
}

// VerifyTimestamp checks a proof issued by Timestamp.
func (s *Service) VerifyTimestamp(proof TimestampProof) (bool, error) {
	return s.signer.VerifyTimestamp(proof)
}

// MaskName keeps the first letter of each word: "Maria Souza" -> "M**** S****".
func MaskName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		r := []rune(w)
		words[i] = string(r[0]) + strings.Repeat("*", len(r)-1)
	}
	return strings.Join(words, " ")
}
