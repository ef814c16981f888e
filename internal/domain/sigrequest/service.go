package sigrequest

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/hipaa"
	"github.com/ehr/doctrust/internal/platform/metrics"
	"github.com/ehr/doctrust/internal/platform/pki"
)

// casRetries bounds how often a lost compare-and-swap is retried against a
// fresh read before giving up with ErrConflict.
const casRetries = 3

// Service runs the signature request state machine on top of a Store.
type Service struct {
	store     Store
	tokens    *Tokens
	authority *pki.KeyAuthority
	audit     hipaa.AuditTrail
	metrics   *metrics.Metrics
	baseURL   string
	now       func() time.Time
	logger    zerolog.Logger
}

type Deps struct {
	Store     Store
	Tokens    *Tokens
	Authority *pki.KeyAuthority
	Audit     hipaa.AuditTrail
	Metrics   *metrics.Metrics
	BaseURL   string
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     d.Store,
		tokens:    d.Tokens,
		authority: d.Authority,
		audit:     d.Audit,
		metrics:   d.Metrics,
		baseURL:   strings.TrimRight(d.BaseURL, "/"),
		now:       func() time.Time { return now().UTC().Truncate(time.Millisecond) },
		logger:    d.Logger.With().Str("component", "signature_requests").Logger(),
	}
}

// CreateRequestInput describes a new request. ExpiresInHours of zero means
// DefaultExpiresInHours.
type CreateRequestInput struct {
	DocumentID     string `json:"documentId"`
	SignerName     string `json:"signerName"`
	SignerCRM      string `json:"signerCrm"`
	SignerEmail    string `json:"signerEmail"`
	DocumentHash   string `json:"documentHash"`
	ExpiresInHours int    `json:"expiresInHours"`
	RequestedBy    string `json:"-"`
}

func (in CreateRequestInput) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"documentId":   in.DocumentID,
		"signerName":   in.SignerName,
		"signerCrm":    in.SignerCRM,
		"signerEmail":  in.SignerEmail,
		"documentHash": in.DocumentHash,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if _, err := mail.ParseAddress(in.SignerEmail); err != nil {
		return fmt.Errorf("%w: signerEmail is not a valid address", ErrValidation)
	}
	if in.ExpiresInHours != 0 && (in.ExpiresInHours < MinExpiresInHours || in.ExpiresInHours > MaxExpiresInHours) {
		return ErrInvalidExpiry
	}
	return nil
}

// CreateRequestResult carries the only copy of the token the caller will
// ever see; later reads redact it.
type CreateRequestResult struct {
	Request *SignatureRequest `json:"request"`
	Token   string            `json:"token"`
	SignURL string            `json:"signUrl"`
}

func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*CreateRequestResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hours := in.ExpiresInHours
	if hours == 0 {
		hours = DefaultExpiresInHours
	}

	now := s.now()
	req := &SignatureRequest{
		ID:           uuid.NewString(),
		DocumentID:   in.DocumentID,
		DocumentHash: in.DocumentHash,
		SignerName:   strings.TrimSpace(in.SignerName),
		SignerCRM:    strings.TrimSpace(in.SignerCRM),
		SignerEmail:  strings.TrimSpace(in.SignerEmail),
		RequestedBy:  in.RequestedBy,
		Status:       StatusPending,
		MaxAttempts:  DefaultMaxAttempts,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(hours) * time.Hour),
		UpdatedAt:    now,
	}
	token, err := s.tokens.Issue(req)
	if err != nil {
		return nil, err
	}
	req.Token = token

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("store signature request: %w", err)
	}

	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: req.DocumentID,
		Action:     hipaa.ActionSignatureRequested,
		Metadata: map[string]any{
			"requestId":   req.ID,
			"signerName":  req.SignerName,
			"signerCrm":   req.SignerCRM,
			"signerEmail": req.SignerEmail,
			"expiresAt":   canonical.FormatTime(req.ExpiresAt),
		},
	})
	s.logger.Info().Str("request_id", req.ID).Str("document_id", req.DocumentID).Msg("signature requested")

	redacted := req.Redacted()
	return &CreateRequestResult{
		Request: &redacted,
		Token:   token,
		SignURL: s.baseURL + "/sign/" + req.ID,
	}, nil
}

// GetRequest returns the request with its token removed. A pending request
// past its deadline is moved to expired on the way out.
func (s *Service) GetRequest(ctx context.Context, id string) (*SignatureRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending && req.ExpiredAt(s.now()) {
		if req, err = s.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	redacted := req.Redacted()
	return &redacted, nil
}

// AttemptInput is what a signer submits.
type AttemptInput struct {
	Token    string
	Password string
	Method   string
	Client   hipaa.ClientInfo
}

// AttemptSign runs one signing attempt. The checks run in a fixed order:
// existence, expiry, state, remaining attempts, token, password. Token and
// password failures both spend an attempt, and the attempt that reaches
// MaxAttempts blocks the request.
func (s *Service) AttemptSign(ctx context.Context, id string, in AttemptInput) (*Signature, error) {
	if in.Client != (hipaa.ClientInfo{}) {
		ctx = hipaa.WithClient(ctx, in.Client)
	}

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if req.ExpiredAt(now) {
		if req.Status == StatusPending {
			if _, err := s.expire(ctx, req); err != nil {
				return nil, err
			}
		}
		s.metrics.SignAttempt("expired")
		return nil, ErrRequestExpired
	}
	if req.Status != StatusPending {
		s.metrics.SignAttempt("already_processed")
		return nil, ErrAlreadyProcessed
	}
	if req.Attempts >= req.MaxAttempts {
		if err := s.block(ctx, req); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		s.metrics.SignAttempt("blocked")
		return nil, ErrTooManyAttempts
	}

	method, err := ParseMethod(in.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if cause := s.checkCredentials(req, in); cause != nil {
		return nil, s.spendAttempt(ctx, req, cause)
	}

	sig, err := s.buildSignature(req, method, hipaa.ClientFromContext(ctx), now)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("signature construction failed")
		return nil, s.spendAttempt(ctx, req, fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}

	expected := MatchOf(req)
	done := *req
	if err := done.Transition(StatusSigned, now); err != nil {
		return nil, err
	}
	done.SignatureID = sig.ID
	done.SignedAt = &sig.SignedAt

	if err := s.store.CompleteRequest(ctx, &done, expected, sig); err != nil {
		return nil, fmt.Errorf("complete signature request: %w", err)
	}

	s.metrics.SignAttempt("signed")
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: req.DocumentID,
		Action:     hipaa.ActionSignatureCompleted,
		ActorName:  req.SignerName,
		ActorEmail: req.SignerEmail,
		Metadata: map[string]any{
			"requestId":     req.ID,
			"signatureId":   sig.ID,
			"signerCrm":     req.SignerCRM,
			"method":        string(method),
			"signatureHash": sig.SignatureHash,
		},
	})
	s.logger.Info().Str("request_id", req.ID).Str("signature_id", sig.ID).Msg("signature request completed")
	return sig, nil
}

// checkCredentials validates token then password. A panic in either check
// is reported as an invalid token so that it still costs an attempt.
func (s *Service) checkCredentials(req *SignatureRequest, in AttemptInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("request_id", req.ID).Msg("credential check panicked")
			err = fmt.Errorf("%w: internal error", ErrInvalidToken)
		}
	}()

	claims, err := s.tokens.Parse(in.Token)
	if err != nil {
		return err
	}
	if !claims.Matches(req) {
		return fmt.Errorf("%w: token was issued for another request", ErrInvalidToken)
	}
	if len(in.Password) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// spendAttempt records a failed attempt and returns cause. When that attempt
// is the last one allowed, the request is blocked in the same write.
func (s *Service) spendAttempt(ctx context.Context, req *SignatureRequest, cause error) error {
	cur := req
	for i := 0; i < casRetries; i++ {
		if cur.Status != StatusPending {
			return cause
		}
		expected := MatchOf(cur)
		next := *cur
		next.Attempts++
		next.UpdatedAt = s.now()
		blocked := next.Attempts >= next.MaxAttempts
		if blocked {
			if err := next.Transition(StatusBlocked, next.UpdatedAt); err != nil {
				return err
			}
		}

		err := s.store.UpdateRequest(ctx, &next, expected)
		if errors.Is(err, ErrConflict) {
			if cur, err = s.store.GetRequest(ctx, req.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("record failed attempt: %w", err)
		}

		outcome := "invalid_token"
		if errors.Is(cause, ErrWeakPassword) {
			outcome = "weak_password"
		}
		s.metrics.SignAttempt(outcome)
		s.appendAudit(ctx, &hipaa.AuditLogEntry{
			DocumentID: req.DocumentID,
			Action:     hipaa.ActionSignatureAttemptFailed,
			Metadata: map[string]any{
				"requestId":   req.ID,
				"reason":      outcome,
				"attempts":    next.Attempts,
				"maxAttempts": next.MaxAttempts,
			},
		})
		if blocked {
			s.auditBlocked(ctx, &next)
		}
		return cause
	}
	return ErrConflict
}

// block moves a pending request with no attempts left to blocked.
func (s *Service) block(ctx context.Context, req *SignatureRequest) error {
	expected := MatchOf(req)
	next := *req
	if err := next.Transition(StatusBlocked, s.now()); err != nil {
		return err
	}
	if err := s.store.UpdateRequest(ctx, &next, expected); err != nil {
		return err
	}
	s.auditBlocked(ctx, &next)
	return nil
}

func (s *Service) auditBlocked(ctx context.Context, req *SignatureRequest) {
	s.logger.Warn().Str("request_id", req.ID).Int("attempts", req.Attempts).Msg("signature request blocked")
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: req.DocumentID,
		Action:     hipaa.ActionSignatureRequestBlocked,
		Metadata:   map[string]any{"requestId": req.ID, "attempts": req.Attempts},
	})
}

// expire moves a pending request to expired and returns the stored state.
// Losing the race to another writer is fine: the fresh copy is returned.
func (s *Service) expire(ctx context.Context, req *SignatureRequest) (*SignatureRequest, error) {
	expected := MatchOf(req)
	next := *req
	if err := next.Transition(StatusExpired, s.now()); err != nil {
		return nil, err
	}
	err := s.store.UpdateRequest(ctx, &next, expected)
	if errors.Is(err, ErrConflict) {
		return s.store.GetRequest(ctx, req.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("expire signature request: %w", err)
	}
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: req.DocumentID,
		Action:     hipaa.ActionSignatureRequestExpired,
		Metadata: map[string]any{
			"requestId": req.ID,
			"expiresAt": canonical.FormatTime(req.ExpiresAt),
		},
	})
	return &next, nil
}

// signatureHashInput is the canonical record a workflow signature hash
// covers.
type signatureHashInput struct {
	DocumentID   string `json:"documentId"`
	DocumentHash string `json:"documentHash"`
	SignerCRM    string `json:"signerCrm"`
	SignerName   string `json:"signerName"`
	SignedAt     string `json:"signedAt"`
	Method       string `json:"method"`
}

func computeSignatureHash(sig *Signature) (string, error) {
	return canonical.Sum(signatureHashInput{
		DocumentID:   sig.DocumentID,
		DocumentHash: sig.DocumentHash,
		SignerCRM:    sig.SignerCRM,
		SignerName:   sig.SignerName,
		SignedAt:     canonical.FormatTime(sig.SignedAt),
		Method:       string(sig.Method),
	})
}

// buildSignature assembles the Signature for a successful attempt. A panic
// here is returned as an error.
func (s *Service) buildSignature(req *SignatureRequest, method Method, client hipaa.ClientInfo, now time.Time) (sig *Signature, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	sig = &Signature{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		DocumentID:   req.DocumentID,
		DocumentHash: req.DocumentHash,
		SignerName:   req.SignerName,
		SignerCRM:    req.SignerCRM,
		SignerEmail:  req.SignerEmail,
		Method:       method,
		SignedAt:     now,
		Status:       SignatureValid,
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
	}
	if sig.SignatureHash, err = computeSignatureHash(sig); err != nil {
		return nil, err
	}

	raw, err := s.authority.Sign([]byte(sig.SignatureHash))
	if err != nil {
		return nil, err
	}
	sig.SignatureValue = base64.StdEncoding.EncodeToString(raw)

	if sig.CertificateInfo, err = s.certificateInfo(sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// certificateInfo describes the signer certificate the service vouches for.
// It is a record, not an X.509 certificate: the only real certificate is
// the service's own.
func (s *Service) certificateInfo(sig *Signature) (CertificateInfo, error) {
	info, err := s.authority.Info()
	if err != nil {
		return CertificateInfo{}, err
	}
	serial := make([]byte, 16)
	if _, err := rand.Read(serial); err != nil {
		return CertificateInfo{}, fmt.Errorf("generate serial: %w", err)
	}

	ci := CertificateInfo{
		Issuer:       fmt.Sprintf("CN=%s, O=%s", info.Subject.CommonName, info.Subject.Organization),
		Subject:      fmt.Sprintf("CN=%s, CRM=%s", sig.SignerName, sig.SignerCRM),
		SerialNumber: strings.ToUpper(hex.EncodeToString(serial)),
		ValidFrom:    sig.SignedAt,
		ValidTo:      sig.SignedAt.Add(CertificateValidity),
	}
	ci.Fingerprint, err = canonical.Sum(map[string]string{
		"issuer":        ci.Issuer,
		"subject":       ci.Subject,
		"serialNumber":  ci.SerialNumber,
		"validFrom":     canonical.FormatTime(ci.ValidFrom),
		"validTo":       canonical.FormatTime(ci.ValidTo),
		"signatureHash": sig.SignatureHash,
	})
	return ci, err
}

// VerifySignature re-derives the hash of a stored signature and checks it
// against its own record, its certificate window and its status. The RSA
// value is checked against the current key and reported as CryptoValid
// only: a rotated key does not make older records look tampered.
func (s *Service) VerifySignature(ctx context.Context, id string) (*VerificationReport, error) {
	sig, err := s.store.GetSignature(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{
		SignatureID: sig.ID,
		Status:      sig.Status,
		Revocation:  sig.Revocation,
		Signature:   sig,
	}

	expected, err := computeSignatureHash(sig)
	if err != nil {
		return nil, err
	}
	report.HashValid = subtle.ConstantTimeCompare([]byte(expected), []byte(sig.SignatureHash)) == 1

	if sig.SignatureValue != "" {
		ok := false
		if raw, err := base64.StdEncoding.DecodeString(sig.SignatureValue); err == nil {
			ok = s.authority.Verify([]byte(sig.SignatureHash), raw) == nil
		}
		report.CryptoValid = &ok
	}

	report.Expired = s.now().After(sig.CertificateInfo.ValidTo)
	report.Valid = !report.Expired && report.HashValid && sig.Status == SignatureValid

	s.metrics.Verification(report.Valid)
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: sig.DocumentID,
		Action:     hipaa.ActionDocumentVerified,
		Metadata: map[string]any{
			"signatureId": sig.ID,
			"isValid":     report.Valid,
			"source":      "signature",
		},
	})
	return report, nil
}

// ListDocumentSignatures pages through a document's signatures, oldest
// first.
func (s *Service) ListDocumentSignatures(ctx context.Context, documentID string, limit, offset int) ([]*Signature, int, error) {
	return s.store.ListSignaturesByDocument(ctx, documentID, limit, offset)
}

type RevokeInput struct {
	Reason    string `json:"reason"`
	RevokedBy string `json:"revokedBy"`
	Note      string `json:"note"`
}

// Revoke invalidates a valid signature for good. Revoking twice fails with
// ErrInvalidTransition; the first revocation record is kept.
func (s *Service) Revoke(ctx context.Context, id string, in RevokeInput) (*Signature, error) {
	reason, err := ParseRevocationReason(in.Reason)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.RevokedBy) == "" {
		return nil, fmt.Errorf("%w: revokedBy is required", ErrValidation)
	}

	sig, err := s.store.GetSignature(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := sig.Status
	if err := sig.Revoke(Revocation{
		Reason:    reason,
		RevokedBy: in.RevokedBy,
		RevokedAt: s.now(),
		Note:      in.Note,
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSignature(ctx, sig, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: signature changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("store revocation: %w", err)
	}

	s.metrics.SignatureRevoked(string(reason))
	s.appendAudit(ctx, &hipaa.AuditLogEntry{
		DocumentID: sig.DocumentID,
		Action:     hipaa.ActionSignatureRevoked,
		Metadata: map[string]any{
			"signatureId": sig.ID,
			"reason":      string(reason),
			"revokedBy":   in.RevokedBy,
			"note":        in.Note,
		},
	})
	s.logger.Info().Str("signature_id", sig.ID).Str("reason", string(reason)).Msg("signature revoked")
	return sig, nil
}

func (s *Service) appendAudit(ctx context.Context, entry *hipaa.AuditLogEntry) {
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
