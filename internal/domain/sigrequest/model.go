// Package sigrequest implements delegated signing: a named signer receives a
// time-boxed, token-protected request and signs a document through it.
package sigrequest

import (
	"errors"
	"fmt"
	"time"
)

// Workflow limits.
const (
	DefaultExpiresInHours = 24
	MinExpiresInHours     = 1
	MaxExpiresInHours     = 168
	DefaultMaxAttempts    = 3
	MinPasswordLength     = 6
	CertificateValidity   = 365 * 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("signature request not found")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrRequestExpired    = errors.New("signature request has expired")
	ErrAlreadyProcessed  = errors.New("signature request was already processed")
	ErrTooManyAttempts   = errors.New("too many signing attempts")
	ErrInvalidToken      = errors.New("invalid or expired signing token")
	ErrWeakPassword      = errors.New("password does not meet the minimum policy")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrInvalidExpiry     = errors.New("expiresInHours must be between 1 and 168")
	ErrInvalidReason     = errors.New("unknown revocation reason")
	ErrInvalidMethod     = errors.New("unknown signing method")
	ErrValidation        = errors.New("validation failed")
)

// RequestStatus is the lifecycle state of a SignatureRequest.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusSigned  RequestStatus = "signed"
	StatusExpired RequestStatus = "expired"
	StatusBlocked RequestStatus = "blocked"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending: {StatusSigned, StatusExpired, StatusBlocked},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for every status but pending.
func (s RequestStatus) IsTerminal() bool {
	return len(requestTransitions[s]) == 0
}

// SignatureStatus is the lifecycle state of a Signature.
type SignatureStatus string

const (
	SignatureValid   SignatureStatus = "valid"
	SignatureRevoked SignatureStatus = "revoked"
)

var signatureTransitions = map[SignatureStatus][]SignatureStatus{
	SignatureValid: {SignatureRevoked},
}

func (s SignatureStatus) CanTransitionTo(next SignatureStatus) bool {
	for _, allowed := range signatureTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Method is how the signer proved their identity.
type Method string

const (
	MethodPassword    Method = "password"
	MethodCertificate Method = "certificate"
	MethodToken       Method = "token"
)

// ParseMethod defaults to password when s is empty.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return MethodPassword, nil
	case MethodPassword, MethodCertificate, MethodToken:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
}

// RevocationReason follows the RFC 5280 reason names that matter here.
type RevocationReason string

const (
	ReasonCompromise  RevocationReason = "compromise"
	ReasonSuperseded  RevocationReason = "superseded"
	ReasonCessation   RevocationReason = "cessation"
	ReasonUnspecified RevocationReason = "unspecified"
)

func ParseRevocationReason(s string) (RevocationReason, error) {
	switch r := RevocationReason(s); r {
	case ReasonCompromise, ReasonSuperseded, ReasonCessation, ReasonUnspecified:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
	}
}

// SignatureRequest is an invitation for one signer to sign one document.
type SignatureRequest struct {
	ID           string        `json:"requestId"`
	DocumentID   string        `json:"documentId"`
	DocumentHash string        `json:"documentHash"`
	SignerName   string        `json:"signerName"`
	SignerCRM    string        `json:"signerCrm"`
	SignerEmail  string        `json:"signerEmail"`
	RequestedBy  string        `json:"requestedBy,omitempty"`
	Status       RequestStatus `json:"status"`
	Token        string        `json:"verificationToken,omitempty"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"maxAttempts"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SignatureID  string        `json:"signatureId,omitempty"`
	SignedAt     *time.Time    `json:"signedAt,omitempty"`
}

// Transition moves the request to next, or fails with ErrInvalidTransition.
func (r *SignatureRequest) Transition(next RequestStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = at
	return nil
}

// ExpiredAt reports whether the request is past its deadline at now.
func (r *SignatureRequest) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Redacted returns a copy without the verification token.
func (r SignatureRequest) Redacted() SignatureRequest {
	r.Token = ""
	return r
}

// CertificateInfo describes the per-signature certificate synthesized at
// signing time. It is issued by the service identity for the signer.
type CertificateInfo struct {
	Issuer       string    `json:"issuer"`
	Subject      string    `json:"subject"`
	SerialNumber string    `json:"serialNumber"`
	ValidFrom    time.Time `json:"validFrom"`
	ValidTo      time.Time `json:"validTo"`
	Fingerprint  string    `json:"fingerprint"`
}

type Revocation struct {
	Reason    RevocationReason `json:"reason"`
	RevokedBy string           `json:"revokedBy"`
	RevokedAt time.Time        `json:"revokedAt"`
	Note      string           `json:"note,omitempty"`
}

// Signature is produced by a successful attempt on a SignatureRequest.
type Signature struct {
	ID              string          `json:"signatureId"`
	RequestID       string          `json:"requestId"`
	DocumentID      string          `json:"documentId"`
	DocumentHash    string          `json:"documentHash"`
	SignerName      string          `json:"signerName"`
	SignerCRM       string          `json:"signerCrm"`
	SignerEmail     string          `json:"signerEmail,omitempty"`
	Method          Method          `json:"method"`
	SignedAt        time.Time       `json:"signedAt"`
	SignatureHash   string          `json:"signatureHash"`
	SignatureValue  string          `json:"signatureValue,omitempty"`
	CertificateInfo CertificateInfo `json:"certificateInfo"`
	Status          SignatureStatus `json:"status"`
	Revocation      *Revocation     `json:"revocation,omitempty"`
	IPAddress       string          `json:"ipAddress,omitempty"`
	UserAgent       string          `json:"userAgent,omitempty"`
}

// Revoke moves a valid signature to revoked.
func (s *Signature) Revoke(rev Revocation) error {
	if !s.Status.CanTransitionTo(SignatureRevoked) {
		return fmt.Errorf("%w: signature is %s", ErrInvalidTransition, s.Status)
	}
	s.Status = SignatureRevoked
	s.Revocation = &rev
	return nil
}

// VerificationReport is the outcome of re-checking a stored Signature.
type VerificationReport struct {
	SignatureID string          `json:"signatureId"`
	Valid       bool            `json:"valid"`
	HashValid   bool            `json:"hashValid"`
	CryptoValid *bool           `json:"cryptoValid,omitempty"`
	Expired     bool            `json:"expired"`
	Status      SignatureStatus `json:"status"`
	Revocation  *Revocation     `json:"revocation,omitempty"`
	Signature   *Signature      `json:"signature"`
}
