package signature

import (
	"errors"
	"time"

	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/hipaa"
)

// ProtocolVersion is embedded in every signed payload.
const ProtocolVersion = "1.0"

var (
	ErrSigningError         = errors.New("document is missing required fields")
	ErrMalformedCertificate = errors.New("malformed certificate")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDocumentExists       = errors.New("document already exists")
	ErrMalformedProof       = errors.New("malformed timestamp proof")
)

// SignatureRecord is the proof produced by Signer.Sign. It is never modified
// after creation.
type SignatureRecord struct {
	DocumentID      string    `json:"documentId"`
	SignerID        string    `json:"signerId"`
	Signature       string    `json:"signature"`
	Hash            string    `json:"hash"`
	Timestamp       time.Time `json:"timestamp"`
	Certificate     string    `json:"certificate"`
	VerificationURL string    `json:"verificationUrl"`
	QRPayload       string    `json:"qrPayload"`
	QRCode          string    `json:"qrCode,omitempty"`
}

// QRPayload is what the QR code on a printed document encodes.
type QRPayload struct {
	URL       string `json:"url"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// SignedDocument is a document together with the claims made by whoever
// presents it for verification.
type SignedDocument struct {
	Document canonical.Document
	Hash     string
	SignedAt time.Time
	SignerID string
}

// SignerInfo is read from the certificate subject.
type SignerInfo struct {
	CommonName   string `json:"commonName"`
	Organization string `json:"organization"`
	Country      string `json:"country"`
	Email        string `json:"email"`
}

// VerificationResult is itemized so that an invalid document is a normal
// outcome rather than an error.
type VerificationResult struct {
	IsValid          bool        `json:"isValid"`
	CertificateValid bool        `json:"certificateValid"`
	TimestampValid   bool        `json:"timestampValid"`
	HashMatch        bool        `json:"hashMatch"`
	SignerInfo       *SignerInfo `json:"signerInfo,omitempty"`
	ValidationErrors []string    `json:"validationErrors"`
}

// TimestampProof binds arbitrary data to a point in time.
type TimestampProof struct {
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
	Data      string    `json:"data"`
}

// StoredDocument is a document as kept by the records system, with the
// signing state written back after a successful Sign.
type StoredDocument struct {
	canonical.Document
	SignedState
}

// SignedState is persisted alongside a document once it is signed.
type SignedState struct {
	IsSigned    bool       `json:"isSigned"`
	SignedAt    *time.Time `json:"signedAt,omitempty"`
	SignerID    string     `json:"signerId,omitempty"`
	Hash        string     `json:"hash,omitempty"`
	Signature   string     `json:"-"`
	Certificate string     `json:"-"`
	QRCode      string     `json:"qrCode,omitempty"`
}

// VerificationView is the public page reached by scanning a document's QR
// code.
type VerificationView struct {
	DocumentID   string                 `json:"documentId"`
	Title        string                 `json:"title"`
	PatientName  string                 `json:"patientName"`
	DoctorName   string                 `json:"doctorName"`
	CreatedAt    time.Time              `json:"createdAt"`
	IsSigned     bool                   `json:"isSigned"`
	SignedAt     *time.Time             `json:"signedAt,omitempty"`
	Hash         string                 `json:"hash,omitempty"`
	QRCode       string                 `json:"qrCode,omitempty"`
	Verification *VerificationResult    `json:"verification,omitempty"`
	AuditTrail   []*hipaa.AuditLogEntry `json:"auditTrail"`
}

// CertificateView describes the service certificate to the public.
type CertificateView struct {
	Certificate  string    `json:"certificate"`
	Issuer       string    `json:"issuer"`
	Subject      string    `json:"subject"`
	SerialNumber string    `json:"serialNumber"`
	Fingerprint  string    `json:"fingerprint"`
	ValidFrom    time.Time `json:"validFrom"`
	ValidTo      time.Time `json:"validTo"`
	Trust        string    `json:"trust"`
}

// TrustStatement is returned with the certificate so that no client mistakes
// it for a CA-issued credential.
const TrustStatement = "Self-signed certificate. It is its own trust root and is not chained to any " +
	"external certificate authority; a valid signature only shows the document was signed by this service."
