// Package pki owns the service signing identity: one RSA keypair and the
// self-signed certificate that vouches for it.
//
// The certificate is its own trust root. Nothing here validates a chain
// against an external CA; a valid signature only means "this service signed
// it".
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

const (
	// KeyBits is the RSA modulus size of the signing key.
	KeyBits = 2048
	// DefaultValidity is the certificate lifetime.
	DefaultValidity = 5 * 365 * 24 * time.Hour
)

var (
	ErrNotInitialized   = errors.New("key authority not initialized")
	ErrIdentityNotFound = errors.New("signing identity not found")
	ErrUnsupportedKey   = errors.New("unsupported public key type")
	ErrBadSignature     = errors.New("signature verification failed")
)

// oidEmailAddress is PKCS#9 emailAddress, kept in the subject DN so that
// verifiers can read it back without the SAN extension.
var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Subject holds the fixed subject/issuer attributes of the certificate.
type Subject struct {
	Organization string
	CommonName   string
	Email        string
	Country      string
}

// DefaultSubject returns the attributes used when none are configured.
func DefaultSubject() Subject {
	return Subject{
		Organization: "Medical Records Platform",
		CommonName:   "Medical Document Signing Service",
		Email:        "security@medical-records.local",
		Country:      "BR",
	}
}

func (s Subject) pkixName() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Email != "" {
		name.ExtraNames = []pkix.AttributeTypeAndValue{{Type: oidEmailAddress, Value: s.Email}}
	}
	return name
}

// SubjectFromName extracts subject attributes from a parsed certificate name.
func SubjectFromName(name pkix.Name) Subject {
	s := Subject{CommonName: name.CommonName}
	if len(name.Organization) > 0 {
		s.Organization = name.Organization[0]
	}
	if len(name.Country) > 0 {
		s.Country = name.Country[0]
	}
	for _, atv := range name.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				s.Email = v
			}
		}
	}
	return s
}

// Identity is the persisted form of a signing identity.
type Identity struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
}

// Option configures a KeyAuthority before initialization.
type Option func(*KeyAuthority)

// WithValidity pins the certificate validity window.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(a *KeyAuthority) {
		a.notBefore = notBefore
		a.notAfter = notAfter
	}
}

// WithClock overrides the time source used to compute the validity window.
func WithClock(now func() time.Time) Option {
	return func(a *KeyAuthority) { a.now = now }
}

// KeyAuthority signs bytes with the process signing key. It is read-only
// after Initialize and safe for concurrent use.
type KeyAuthority struct {
	mu      sync.RWMutex
	subject Subject
	now     func() time.Time

	notBefore time.Time
	notAfter  time.Time

	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM string
}

// NewKeyAuthority returns an authority that must be initialized before use.
func NewKeyAuthority(subject Subject, opts ...Option) *KeyAuthority {
	a := &KeyAuthority{subject: subject, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FromIdentity returns an initialized authority around a loaded identity.
func FromIdentity(id *Identity) (*KeyAuthority, error) {
	if id == nil || id.Key == nil || id.Certificate == nil {
		return nil, fmt.Errorf("pki: incomplete identity")
	}
	pub, ok := id.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&id.Key.PublicKey) {
		return nil, fmt.Errorf("pki: certificate does not match private key")
	}
	return &KeyAuthority{
		subject: SubjectFromName(id.Certificate.Subject),
		now:     time.Now,
		key:     id.Key,
		cert:    id.Certificate,
		certPEM: encodeCertificate(id.Certificate.Raw),
	}, nil
}

// Initialize generates the keypair and self-signed certificate. Calling it on
// an initialized authority is a no-op.
func (a *KeyAuthority) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key != nil {
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("pki: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("pki: generate serial: %w", err)
	}

	notBefore, notAfter := a.notBefore, a.notAfter
	if notBefore.IsZero() {
		notBefore = a.now().UTC().Add(-time.Minute)
	}
	if notAfter.IsZero() {
		notAfter = notBefore.Add(DefaultValidity)
	}

	name := a.subject.pkixName()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if a.subject.Email != "" {
		tmpl.EmailAddresses = []string{a.subject.Email}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("pki: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("pki: parse certificate: %w", err)
	}

	a.key = key
	a.cert = cert
	a.certPEM = encodeCertificate(der)
	return nil
}

// Initialized reports whether key material is present.
func (a *KeyAuthority) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.key != nil
}

// Sign signs the SHA-256 digest of msg with RSA PKCS#1 v1.5.
func (a *KeyAuthority) Sign(msg []byte) ([]byte, error) {
	a.mu.RLock()
	key := a.key
	a.mu.RUnlock()
	if key == nil {
		return nil, ErrNotInitialized
	}
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("pki: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign against this authority's key.
func (a *KeyAuthority) Verify(msg, sig []byte) error {
	pub, err := a.PublicKey()
	if err != nil {
		return err
	}
	return VerifyPKCS1(pub, msg, sig)
}

// CertificatePEM returns the PEM-encoded certificate.
func (a *KeyAuthority) CertificatePEM() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cert == nil {
		return "", ErrNotInitialized
	}
	return a.certPEM, nil
}

// Certificate returns the parsed certificate.
func (a *KeyAuthority) Certificate() (*x509.Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cert == nil {
		return nil, ErrNotInitialized
	}
	return a.cert, nil
}

// PublicKey returns the public half of the signing key.
func (a *KeyAuthority) PublicKey() (*rsa.PublicKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.key == nil {
		return nil, ErrNotInitialized
	}
	return &a.key.PublicKey, nil
}

// Identity exposes the key material for persistence.
func (a *KeyAuthority) Identity() (*Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.key == nil {
		return nil, ErrNotInitialized
	}
	return &Identity{Key: a.key, Certificate: a.cert}, nil
}

// CertificateInfo is the public description of a certificate.
type CertificateInfo struct {
	Subject      Subject   `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"validFrom"`
	NotAfter     time.Time `json:"validTo"`
	Fingerprint  string    `json:"fingerprint"`
	PEM          string    `json:"-"`
}

// Info describes the authority's certificate.
func (a *KeyAuthority) Info() (*CertificateInfo, error) {
	cert, err := a.Certificate()
	if err != nil {
		return nil, err
	}
	return DescribeCertificate(cert), nil
}

// DescribeCertificate builds a CertificateInfo from any parsed certificate.
func DescribeCertificate(cert *x509.Certificate) *CertificateInfo {
	fp := sha256.Sum256(cert.Raw)
	return &CertificateInfo{
		Subject:      SubjectFromName(cert.Subject),
		Issuer:       IssuerString(cert),
		SerialNumber: hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		Fingerprint:  formatFingerprint(fp[:]),
		PEM:          encodeCertificate(cert.Raw),
	}
}

// IssuerString renders the issuer as "CN=..., O=..., C=...".
func IssuerString(cert *x509.Certificate) string {
	s := SubjectFromName(cert.Issuer)
	parts := []string{}
	if s.CommonName != "" {
		parts = append(parts, "CN="+s.CommonName)
	}
	if s.Organization != "" {
		parts = append(parts, "O="+s.Organization)
	}
	if s.Country != "" {
		parts = append(parts, "C="+s.Country)
	}
	if s.Email != "" {
		parts = append(parts, "emailAddress="+s.Email)
	}
	return strings.Join(parts, ", ")
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("pki: no CERTIFICATE block in PEM input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate: %w", err)
	}
	return cert, nil
}

// VerifyPKCS1 verifies an RSA PKCS#1 v1.5 SHA-256 signature over msg.
func VerifyPKCS1(pub crypto.PublicKey, msg, sig []byte) error {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrUnsupportedKey
	}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

func encodeCertificate(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func formatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
