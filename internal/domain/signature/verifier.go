package signature

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/pki"
)

// Verifier checks (document, signature, certificate) triples without any
// access to the signing key.
type Verifier struct {
	options
}

func NewVerifier(opts ...Option) *Verifier {
	return &Verifier{options: buildOptions(opts)}
}

// Verify recomputes everything it can from doc and reports each check.
// Validation failures land in the result; the only error is
// ErrMalformedCertificate, returned together with a result describing it.
func (v *Verifier) Verify(doc SignedDocument, signatureB64, certPEM string) (*VerificationResult, error) {
	res := &VerificationResult{ValidationErrors: []string{}}
	defer func() { v.metrics.Verification(res.IsValid) }()

	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		res.ValidationErrors = append(res.ValidationErrors, "certificate could not be parsed")
		return res, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}

	res.CertificateValid = true
	if err := cert.CheckSignatureFrom(cert); err != nil {
		res.CertificateValid = false
		res.ValidationErrors = append(res.ValidationErrors, "certificate self-signature is invalid")
	}

	subject := pki.SubjectFromName(cert.Subject)
	res.SignerInfo = &SignerInfo{
		CommonName:   subject.CommonName,
		Organization: subject.Organization,
		Country:      subject.Country,
		Email:        subject.Email,
	}
	if res.SignerInfo.Email == "" && len(cert.EmailAddresses) > 0 {
		res.SignerInfo.Email = cert.EmailAddresses[0]
	}

	now := v.now()
	res.TimestampValid = !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
	if !res.TimestampValid {
		res.ValidationErrors = append(res.ValidationErrors, fmt.Sprintf(
			"certificate is not valid at %s (valid from %s to %s)",
			canonical.FormatTime(now), canonical.FormatTime(cert.NotBefore), canonical.FormatTime(cert.NotAfter)))
	}

	expected, err := canonical.Fingerprint(doc.Document)
	if err != nil {
		return nil, fmt.Errorf("fingerprint document: %w", err)
	}
	res.HashMatch = subtle.ConstantTimeCompare([]byte(expected), []byte(doc.Hash)) == 1
	if !res.HashMatch {
		res.ValidationErrors = append(res.ValidationErrors, "document hash mismatch: document may have been modified")
	}

	// The caller's hash is only compared above; the signature is always
	// checked against the recomputed one.
	payload, err := signablePayload(expected, doc.SignedAt, doc.SignerID, doc.Document.ID)
	if err != nil {
		return nil, fmt.Errorf("build signable payload: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	switch {
	case err != nil:
		res.ValidationErrors = append(res.ValidationErrors, "signature is not valid base64")
	case pki.VerifyPKCS1(cert.PublicKey, payload, sig) != nil:
		res.ValidationErrors = append(res.ValidationErrors, "signature verification failed")
	}

	res.IsValid = res.CertificateValid && res.TimestampValid && res.HashMatch && len(res.ValidationErrors) == 0
	return res, nil
}
