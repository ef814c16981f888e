// Package canonical turns documents into a stable byte sequence and a
// SHA-256 fingerprint. Serialization follows RFC 8785 (JSON Canonicalization
// Scheme), so object keys are always emitted in lexicographic order no matter
// how the value was built.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// TimeLayout is the timestamp format used inside every canonical payload.
// Millisecond precision, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Document is the projection input. Only the stable fields take part in the
// fingerprint; GeneratedAt, Counter and Metadata are set at render time and
// are ignored on purpose.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	PatientName string    `json:"patientName"`
	DoctorName  string    `json:"doctorName"`

	GeneratedAt time.Time         `json:"generatedAt,omitempty"`
	Counter     int               `json:"counter,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FormatTime renders t the way canonical payloads expect.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Project returns the fixed field set that identifies a document.
func Project(doc Document) map[string]any {
	return map[string]any{
		"documentId":  doc.ID,
		"content":     doc.Content,
		"createdAt":   FormatTime(doc.CreatedAt),
		"patientName": doc.PatientName,
		"doctorName":  doc.DoctorName,
		"title":       doc.Title,
	}
}

// Canonicalize serializes v to canonical JSON.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Sum returns the hex SHA-256 of the canonical form of v.
func Sum(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// Fingerprint computes the document fingerprint.
func Fingerprint(doc Document) (string, error) {
	return Sum(Project(doc))
}

// projectedKeys lists the only keys FingerprintMap reads.
var projectedKeys = []string{"documentId", "content", "createdAt", "patientName", "doctorName", "title"}

// FingerprintMap fingerprints a loosely typed document, e.g. one decoded from
// a request body. "id" is accepted as an alias of "documentId". Unknown keys
// are dropped, and createdAt strings in RFC 3339 form are normalized so that
// "2024-01-15T10:00:00Z" and "2024-01-15T10:00:00.000Z" hash the same.
func FingerprintMap(m map[string]any) (string, error) {
	projected := make(map[string]any, len(projectedKeys))
	for _, k := range projectedKeys {
		v, ok := m[k]
		if !ok && k == "documentId" {
			v, ok = m["id"]
		}
		if !ok || v == nil {
			v = ""
		}
		projected[k] = v
	}
	if s, ok := projected["createdAt"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			projected["createdAt"] = FormatTime(t)
		}
	}
	return Sum(projected)
}
