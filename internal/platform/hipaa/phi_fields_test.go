package hipaa

import "testing"

func TestDefaultPHIFields_Documents(t *testing.T) {
	if !IsPHIColumn("documents", "patient_name") {
		t.Error("expected documents.patient_name to be encrypted")
	}
	if !IsPHIColumn("documents", "content") {
		t.Error("expected documents.content to be encrypted")
	}
	if IsPHIColumn("documents", "hash") {
		t.Error("hash must stay in plaintext")
	}
	if IsPHIColumn("signature_requests", "patient_name") {
		t.Error("unexpected table match")
	}
}
