package sigrequest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to RequestStatus
		allowed  bool
	}{
		{StatusPending, StatusSigned, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusPending, false},
		{StatusSigned, StatusPending, false},
		{StatusSigned, StatusExpired, false},
		{StatusExpired, StatusSigned, false},
		{StatusExpired, StatusPending, false},
		{StatusBlocked, StatusPending, false},
		{StatusBlocked, StatusSigned, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRequestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusSigned.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.True(t, StatusBlocked.IsTerminal())
}

func TestSignatureRequest_Transition(t *testing.T) {
	at := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	req := &SignatureRequest{Status: StatusPending}

	require.NoError(t, req.Transition(StatusSigned, at))
	assert.Equal(t, StatusSigned, req.Status)
	assert.Equal(t, at, req.UpdatedAt)

	err := req.Transition(StatusBlocked, at.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusSigned, req.Status)
	assert.Equal(t, at, req.UpdatedAt)
}

func TestSignatureRequest_ExpiredAt(t *testing.T) {
	deadline := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC)
	req := &SignatureRequest{ExpiresAt: deadline}

	assert.False(t, req.ExpiredAt(deadline.Add(-time.Second)))
	assert.False(t, req.ExpiredAt(deadline))
	assert.True(t, req.ExpiredAt(deadline.Add(time.Millisecond)))
}

func TestSignatureRequest_Redacted(t *testing.T) {
	req := SignatureRequest{ID: "r1", Token: "secret"}
	red := req.Redacted()
	assert.Empty(t, red.Token)
	assert.Equal(t, "r1", red.ID)
	assert.Equal(t, "secret", req.Token)
}

func TestSignature_Revoke(t *testing.T) {
	sig := &Signature{Status: SignatureValid}
	first := Revocation{Reason: ReasonCompromise, RevokedBy: "admin", RevokedAt: time.Now()}
	require.NoError(t, sig.Revoke(first))
	assert.Equal(t, SignatureRevoked, sig.Status)

	err := sig.Revoke(Revocation{Reason: ReasonSuperseded, RevokedBy: "someone-else"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ReasonCompromise, sig.Revocation.Reason)
	assert.Equal(t, "admin", sig.Revocation.RevokedBy)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodPassword, m)

	for _, in := range []string{"password", "certificate", "token"} {
		m, err := ParseMethod(in)
		require.NoError(t, err)
		assert.Equal(t, Method(in), m)
	}

	_, err = ParseMethod("biometric")
	assert.True(t, errors.Is(err, ErrInvalidMethod))
}

func TestParseRevocationReason(t *testing.T) {
	for _, in := range []string{"compromise", "superseded", "cessation", "unspecified"} {
		r, err := ParseRevocationReason(in)
		require.NoError(t, err)
		assert.Equal(t, RevocationReason(in), r)
	}
	_, err := ParseRevocationReason("")
	assert.ErrorIs(t, err, ErrInvalidReason)
	_, err = ParseRevocationReason("keyCompromise")
	assert.ErrorIs(t, err, ErrInvalidReason)
}
