package sigrequest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "doctrust"

// TokenClaims binds a signing token to one request and the document state it
// was issued for.
type TokenClaims struct {
	jwt.RegisteredClaims
	RequestID    string `json:"requestId"`
	DocumentID   string `json:"documentId"`
	SignerCRM    string `json:"signerCrm"`
	DocumentHash string `json:"documentHash"`
}

// Tokens issues and checks HS256 signing tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret []byte, now func() time.Time) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing token secret is empty")
	}
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: secret, now: now}, nil
}

// Issue returns a token that expires together with req.
func (t *Tokens) Issue(req *SignatureRequest) (string, error) {
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   req.SignerCRM,
			IssuedAt:  jwt.NewNumericDate(req.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(req.ExpiresAt)),
		},
		RequestID:    req.ID,
		DocumentID:   req.DocumentID,
		SignerCRM:    req.SignerCRM,
		DocumentHash: req.DocumentHash,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ceilSecond rounds up to the whole second a NumericDate can carry, so the
// token never dies before its request. The request's own expiry is checked
// separately.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// Parse validates signature, issuer and expiry. Every failure wraps
// ErrInvalidToken.
func (t *Tokens) Parse(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Matches reports whether the claims were issued for req as it stands.
func (c *TokenClaims) Matches(req *SignatureRequest) bool {
	return c.RequestID == req.ID &&
		c.DocumentID == req.DocumentID &&
		c.SignerCRM == req.SignerCRM &&
		c.DocumentHash == req.DocumentHash
}
