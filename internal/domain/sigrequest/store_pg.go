package sigrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/doctrust/internal/platform/db"
)

// PGStore keeps requests and signatures in Postgres. Updates are
// conditional on the expected state, which makes the workflow safe across
// several server instances.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, s.pool)
}

const requestCols = `id, document_id, document_hash, signer_name, signer_crm, signer_email,
	requested_by, status, token, attempts, max_attempts, created_at, expires_at, updated_at,
	signature_id, signed_at`

func (s *PGStore) CreateRequest(ctx context.Context, req *SignatureRequest) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO signature_requests (`+requestCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, req.DocumentID, req.DocumentHash, req.SignerName, req.SignerCRM, req.SignerEmail,
		nullable(req.RequestedBy), string(req.Status), req.Token, req.Attempts, req.MaxAttempts,
		req.CreatedAt, req.ExpiresAt, req.UpdatedAt, nullable(req.SignatureID), req.SignedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert signature request: %w", err)
	}
	return nil
}

func (s *PGStore) GetRequest(ctx context.Context, id string) (*SignatureRequest, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM signature_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func scanRequest(row pgx.Row) (*SignatureRequest, error) {
	var r SignatureRequest
	var status string
	var requestedBy, signatureID *string
	if err := row.Scan(&r.ID, &r.DocumentID, &r.DocumentHash, &r.SignerName, &r.SignerCRM, &r.SignerEmail,
		&requestedBy, &status, &r.Token, &r.Attempts, &r.MaxAttempts, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt,
		&signatureID, &r.SignedAt); err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.RequestedBy = deref(requestedBy)
	r.SignatureID = deref(signatureID)
	r.CreatedAt, r.ExpiresAt, r.UpdatedAt = r.CreatedAt.UTC(), r.ExpiresAt.UTC(), r.UpdatedAt.UTC()
	if r.SignedAt != nil {
		t := r.SignedAt.UTC()
		r.SignedAt = &t
	}
	return &r, nil
}

func (s *PGStore) UpdateRequest(ctx context.Context, req *SignatureRequest, expected Match) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE signature_requests
		SET status = $2, attempts = $3, updated_at = $4, signature_id = $5, signed_at = $6
		WHERE id = $1 AND status = $7 AND attempts = $8`,
		req.ID, string(req.Status), req.Attempts, req.UpdatedAt, nullable(req.SignatureID), req.SignedAt,
		string(expected.Status), expected.Attempts)
	if err != nil {
		return fmt.Errorf("update signature request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, req.ID)
	}
	return nil
}

// missOrConflict tells a missing row from a failed compare.
func (s *PGStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signature_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check signature request: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PGStore) CompleteRequest(ctx context.Context, req *SignatureRequest, expected Match, sig *Signature) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.UpdateRequest(ctx, req, expected); err != nil {
			return err
		}
		return s.insertSignature(ctx, sig)
	})
}

const signatureCols = `id, request_id, document_id, document_hash, signer_name, signer_crm, signer_email,
	method, signed_at, signature_hash, signature_value, certificate_info, status,
	revocation_reason, revoked_by, revoked_at, revocation_note, ip_address, user_agent`

func (s *PGStore) insertSignature(ctx context.Context, sig *Signature) error {
	certInfo, err := json.Marshal(sig.CertificateInfo)
	if err != nil {
		return fmt.Errorf("marshal certificate info: %w", err)
	}
	reason, by, at, note := revocationColumns(sig.Revocation)
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO signatures (`+signatureCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		sig.ID, sig.RequestID, sig.DocumentID, sig.DocumentHash, sig.SignerName, sig.SignerCRM,
		nullable(sig.SignerEmail), string(sig.Method), sig.SignedAt, sig.SignatureHash, nullable(sig.SignatureValue),
		certInfo, string(sig.Status), reason, by, at, note, nullable(sig.IPAddress), nullable(sig.UserAgent))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

func (s *PGStore) GetSignature(ctx context.Context, id string) (*Signature, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+signatureCols+` FROM signatures WHERE id = $1`, id)
	sig, err := scanSignature(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSignatureNotFound
	}
	return sig, err
}

func (s *PGStore) ListSignaturesByDocument(ctx context.Context, documentID string, limit, offset int) ([]*Signature, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM signatures WHERE document_id = $1`, documentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count signatures: %w", err)
	}

	// LIMIT NULL is no limit, matching the other stores for limit 0.
	var pageSize *int
	if limit > 0 {
		pageSize = &limit
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+signatureCols+` FROM signatures
		WHERE document_id = $1 ORDER BY signed_at ASC, id ASC LIMIT $2 OFFSET $3`,
		documentID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	sigs := []*Signature{}
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, 0, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, total, rows.Err()
}

func scanSignature(row pgx.Row) (*Signature, error) {
	var sig Signature
	var method, status string
	var email, value, ip, ua *string
	var reason, by, note *string
	var revokedAt *time.Time
	var certInfo []byte
	if err := row.Scan(&sig.ID, &sig.RequestID, &sig.DocumentID, &sig.DocumentHash, &sig.SignerName, &sig.SignerCRM,
		&email, &method, &sig.SignedAt, &sig.SignatureHash, &value, &certInfo, &status,
		&reason, &by, &revokedAt, &note, &ip, &ua); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(certInfo, &sig.CertificateInfo); err != nil {
		return nil, fmt.Errorf("decode certificate info: %w", err)
	}
	sig.Method = Method(method)
	sig.Status = SignatureStatus(status)
	sig.SignerEmail, sig.SignatureValue, sig.IPAddress, sig.UserAgent = deref(email), deref(value), deref(ip), deref(ua)
	sig.SignedAt = sig.SignedAt.UTC()
	if reason != nil && revokedAt != nil {
		sig.Revocation = &Revocation{
			Reason:    RevocationReason(*reason),
			RevokedBy: deref(by),
			RevokedAt: revokedAt.UTC(),
			Note:      deref(note),
		}
	}
	return &sig, nil
}

func (s *PGStore) UpdateSignature(ctx context.Context, sig *Signature, expected SignatureStatus) error {
	reason, by, at, note := revocationColumns(sig.Revocation)
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE signatures
		SET status = $2, revocation_reason = $3, revoked_by = $4, revoked_at = $5, revocation_note = $6
		WHERE id = $1 AND status = $7`,
		sig.ID, string(sig.Status), reason, by, at, note, string(expected))
	if err != nil {
		return fmt.Errorf("update signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSignature(ctx, sig.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func revocationColumns(rev *Revocation) (reason, by *string, at *time.Time, note *string) {
	if rev == nil {
		return nil, nil, nil, nil
	}
	r := string(rev.Reason)
	t := rev.RevokedAt
	return &r, nullable(rev.RevokedBy), &t, nullable(rev.Note)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
