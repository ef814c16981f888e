package signature

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/doctrust/internal/platform/db"
	"github.com/ehr/doctrust/internal/platform/hipaa"
)

// documentRepoPG stores documents in Postgres. Columns listed in
// hipaa.DefaultPHIFields are sealed before they are written.
type documentRepoPG struct {
	q   db.Querier
	enc *hipaa.EncryptionService
}

func NewDocumentRepoPG(q db.Querier, enc *hipaa.EncryptionService) DocumentRepository {
	return &documentRepoPG{q: q, enc: enc}
}

func (r *documentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.q)
}

const docCols = `id, title, content, patient_name, doctor_name, created_at,
	is_signed, signed_at, signer_id, hash, signature, certificate, qr_code`

func (r *documentRepoPG) Create(ctx context.Context, doc *StoredDocument) error {
	patient, err := r.enc.EncryptField(doc.PatientName)
	if err != nil {
		return fmt.Errorf("encrypt patient_name: %w", err)
	}
	content, err := r.enc.EncryptField(doc.Content)
	if err != nil {
		return fmt.Errorf("encrypt content: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO documents (id, title, content, patient_name, doctor_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		doc.ID, doc.Title, content, patient, doc.DoctorName, doc.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDocumentExists
	}
	return err
}

func (r *documentRepoPG) Get(ctx context.Context, id string) (*StoredDocument, error) {
	var d StoredDocument
	var signerID, hash, sig, cert, qr *string
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM documents WHERE id = $1`, id).Scan(
		&d.ID, &d.Title, &d.Content, &d.PatientName, &d.DoctorName, &d.CreatedAt,
		&d.IsSigned, &d.SignedAt, &signerID, &hash, &sig, &cert, &qr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}

	if d.PatientName, err = r.enc.DecryptField(d.PatientName); err != nil {
		return nil, fmt.Errorf("decrypt patient_name: %w", err)
	}
	if d.Content, err = r.enc.DecryptField(d.Content); err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.SignerID, d.Hash, d.Signature, d.Certificate, d.QRCode = deref(signerID), deref(hash), deref(sig), deref(cert), deref(qr)
	return &d, nil
}

func (r *documentRepoPG) MarkSigned(ctx context.Context, id string, s SignedState) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE documents SET is_signed = $2, signed_at = $3, signer_id = $4, hash = $5,
			signature = $6, certificate = $7, qr_code = $8, updated_at = NOW()
		WHERE id = $1`,
		id, s.IsSigned, s.SignedAt, s.SignerID, s.Hash, s.Signature, s.Certificate, s.QRCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
