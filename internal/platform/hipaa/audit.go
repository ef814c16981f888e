package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehr/doctrust/internal/platform/db"
	"github.com/google/uuid"
)

// Audit actions recorded against a document.
const (
	ActionDocumentSigned          = "DOCUMENT_SIGNED"
	ActionDocumentVerified        = "DOCUMENT_VERIFIED"
	ActionTimestampIssued         = "TIMESTAMP_ISSUED"
	ActionSignatureRequested      = "SIGNATURE_REQUESTED"
	ActionSignatureCompleted      = "SIGNATURE_COMPLETED"
	ActionSignatureAttemptFailed  = "SIGNATURE_ATTEMPT_FAILED"
	ActionSignatureRequestBlocked = "SIGNATURE_REQUEST_BLOCKED"
	ActionSignatureRequestExpired = "SIGNATURE_REQUEST_EXPIRED"
	ActionSignatureRevoked        = "SIGNATURE_REVOKED"
)

// AuditLogEntry is one append-only row of a document's history.
type AuditLogEntry struct {
	ID         uuid.UUID      `json:"id"`
	DocumentID string         `json:"documentId"`
	Action     string         `json:"action"`
	ActorName  string         `json:"actorName,omitempty"`
	ActorEmail string         `json:"actorEmail,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AuditTrail stores and lists audit entries. Entries are never updated or
// deleted.
type AuditTrail interface {
	Append(ctx context.Context, entry *AuditLogEntry) error
	// ListByDocument returns entries oldest first.
	ListByDocument(ctx context.Context, documentID string) ([]*AuditLogEntry, error)
}

// ClientInfo identifies the caller behind a request: who, and from where.
type ClientInfo struct {
	ActorName  string
	ActorEmail string
	IPAddress  string
	UserAgent  string
}

type clientKey struct{}

// WithClient attaches client details that Append copies into entries that
// do not set their own.
func WithClient(ctx context.Context, ci ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, ci)
}

// ClientFromContext returns the client attached by WithClient, if any.
func ClientFromContext(ctx context.Context) ClientInfo {
	ci, _ := ctx.Value(clientKey{}).(ClientInfo)
	return ci
}

func prepare(ctx context.Context, entry *AuditLogEntry) {
	ci := ClientFromContext(ctx)
	if entry.ActorName == "" {
		entry.ActorName = ci.ActorName
	}
	if entry.ActorEmail == "" {
		entry.ActorEmail = ci.ActorEmail
	}
	if entry.IPAddress == "" {
		entry.IPAddress = ci.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = ci.UserAgent
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}

// PGAuditTrail writes to the document_audit_log table. Appends join the
// transaction bound to ctx, if any.
type PGAuditTrail struct {
	q db.Querier
}

func NewPGAuditTrail(q db.Querier) *PGAuditTrail {
	return &PGAuditTrail{q: q}
}

func (a *PGAuditTrail) Append(ctx context.Context, entry *AuditLogEntry) error {
	prepare(ctx, entry)

	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO document_audit_log (
			id, document_id, action, actor_name, actor_email,
			metadata, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.QuerierFromContext(ctx, a.q).Exec(ctx, query,
		entry.ID, entry.DocumentID, entry.Action, nullable(entry.ActorName), nullable(entry.ActorEmail),
		metadata, nullable(entry.IPAddress), nullable(entry.UserAgent), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (a *PGAuditTrail) ListByDocument(ctx context.Context, documentID string) ([]*AuditLogEntry, error) {
	const query = `
		SELECT id, document_id, action, COALESCE(actor_name, ''), COALESCE(actor_email, ''),
			metadata, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM document_audit_log
		WHERE document_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := db.QuerierFromContext(ctx, a.q).Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Action, &e.ActorName, &e.ActorEmail,
			&metadata, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MemoryAuditTrail keeps entries in process memory. Used in development and
// tests.
type MemoryAuditTrail struct {
	mu      sync.RWMutex
	entries []*AuditLogEntry
}

func NewMemoryAuditTrail() *MemoryAuditTrail {
	return &MemoryAuditTrail{}
}

func (m *MemoryAuditTrail) Append(ctx context.Context, entry *AuditLogEntry) error {
	prepare(ctx, entry)
	cp := *entry
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAuditTrail) ListByDocument(_ context.Context, documentID string) ([]*AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditLogEntry
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
