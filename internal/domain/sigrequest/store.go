package sigrequest

import (
	"context"
	"sort"
	"sync"
)

// Match is the state an update expects to find. Writes that find anything
// else fail with ErrConflict, so two racing attempts cannot both succeed or
// both spend the same attempt.
type Match struct {
	Status   RequestStatus
	Attempts int
}

// MatchOf captures the current state of req.
func MatchOf(req *SignatureRequest) Match {
	return Match{Status: req.Status, Attempts: req.Attempts}
}

// Store persists requests and the signatures they produce.
type Store interface {
	CreateRequest(ctx context.Context, req *SignatureRequest) error
	GetRequest(ctx context.Context, id string) (*SignatureRequest, error)
	UpdateRequest(ctx context.Context, req *SignatureRequest, expected Match) error
	// CompleteRequest stores sig and updates req in one atomic step.
	CompleteRequest(ctx context.Context, req *SignatureRequest, expected Match, sig *Signature) error

	GetSignature(ctx context.Context, id string) (*Signature, error)
	ListSignaturesByDocument(ctx context.Context, documentID string, limit, offset int) ([]*Signature, int, error)
	UpdateSignature(ctx context.Context, sig *Signature, expected SignatureStatus) error
}

// MemoryStore keeps everything in process memory. It is only safe for a
// single instance.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]SignatureRequest
	signatures map[string]Signature
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[string]SignatureRequest),
		signatures: make(map[string]Signature),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *SignatureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrConflict
	}
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*SignatureRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, req *SignatureRequest, expected Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRequest(req.ID, expected); err != nil {
		return err
	}
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) CompleteRequest(_ context.Context, req *SignatureRequest, expected Match, sig *Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRequest(req.ID, expected); err != nil {
		return err
	}
	if _, ok := m.signatures[sig.ID]; ok {
		return ErrConflict
	}
	m.signatures[sig.ID] = *sig
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) checkRequest(id string, expected Match) error {
	cur, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if MatchOf(&cur) != expected {
		return ErrConflict
	}
	return nil
}

func (m *MemoryStore) GetSignature(_ context.Context, id string) (*Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signatures[id]
	if !ok {
		return nil, ErrSignatureNotFound
	}
	return copySignature(sig), nil
}

func (m *MemoryStore) ListSignaturesByDocument(_ context.Context, documentID string, limit, offset int) ([]*Signature, int, error) {
	m.mu.RLock()
	var all []*Signature
	for _, sig := range m.signatures {
		if sig.DocumentID == documentID {
			all = append(all, copySignature(sig))
		}
	}
	m.mu.RUnlock()

	sortSignatures(all)
	return page(all, limit, offset), len(all), nil
}

func (m *MemoryStore) UpdateSignature(_ context.Context, sig *Signature, expected SignatureStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.signatures[sig.ID]
	if !ok {
		return ErrSignatureNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	m.signatures[sig.ID] = *copySignature(*sig)
	return nil
}

func copySignature(sig Signature) *Signature {
	if sig.Revocation != nil {
		rev := *sig.Revocation
		sig.Revocation = &rev
	}
	return &sig
}

// sortSignatures orders oldest first, ties broken by id.
func sortSignatures(sigs []*Signature) {
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].SignedAt.Equal(sigs[j].SignedAt) {
			return sigs[i].ID < sigs[j].ID
		}
		return sigs[i].SignedAt.Before(sigs[j].SignedAt)
	})
}

func page(sigs []*Signature, limit, offset int) []*Signature {
	if offset >= len(sigs) {
		return []*Signature{}
	}
	end := len(sigs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return sigs[offset:end]
}
