package signature

import (
	"context"
	"sync"
)

// DocumentRepository is the slice of the records system that signing needs.
type DocumentRepository interface {
	Create(ctx context.Context, doc *StoredDocument) error
	Get(ctx context.Context, id string) (*StoredDocument, error)
	MarkSigned(ctx context.Context, id string, state SignedState) error
}

type memoryDocumentRepo struct {
	mu   sync.RWMutex
	docs map[string]StoredDocument
}

// NewMemoryDocumentRepo returns a process-local repository.
func NewMemoryDocumentRepo() DocumentRepository {
	return &memoryDocumentRepo{docs: make(map[string]StoredDocument)}
}

func (r *memoryDocumentRepo) Create(_ context.Context, doc *StoredDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return ErrDocumentExists
	}
	r.docs[doc.ID] = *doc
	return nil
}

func (r *memoryDocumentRepo) Get(_ context.Context, id string) (*StoredDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &doc, nil
}

func (r *memoryDocumentRepo) MarkSigned(_ context.Context, id string, state SignedState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.SignedState = state
	r.docs[id] = doc
	return nil
}
