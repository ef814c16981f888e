package sigrequest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

// Key layout:
//
//	req/<id>                          request JSON
//	sig/<id>                          signature JSON
//	docsig/<b64(documentId)>/<signedAt>/<id> index, empty value
const (
	prefixRequest   = "req/"
	prefixSignature = "sig/"
	prefixDocIndex  = "docsig/"
)

// BadgerStore keeps requests and signatures in an embedded Badger database.
// Every compare-and-swap runs in one read-write transaction; Badger rejects
// the commit with ErrConflict if another transaction touched the same key.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, logger zerolog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}
	opts = opts.
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) CreateRequest(_ context.Context, req *SignatureRequest) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefixRequest + req.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, key, req)
	})
}

func (s *BadgerStore) GetRequest(_ context.Context, id string) (*SignatureRequest, error) {
	var req SignatureRequest
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixRequest+id), &req, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BadgerStore) UpdateRequest(_ context.Context, req *SignatureRequest, expected Match) error {
	return s.update(func(txn *badger.Txn) error {
		return swapRequest(txn, req, expected)
	})
}

func (s *BadgerStore) CompleteRequest(_ context.Context, req *SignatureRequest, expected Match, sig *Signature) error {
	return s.update(func(txn *badger.Txn) error {
		if err := swapRequest(txn, req, expected); err != nil {
			return err
		}
		key := []byte(prefixSignature + sig.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putJSON(txn, key, sig); err != nil {
			return err
		}
		return txn.Set(docIndexKey(sig), []byte{})
	})
}

func swapRequest(txn *badger.Txn, req *SignatureRequest, expected Match) error {
	key := []byte(prefixRequest + req.ID)
	var cur SignatureRequest
	if err := getJSON(txn, key, &cur, ErrNotFound); err != nil {
		return err
	}
	if MatchOf(&cur) != expected {
		return ErrConflict
	}
	return putJSON(txn, key, req)
}

func (s *BadgerStore) GetSignature(_ context.Context, id string) (*Signature, error) {
	var sig Signature
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixSignature+id), &sig, ErrSignatureNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignaturesByDocument walks the per-document index, which is already in
// signing order.
func (s *BadgerStore) ListSignaturesByDocument(_ context.Context, documentID string, limit, offset int) ([]*Signature, int, error) {
	prefix := docIndexPrefix(documentID)
	sigs := []*Signature{}
	total := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			total++
			if total <= offset || (limit > 0 && len(sigs) >= limit) {
				continue
			}
			k := string(it.Item().Key())
			id := k[strings.LastIndex(k, "/")+1:]

			var sig Signature
			if err := getJSON(txn, []byte(prefixSignature+id), &sig, ErrSignatureNotFound); err != nil {
				return err
			}
			sigs = append(sigs, &sig)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list signatures: %w", err)
	}
	return sigs, total, nil
}

func (s *BadgerStore) UpdateSignature(_ context.Context, sig *Signature, expected SignatureStatus) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefixSignature + sig.ID)
		var cur Signature
		if err := getJSON(txn, key, &cur, ErrSignatureNotFound); err != nil {
			return err
		}
		if cur.Status != expected {
			return ErrConflict
		}
		return putJSON(txn, key, sig)
	})
}

// update runs fn in a read-write transaction and folds Badger's own conflict
// error into ErrConflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// docIndexPrefix encodes the document id so that no id is a key prefix of
// another: ids may contain "/".
func docIndexPrefix(documentID string) []byte {
	return []byte(prefixDocIndex + base64.RawURLEncoding.EncodeToString([]byte(documentID)) + "/")
}

// docIndexKey sorts by signing time within a document. RFC 3339 with fixed
// millisecond precision in UTC orders lexically.
func docIndexKey(sig *Signature) []byte {
	key := docIndexPrefix(sig.DocumentID)
	return append(key, sig.SignedAt.UTC().Format("2006-01-02T15:04:05.000Z")+"/"+sig.ID...)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, b)
}

func getJSON(txn *badger.Txn, key []byte, v any, notFound error) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}
