package pgpgate

import (
	"context"
	"sort"
	"sync"

	"github.com/infodancer/pgpgate/errors"
)

func init() {
	RegisterStore("memory", func(config StoreConfig) (KeyStore, error) {
		return NewMemStore(), nil
	})
}

// MemStore is an in-memory KeyStore. Used for tests and for hosts that
// manage persistence themselves.
type MemStore struct {
	mu      sync.RWMutex
	records map[int]KeyRecord
}

// NewMemStore creates an empty in-memory key store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[int]KeyRecord)}
}

// Find implements KeyStore.
func (s *MemStore) Find(ctx context.Context, identityID int) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identityID]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	return &rec, nil
}

// FindByFingerprint implements KeyStore.
func (s *MemStore) FindByFingerprint(ctx context.Context, fingerprint string) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []KeyRecord
	for _, rec := range s.records {
		if rec.Fingerprint == fingerprint {
			matches = append(matches, rec)
		}
	}
	return matches, nil
}

// Save implements KeyStore.
func (s *MemStore) Save(ctx context.Context, rec KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.IdentityID]; exists {
		return errors.ErrKeyExists
	}
	s.records[rec.IdentityID] = rec
	return nil
}

// Delete implements KeyStore.
func (s *MemStore) Delete(ctx context.Context, identityID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[identityID]; !exists {
		return false, nil
	}
	delete(s.records, identityID)
	return true, nil
}

// List implements KeyStore.
func (s *MemStore) List(ctx context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityID < records[j].IdentityID
	})
	return records, nil
}

// Compile-time interface verification.
var _ KeyStore = (*MemStore)(nil)
