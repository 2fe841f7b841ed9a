// Package filestore provides a file-backed key record store.
//
// Records are kept in a single JSON file and cached in memory. When a
// master passphrase is configured, stored key passphrases are encrypted at
// rest with Argon2id-derived NaCl secretbox keys.
//
// The package registers itself with the pgpgate store registry under the
// name "file". Import it with a blank identifier to enable file storage:
//
//	import _ "github.com/infodancer/pgpgate/filestore"
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/infodancer/pgpgate"
	"github.com/infodancer/pgpgate/errors"
)

// Store implements pgpgate.KeyStore backed by a JSON file.
type Store struct {
	path   string
	master string // optional master passphrase for secret-at-rest encryption

	mu      sync.RWMutex
	records map[int]pgpgate.KeyRecord
}

// New creates a file-backed store. The file is loaded if it exists. An
// empty master passphrase stores secrets in the clear.
func New(path, master string) (*Store, error) {
	s := &Store{
		path:    path,
		master:  master,
		records: make(map[int]pgpgate.KeyRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key records: %w", err)
	}

	var records []pgpgate.KeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse key records: %w", err)
	}

	for _, rec := range records {
		if s.master != "" && rec.Secret != "" {
			secret, err := decryptSecret(rec.Secret, s.master)
			if err != nil {
				return fmt.Errorf("decrypt secret for identity %d: %w", rec.IdentityID, err)
			}
			rec.Secret = secret
		}
		s.records[rec.IdentityID] = rec
	}
	return nil
}

// persist writes all records atomically. Callers hold the write lock.
func (s *Store) persist() error {
	records := make([]pgpgate.KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		if s.master != "" && rec.Secret != "" {
			enc, err := encryptSecret(rec.Secret, s.master)
			if err != nil {
				return fmt.Errorf("encrypt secret for identity %d: %w", rec.IdentityID, err)
			}
			rec.Secret = enc
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityID < records[j].IdentityID
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Find implements pgpgate.KeyStore.
func (s *Store) Find(ctx context.Context, identityID int) (*pgpgate.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identityID]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	return &rec, nil
}

// FindByFingerprint implements pgpgate.KeyStore.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) ([]pgpgate.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []pgpgate.KeyRecord
	for _, rec := range s.records {
		if rec.Fingerprint == fingerprint {
			matches = append(matches, rec)
		}
	}
	return matches, nil
}

// Save implements pgpgate.KeyStore.
func (s *Store) Save(ctx context.Context, rec pgpgate.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.IdentityID]; exists {
		return errors.ErrKeyExists
	}
	s.records[rec.IdentityID] = rec
	if err := s.persist(); err != nil {
		delete(s.records, rec.IdentityID)
		return err
	}
	return nil
}

// Delete implements pgpgate.KeyStore.
func (s *Store) Delete(ctx context.Context, identityID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[identityID]
	if !exists {
		return false, nil
	}
	delete(s.records, identityID)
	if err := s.persist(); err != nil {
		s.records[identityID] = rec
		return false, err
	}
	return true, nil
}

// List implements pgpgate.KeyStore.
func (s *Store) List(ctx context.Context) ([]pgpgate.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]pgpgate.KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityID < records[j].IdentityID
	})
	return records, nil
}

// Compile-time interface verification.
var _ pgpgate.KeyStore = (*Store)(nil)
