package pgpgate

import "context"

// KeyRecord is the durable mapping from an identity to a key fingerprint.
// At most one record exists per identity. Records are never mutated in
// place; replacement is delete followed by import.
type KeyRecord struct {
	// IdentityID is the owning identity. ServerIdentityID denotes the
	// server's own key.
	IdentityID int `json:"identity_id"`

	// Fingerprint is the 40-hex-character fingerprint of the key in the
	// engine's keyring.
	Fingerprint string `json:"fingerprint"`

	// Secret is the passphrase unlocking the private half of the key.
	// Only set for the server identity.
	Secret string `json:"secret,omitempty"`
}

// KeyStore persists key records. Implementations must support concurrent
// reads; the KeyRegistry serializes mutations above this interface.
type KeyStore interface {
	// Find returns the record for an identity.
	// Returns errors.ErrRecordNotFound if none exists.
	Find(ctx context.Context, identityID int) (*KeyRecord, error)

	// FindByFingerprint returns all records sharing a fingerprint.
	// Several identities may reference the same key material.
	FindByFingerprint(ctx context.Context, fingerprint string) ([]KeyRecord, error)

	// Save persists a new record. Returns errors.ErrKeyExists if the
	// identity already has one.
	Save(ctx context.Context, rec KeyRecord) error

	// Delete removes the record for an identity. Reports whether a record
	// was removed.
	Delete(ctx context.Context, identityID int) (bool, error)

	// List returns all records.
	List(ctx context.Context) ([]KeyRecord, error)
}
