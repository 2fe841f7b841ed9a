// Package errors provides centralized error definitions for pgpgate.
package errors

import "errors"

// Key registry errors.
var (
	// ErrInvalidKeyFormat indicates the key text does not match the expected
	// armor envelope (public-key armor for users, private-key armor for the
	// server identity).
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrKeyExists indicates the identity already has a registered key.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound indicates no key material exists for the fingerprint.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBadPassphrase indicates the passphrase round-trip proof for a
	// server key failed.
	ErrBadPassphrase = errors.New("bad passphrase")

	// ErrImportFailed indicates the engine accepted the import call but
	// produced no usable key.
	ErrImportFailed = errors.New("key import failed")

	// ErrPermissionDenied indicates the caller is not allowed to modify the
	// target identity's key.
	ErrPermissionDenied = errors.New("permission denied")
)

// Key record store errors.
var (
	// ErrRecordNotFound indicates no key record exists for the identity.
	ErrRecordNotFound = errors.New("key record not found")

	// ErrStoreNotRegistered indicates the requested store type is not registered.
	ErrStoreNotRegistered = errors.New("store type not registered")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")
)

// Identity errors.
var (
	// ErrIdentityNotFound indicates the address matched no directory entry.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Delivery errors.
var (
	// ErrNoRecipients indicates no valid recipients were provided.
	ErrNoRecipients = errors.New("no recipients")

	// ErrDeliveryFailed indicates message delivery failed.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrPathTraversal indicates a mailbox name would escape the base directory.
	ErrPathTraversal = errors.New("path traversal")
)
