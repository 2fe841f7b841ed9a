package filestore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/infodancer/pgpgate/errors"
)

const (
	// Encrypted secret format: salt (32B) || nonce (24B) || ciphertext,
	// base64-encoded for JSON storage.
	saltSize  = 32
	nonceSize = 24

	// Argon2id parameters for key derivation
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// encryptSecret encrypts a key passphrase with a key derived from the
// master passphrase.
func encryptSecret(secret, master string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var key [32]byte
	derived := argon2.IDKey([]byte(master), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	copy(key[:], derived)

	sealed := secretbox.Seal(nil, []byte(secret), &nonce, &key)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// decryptSecret reverses encryptSecret.
func decryptSecret(encoded, master string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.ErrInvalidKeyFormat
	}
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return "", errors.ErrInvalidKeyFormat
	}

	salt := data[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	ciphertext := data[saltSize+nonceSize:]

	var key [32]byte
	derived := argon2.IDKey([]byte(master), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	copy(key[:], derived)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return "", errors.ErrBadPassphrase
	}
	return string(plaintext), nil
}
