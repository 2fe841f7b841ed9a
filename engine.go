package pgpgate

import "context"

// Signature describes one signature found on a message.
type Signature struct {
	// Fingerprint is the 40-hex-character fingerprint of the signing key
	// (a subkey fingerprint when a signing subkey made the signature).
	Fingerprint string
}

// DecryptResult is the outcome of decrypting a message with verification
// requested in the same step.
type DecryptResult struct {
	// Plaintext is the decrypted content.
	Plaintext []byte

	// Signed reports whether the message carried any signature.
	Signed bool

	// Valid reports whether at least one signature verified against the
	// engine's keyring. Identity correlation happens above this layer.
	Valid bool

	// Signatures lists the signatures found on the message.
	Signatures []Signature
}

// VerifyResult is the outcome of verifying a signed (but unencrypted)
// message.
type VerifyResult struct {
	Valid      bool
	Signatures []Signature
}

// KeyCapability describes one key or subkey of a stored key.
type KeyCapability struct {
	Fingerprint string
	CanSign     bool
	CanEncrypt  bool
}

// GenerateParams are the parameters for server key generation.
type GenerateParams struct {
	Name       string
	Comment    string
	Email      string
	KeyLength  int
	Passphrase string
}

// CryptoEngine performs the actual OpenPGP operations. The gateway only
// specifies the protocol of calls and the decisions made from the results;
// the gpg subpackage provides the production implementation. All calls are
// synchronous and potentially slow (key generation, probe encryption);
// callers impose their own timeouts via ctx where the engine can hang.
type CryptoEngine interface {
	// Import adds armored key material to the keyring and returns the
	// resulting primary fingerprint. Returns errors.ErrImportFailed if the
	// material is malformed or produced no key.
	Import(ctx context.Context, armored string) (string, error)

	// Generate creates a fresh key pair in the keyring and returns its
	// fingerprint.
	Generate(ctx context.Context, params GenerateParams) (string, error)

	// Encrypt encrypts plaintext to the given recipient fingerprints,
	// optionally signing with signFpr unlocked by passphrase (empty signFpr
	// means unsigned). Returns the armored ciphertext.
	Encrypt(ctx context.Context, plaintext []byte, to []string, signFpr, passphrase string) ([]byte, error)

	// Decrypt decrypts ciphertext (armored or binary) with private keys
	// unlocked by passphrase, verifying any embedded signatures in the
	// same step.
	Decrypt(ctx context.Context, ciphertext []byte, passphrase string) (*DecryptResult, error)

	// Sign produces an armored detached signature over message.
	Sign(ctx context.Context, message []byte, signFpr, passphrase string) ([]byte, error)

	// Verify verifies a signature over signed. A nil sig means signed is a
	// clearsigned message; otherwise sig is an armored detached signature.
	Verify(ctx context.Context, signed, sig []byte) (*VerifyResult, error)

	// Delete removes the key with the given fingerprint from the keyring.
	// Returns errors.ErrKeyNotFound if absent.
	Delete(ctx context.Context, fingerprint string) error

	// Capabilities lists the key and subkey capabilities of a stored key.
	Capabilities(ctx context.Context, fingerprint string) ([]KeyCapability, error)

	// Export returns the armored public key for a fingerprint.
	Export(ctx context.Context, fingerprint string) (string, error)
}
