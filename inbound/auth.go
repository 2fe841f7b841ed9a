// Package inbound authenticates received mail and gates its admission.
//
// One message moves through a fixed sequence: record whether it arrived
// encrypted, decrypt and verify (or verify in place when clearsigned),
// correlate the signature with a locally registered sign-capable key, and
// let policy turn the result into accept or reject. Malformed or hostile
// input never aborts ingestion; it degrades to an unverified result.
package inbound

import (
	"context"
	"log/slog"

	"github.com/infodancer/pgpgate"
)

// Result is the outcome of authenticating one inbound message. It lives
// only for the processing of that message.
type Result struct {
	// Encrypted reports whether the raw message was encrypted. Captured
	// before decryption.
	Encrypted bool

	// Signed reports whether the message carried any signature.
	Signed bool

	// Valid reports whether a signature verified cryptographically and was
	// correlated to the sender's registered sign-capable key. Cryptographic
	// validity alone is insufficient.
	Valid bool

	// Signer is the correlated sender identity when Valid.
	Signer *pgpgate.Identity

	// Sender is the declared envelope sender address.
	Sender string

	// MessageID is the Message-Id header, captured before decryption.
	MessageID string

	// Plaintext is the decrypted content, or the original message when it
	// was not encrypted.
	Plaintext []byte

	// Rejected is set by the admission decision.
	Rejected bool
}

// Authenticator decrypts and verifies inbound messages and correlates
// signers with registered keys.
type Authenticator struct {
	store     pgpgate.KeyStore
	engine    pgpgate.CryptoEngine
	directory pgpgate.Directory
	logger    *slog.Logger
}

// NewAuthenticator creates an inbound authenticator. A nil logger falls
// back to slog.Default().
func NewAuthenticator(store pgpgate.KeyStore, engine pgpgate.CryptoEngine, directory pgpgate.Directory, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, engine: engine, directory: directory, logger: logger}
}

// Authenticate runs the inbound state machine over one raw message. It
// never fails: any error along the way is logged and degrades the result
// to an unverified one, because only policy may turn a bad message into a
// rejection.
func (a *Authenticator) Authenticate(ctx context.Context, raw []byte) *Result {
	sender, messageID := parseMeta(raw)

	result := &Result{
		Sender:    sender,
		MessageID: messageID,
		Plaintext: raw,
	}

	// The encrypted flag must be captured here: after decryption the
	// message no longer looks encrypted.
	ciphertext, encrypted := extractEncrypted(raw)
	result.Encrypted = encrypted

	var signatures []pgpgate.Signature

	switch {
	case encrypted:
		signatures = a.decrypt(ctx, ciphertext, result)
	default:
		signatures = a.verifyPlain(ctx, raw, result)
	}

	result.Valid = a.correlate(ctx, result, signatures)
	return result
}

// decrypt decrypts with the server identity's key, requesting signature
// verification in the same step.
func (a *Authenticator) decrypt(ctx context.Context, ciphertext []byte, result *Result) []pgpgate.Signature {
	serverKey, err := a.store.Find(ctx, pgpgate.ServerIdentityID)
	if err != nil {
		a.logger.Warn("no server key, cannot decrypt inbound mail", slog.Any("error", err))
		return nil
	}

	res, err := a.engine.Decrypt(ctx, ciphertext, serverKey.Secret)
	if err != nil {
		a.logger.Warn("decryption failed",
			slog.String("message_id", result.MessageID),
			slog.Any("error", err))
		return nil
	}

	result.Plaintext = res.Plaintext
	result.Signed = res.Signed
	if res.Valid {
		return res.Signatures
	}
	return nil
}

// verifyPlain verifies an unencrypted message in place when it carries a
// signature.
func (a *Authenticator) verifyPlain(ctx context.Context, raw []byte, result *Result) []pgpgate.Signature {
	signed, sig, ok := extractSigned(raw)
	if !ok {
		return nil
	}
	result.Signed = true

	res, err := a.engine.Verify(ctx, signed, sig)
	if err != nil {
		a.logger.Warn("signature verification failed",
			slog.String("message_id", result.MessageID),
			slog.Any("error", err))
		return nil
	}
	if !res.Valid {
		return nil
	}
	return res.Signatures
}

// correlate accepts a signature as authentic only if the sender's address
// resolves to a local identity whose registered key has a sign-capable
// (sub)key with a fingerprint matching one of the signatures. A signature
// that cannot be matched is treated as invalid even when cryptographically
// well-formed.
func (a *Authenticator) correlate(ctx context.Context, result *Result, signatures []pgpgate.Signature) bool {
	if len(signatures) == 0 || result.Sender == "" {
		return false
	}

	ident, err := a.directory.LookupAddress(ctx, result.Sender)
	if err != nil {
		a.logger.Info("signer has no local identity", slog.String("address", result.Sender))
		return false
	}

	rec, err := a.store.Find(ctx, ident.ID)
	if err != nil {
		a.logger.Info("signer has no registered key",
			slog.String("address", result.Sender),
			slog.Int("identity", ident.ID))
		return false
	}

	caps, err := a.engine.Capabilities(ctx, rec.Fingerprint)
	if err != nil {
		a.logger.Warn("capability lookup failed",
			slog.String("fingerprint", rec.Fingerprint),
			slog.Any("error", err))
		return false
	}

	for _, sig := range signatures {
		for _, c := range caps {
			if c.CanSign && c.Fingerprint == sig.Fingerprint {
				result.Signer = &ident
				return true
			}
		}
	}
	return false
}
