// Package gpg implements the pgpgate CryptoEngine on top of
// ProtonMail/go-crypto's openpgp packages.
//
// The engine holds a keyring of parsed entities in memory and, when given a
// path, persists the original key material (private halves still
// passphrase-locked) to a single binary keyring file. Unlocking a key for
// signing or decryption never changes what is written back to disk.
package gpg

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/infodancer/pgpgate"
	"github.com/infodancer/pgpgate/errors"
)

// keyEntry pairs a parsed entity with the serialized material it was
// created from. The material is what gets persisted, so in-memory unlocking
// of private keys never leaks into the keyring file.
type keyEntry struct {
	entity   *openpgp.Entity
	material []byte
}

// Engine is a CryptoEngine backed by an in-memory keyring with optional
// file persistence.
type Engine struct {
	mu     sync.RWMutex
	path   string
	logger *slog.Logger
	keys   map[string]*keyEntry // by fingerprint
}

// New creates an engine. A non-empty path names the keyring file; if it
// exists it is loaded. A nil logger falls back to slog.Default().
func New(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		path:   path,
		logger: logger,
		keys:   make(map[string]*keyEntry),
	}
	if path != "" {
		if err := e.load(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Fingerprint formats a public key's fingerprint as 40 upper-case hex
// characters.
func Fingerprint(pk *packet.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pk.Fingerprint))
}

func (e *Engine) load() error {
	f, err := os.Open(e.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	defer func() { _ = f.Close() }()

	entities, err := openpgp.ReadKeyRing(f)
	if err != nil {
		return fmt.Errorf("read keyring: %w", err)
	}
	for _, entity := range entities {
		material, err := serializeEntity(entity)
		if err != nil {
			return fmt.Errorf("serialize keyring entry: %w", err)
		}
		e.keys[Fingerprint(entity.PrimaryKey)] = &keyEntry{entity: entity, material: material}
	}
	return nil
}

// save writes the keyring file atomically. Callers hold the write lock.
func (e *Engine) save() error {
	if e.path == "" {
		return nil
	}

	var buf bytes.Buffer
	for _, entry := range e.keys {
		buf.Write(entry.material)
	}

	tmp := e.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(e.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, e.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// serializeEntity serializes an entity including any private key material,
// without re-signing (the private keys may be locked).
func serializeEntity(entity *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if entity.PrivateKey != nil {
		if err := entity.SerializePrivateWithoutSigning(&buf, nil); err != nil {
			return nil, err
		}
	} else {
		if err := entity.Serialize(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Import implements pgpgate.CryptoEngine.
func (e *Engine) Import(ctx context.Context, armored string) (string, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrImportFailed, err)
	}
	if len(entities) == 0 {
		return "", errors.ErrImportFailed
	}

	entity := entities[0]
	material, err := serializeEntity(entity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrImportFailed, err)
	}
	fpr := Fingerprint(entity.PrimaryKey)

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.keys[fpr]; ok {
		// Re-importing the same key is a no-op unless the new material
		// carries the private half the existing entry lacks.
		if existing.entity.PrivateKey != nil || entity.PrivateKey == nil {
			return fpr, nil
		}
	}
	e.keys[fpr] = &keyEntry{entity: entity, material: material}
	if err := e.save(); err != nil {
		delete(e.keys, fpr)
		return "", fmt.Errorf("persist keyring: %w", err)
	}
	return fpr, nil
}

// Generate implements pgpgate.CryptoEngine.
func (e *Engine) Generate(ctx context.Context, params pgpgate.GenerateParams) (string, error) {
	config := &packet.Config{RSABits: params.KeyLength}
	entity, err := openpgp.NewEntity(params.Name, params.Comment, params.Email, config)
	if err != nil {
		return "", fmt.Errorf("generate entity: %w", err)
	}

	if params.Passphrase != "" {
		pass := []byte(params.Passphrase)
		if err := entity.PrivateKey.Encrypt(pass); err != nil {
			return "", fmt.Errorf("lock private key: %w", err)
		}
		for _, sk := range entity.Subkeys {
			if sk.PrivateKey == nil {
				continue
			}
			if err := sk.PrivateKey.Encrypt(pass); err != nil {
				return "", fmt.Errorf("lock subkey: %w", err)
			}
		}
	}

	material, err := serializeEntity(entity)
	if err != nil {
		return "", fmt.Errorf("serialize generated key: %w", err)
	}
	fpr := Fingerprint(entity.PrimaryKey)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys[fpr] = &keyEntry{entity: entity, material: material}
	if err := e.save(); err != nil {
		delete(e.keys, fpr)
		return "", fmt.Errorf("persist keyring: %w", err)
	}
	e.logger.Info("key pair generated", slog.String("fingerprint", fpr), slog.String("email", params.Email))
	return fpr, nil
}

// Entity returns the parsed entity for a fingerprint. Used by transports
// that build PGP/MIME messages directly.
func (e *Engine) Entity(fingerprint string) (*openpgp.Entity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.keys[fingerprint]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return entry.entity, nil
}

// Signer returns the entity for a fingerprint with its private keys
// unlocked by passphrase. The unlock happens on a private copy parsed from
// the stored material: concurrent callers never observe each other's
// unlocked state, and the shared keyring entry stays locked.
func (e *Engine) Signer(fingerprint, passphrase string) (*openpgp.Entity, error) {
	e.mu.RLock()
	entry, ok := e.keys[fingerprint]
	e.mu.RUnlock()

	if !ok || entry.entity.PrivateKey == nil {
		return nil, errors.ErrKeyNotFound
	}
	entity, err := cloneEntity(entry.material)
	if err != nil {
		return nil, fmt.Errorf("reparse key %s: %w", fingerprint, err)
	}
	if err := unlockEntity(entity, passphrase); err != nil {
		return nil, err
	}
	return entity, nil
}

// cloneEntity re-parses stored key material into a fresh entity that is
// safe to mutate.
func cloneEntity(material []byte) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(material))
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, errors.ErrKeyNotFound
	}
	return entities[0], nil
}

// unlockEntity decrypts all locked private keys of an entity.
func unlockEntity(entity *openpgp.Entity, passphrase string) error {
	pass := []byte(passphrase)
	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(pass); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrBadPassphrase, err)
		}
	}
	for _, sk := range entity.Subkeys {
		if sk.PrivateKey == nil || !sk.PrivateKey.Encrypted {
			continue
		}
		if err := sk.PrivateKey.Decrypt(pass); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrBadPassphrase, err)
		}
	}
	return nil
}

// entityList snapshots the keyring as an openpgp.EntityList for read-only
// use (verification, key lookup).
func (e *Engine) entityList() openpgp.EntityList {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := make(openpgp.EntityList, 0, len(e.keys))
	for _, entry := range e.keys {
		list = append(list, entry.entity)
	}
	return list
}

// decryptionList snapshots the keyring for ReadMessage, cloning entries
// that carry private keys so the passphrase prompt's unlock cannot mutate
// shared entities.
func (e *Engine) decryptionList() (openpgp.EntityList, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := make(openpgp.EntityList, 0, len(e.keys))
	for _, entry := range e.keys {
		if entry.entity.PrivateKey == nil {
			list = append(list, entry.entity)
			continue
		}
		clone, err := cloneEntity(entry.material)
		if err != nil {
			return nil, fmt.Errorf("reparse keyring entry: %w", err)
		}
		list = append(list, clone)
	}
	return list, nil
}

// Encrypt implements pgpgate.CryptoEngine.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, to []string, signFpr, passphrase string) ([]byte, error) {
	recipients := make([]*openpgp.Entity, 0, len(to))
	for _, fpr := range to {
		entity, err := e.Entity(fpr)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", fpr, err)
		}
		recipients = append(recipients, entity)
	}

	var signer *openpgp.Entity
	if signFpr != "" {
		var err error
		signer, err = e.Signer(signFpr, passphrase)
		if err != nil {
			return nil, fmt.Errorf("signer %s: %w", signFpr, err)
		}
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	pt, err := openpgp.Encrypt(aw, recipients, signer, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := pt.Write(plaintext); err != nil {
		return nil, err
	}
	if err := pt.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decrypt implements pgpgate.CryptoEngine. Verification of any embedded
// signatures happens in the same step; the result carries the signature
// fingerprints for correlation above this layer.
func (e *Engine) Decrypt(ctx context.Context, ciphertext []byte, passphrase string) (*pgpgate.DecryptResult, error) {
	var body io.Reader = bytes.NewReader(ciphertext)
	if bytes.Contains(ciphertext, []byte("-----BEGIN PGP MESSAGE-----")) {
		block, err := armor.Decode(bytes.NewReader(ciphertext))
		if err != nil {
			return nil, fmt.Errorf("decode armor: %w", err)
		}
		body = block.Body
	}

	attempted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if attempted {
			return nil, errors.ErrBadPassphrase
		}
		attempted = true
		for _, k := range keys {
			if k.PrivateKey != nil && k.PrivateKey.Encrypted {
				_ = k.PrivateKey.Decrypt([]byte(passphrase))
			}
		}
		return nil, nil
	}

	keyring, err := e.decryptionList()
	if err != nil {
		return nil, err
	}
	md, err := openpgp.ReadMessage(body, keyring, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}

	result := &pgpgate.DecryptResult{
		Plaintext: plaintext,
		Signed:    md.IsSigned,
	}
	// SignatureError is only meaningful after UnverifiedBody is drained.
	if md.IsSigned && md.SignatureError == nil && md.SignedBy != nil {
		result.Valid = true
		result.Signatures = []pgpgate.Signature{{Fingerprint: Fingerprint(md.SignedBy.PublicKey)}}
	}
	return result, nil
}

// Sign implements pgpgate.CryptoEngine.
func (e *Engine) Sign(ctx context.Context, message []byte, signFpr, passphrase string) ([]byte, error) {
	signer, err := e.Signer(signFpr, passphrase)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader(message), nil); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify implements pgpgate.CryptoEngine. A nil sig treats signed as a
// clearsigned message. Malformed input degrades to an invalid result
// rather than an error, so hostile mail cannot abort ingestion.
func (e *Engine) Verify(ctx context.Context, signed, sig []byte) (*pgpgate.VerifyResult, error) {
	keyring := e.entityList()

	var sigBytes, content []byte
	if sig == nil {
		block, _ := clearsign.Decode(signed)
		if block == nil || block.ArmoredSignature == nil {
			return &pgpgate.VerifyResult{}, nil
		}
		raw, err := io.ReadAll(block.ArmoredSignature.Body)
		if err != nil {
			return &pgpgate.VerifyResult{}, nil
		}
		sigBytes = raw
		content = block.Bytes
	} else {
		armorBlock, err := armor.Decode(bytes.NewReader(sig))
		if err != nil {
			return &pgpgate.VerifyResult{}, nil
		}
		raw, err := io.ReadAll(armorBlock.Body)
		if err != nil {
			return &pgpgate.VerifyResult{}, nil
		}
		sigBytes = raw
		content = signed
	}

	signer, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(content), bytes.NewReader(sigBytes), nil)
	if err != nil || signer == nil {
		return &pgpgate.VerifyResult{}, nil
	}

	sigs := e.signatureInfo(sigBytes)
	if len(sigs) == 0 {
		sigs = []pgpgate.Signature{{Fingerprint: Fingerprint(signer.PrimaryKey)}}
	}
	return &pgpgate.VerifyResult{Valid: true, Signatures: sigs}, nil
}

// signatureInfo extracts the issuing key fingerprints from raw signature
// packets, falling back to a keyring lookup by key id when the signature
// lacks the issuer-fingerprint subpacket.
func (e *Engine) signatureInfo(sigBytes []byte) []pgpgate.Signature {
	keyring := e.entityList()
	pr := packet.NewReader(bytes.NewReader(sigBytes))

	var sigs []pgpgate.Signature
	for {
		p, err := pr.Next()
		if err != nil {
			break
		}
		s, ok := p.(*packet.Signature)
		if !ok {
			continue
		}
		var fpr string
		switch {
		case len(s.IssuerFingerprint) > 0:
			fpr = strings.ToUpper(hex.EncodeToString(s.IssuerFingerprint))
		case s.IssuerKeyId != nil:
			for _, k := range keyring.KeysById(*s.IssuerKeyId) {
				fpr = Fingerprint(k.PublicKey)
				break
			}
		}
		if fpr != "" {
			sigs = append(sigs, pgpgate.Signature{Fingerprint: fpr})
		}
	}
	return sigs
}

// Delete implements pgpgate.CryptoEngine.
func (e *Engine) Delete(ctx context.Context, fingerprint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.keys[fingerprint]
	if !ok {
		return errors.ErrKeyNotFound
	}
	delete(e.keys, fingerprint)
	if err := e.save(); err != nil {
		e.keys[fingerprint] = entry
		return fmt.Errorf("persist keyring: %w", err)
	}
	return nil
}

// Capabilities implements pgpgate.CryptoEngine. The primary key and every
// subkey contribute one entry with their usage flags.
func (e *Engine) Capabilities(ctx context.Context, fingerprint string) ([]pgpgate.KeyCapability, error) {
	entity, err := e.Entity(fingerprint)
	if err != nil {
		return nil, err
	}

	var caps []pgpgate.KeyCapability

	primary := pgpgate.KeyCapability{
		Fingerprint: Fingerprint(entity.PrimaryKey),
		// A primary key without explicit usage flags defaults to
		// certify+sign.
		CanSign: true,
	}
	if selfSig := primarySelfSignature(entity); selfSig != nil && selfSig.FlagsValid {
		primary.CanSign = selfSig.FlagSign
		primary.CanEncrypt = selfSig.FlagEncryptCommunications || selfSig.FlagEncryptStorage
	}
	caps = append(caps, primary)

	for _, sk := range entity.Subkeys {
		sub := pgpgate.KeyCapability{
			Fingerprint: Fingerprint(sk.PublicKey),
			// Subkeys without explicit usage flags default to encryption.
			CanEncrypt: true,
		}
		if sk.Sig != nil && sk.Sig.FlagsValid {
			sub.CanSign = sk.Sig.FlagSign
			sub.CanEncrypt = sk.Sig.FlagEncryptCommunications || sk.Sig.FlagEncryptStorage
		}
		caps = append(caps, sub)
	}
	return caps, nil
}

// primarySelfSignature returns the self-signature of any identity carrying
// one.
func primarySelfSignature(entity *openpgp.Entity) *packet.Signature {
	for _, ident := range entity.Identities {
		if ident.SelfSignature != nil {
			return ident.SelfSignature
		}
	}
	return nil
}

// Export implements pgpgate.CryptoEngine.
func (e *Engine) Export(ctx context.Context, fingerprint string) (string, error) {
	entity, err := e.Entity(fingerprint)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := entity.Serialize(aw); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Compile-time interface verification.
var _ pgpgate.CryptoEngine = (*Engine)(nil)
