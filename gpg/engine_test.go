package gpg

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/infodancer/pgpgate"
	pgperrors "github.com/infodancer/pgpgate/errors"
)

// testKeyBits keeps key generation fast; production callers use the
// engine default.
const testKeyBits = 1024

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("", nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func generateTestKey(t *testing.T, e *Engine, email, passphrase string) string {
	t.Helper()
	fpr, err := e.Generate(context.Background(), pgpgate.GenerateParams{
		Name:       "Test Key",
		Email:      email,
		KeyLength:  testKeyBits,
		Passphrase: passphrase,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(fpr) != 40 {
		t.Fatalf("fingerprint = %q, want 40 hex chars", fpr)
	}
	return fpr
}

func TestEngine_GenerateAndCapabilities(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "gen@example.com", "")

	caps, err := e.Capabilities(ctx, fpr)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(caps) < 2 {
		t.Fatalf("capabilities = %d entries, want primary + subkey", len(caps))
	}
	if caps[0].Fingerprint != fpr {
		t.Errorf("primary fingerprint = %q, want %q", caps[0].Fingerprint, fpr)
	}
	if !caps[0].CanSign {
		t.Error("primary key should be sign-capable")
	}

	var canEncrypt bool
	for _, c := range caps {
		if c.CanEncrypt {
			canEncrypt = true
		}
	}
	if !canEncrypt {
		t.Error("no encryption-capable key found")
	}
}

func TestEngine_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine(t)
	fpr := generateTestKey(t, src, "export@example.com", "")

	armored, err := src.Export(ctx, fpr)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(armored, "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		t.Fatalf("export = %q, want public key armor", armored)
	}

	dst := newTestEngine(t)
	got, err := dst.Import(ctx, armored)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got != fpr {
		t.Errorf("imported fingerprint = %q, want %q", got, fpr)
	}

	// The imported key is public-only: it can encrypt but not sign.
	if _, err := dst.Signer(fpr, ""); !errors.Is(err, pgperrors.ErrKeyNotFound) {
		t.Errorf("signer on public-only key: err = %v, want ErrKeyNotFound", err)
	}
}

func TestEngine_ImportGarbage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.Import(ctx, "not a key"); !errors.Is(err, pgperrors.ErrImportFailed) {
		t.Errorf("err = %v, want ErrImportFailed", err)
	}
}

func TestEngine_EncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	signerFpr := generateTestKey(t, e, "server@example.com", "hunter2")
	recipientFpr := generateTestKey(t, e, "user@example.com", "")

	plaintext := []byte("the issue was updated")

	t.Run("unsigned", func(t *testing.T) {
		ciphertext, err := e.Encrypt(ctx, plaintext, []string{recipientFpr}, "", "")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if !bytes.Contains(ciphertext, []byte("-----BEGIN PGP MESSAGE-----")) {
			t.Fatal("ciphertext not armored")
		}
		if bytes.Contains(ciphertext, plaintext) {
			t.Fatal("ciphertext contains plaintext")
		}

		res, err := e.Decrypt(ctx, ciphertext, "")
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(res.Plaintext, plaintext) {
			t.Errorf("plaintext = %q, want %q", res.Plaintext, plaintext)
		}
		if res.Signed {
			t.Error("unsigned message reported as signed")
		}
	})

	t.Run("wrong signer passphrase", func(t *testing.T) {
		_, err := e.Encrypt(ctx, plaintext, []string{recipientFpr}, signerFpr, "wrong")
		if !errors.Is(err, pgperrors.ErrBadPassphrase) {
			t.Errorf("err = %v, want ErrBadPassphrase", err)
		}
	})

	t.Run("signed", func(t *testing.T) {
		ciphertext, err := e.Encrypt(ctx, plaintext, []string{recipientFpr}, signerFpr, "hunter2")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		res, err := e.Decrypt(ctx, ciphertext, "")
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(res.Plaintext, plaintext) {
			t.Errorf("plaintext = %q, want %q", res.Plaintext, plaintext)
		}
		if !res.Signed {
			t.Error("signed message reported as unsigned")
		}
		if !res.Valid {
			t.Error("valid signature reported as invalid")
		}
		if len(res.Signatures) == 0 {
			t.Fatal("no signatures reported")
		}
	})

	t.Run("unknown recipient", func(t *testing.T) {
		_, err := e.Encrypt(ctx, plaintext, []string{"0000000000000000000000000000000000000000"}, "", "")
		if !errors.Is(err, pgperrors.ErrKeyNotFound) {
			t.Errorf("err = %v, want ErrKeyNotFound", err)
		}
	})
}

func TestEngine_DecryptWithLockedKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "locked@example.com", "hunter2")

	plaintext := []byte("for the locked key")
	ciphertext, err := e.Encrypt(ctx, plaintext, []string{fpr}, "", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := e.Decrypt(ctx, ciphertext, "wrong"); err == nil {
		t.Error("expected error decrypting with wrong passphrase")
	}

	res, err := e.Decrypt(ctx, ciphertext, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(res.Plaintext, plaintext) {
		t.Errorf("plaintext = %q, want %q", res.Plaintext, plaintext)
	}
}

func TestEngine_UnlockLeavesKeyringLocked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "shared@example.com", "hunter2")

	// A successful unlock happens on a private copy: the shared keyring
	// entry must still demand the passphrase from the next caller.
	if _, err := e.Signer(fpr, "hunter2"); err != nil {
		t.Fatalf("signer: %v", err)
	}
	if _, err := e.Signer(fpr, "wrong"); !errors.Is(err, pgperrors.ErrBadPassphrase) {
		t.Errorf("signer after unlock: err = %v, want ErrBadPassphrase", err)
	}

	ciphertext, err := e.Encrypt(ctx, []byte("shared key content"), []string{fpr}, "", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := e.Decrypt(ctx, ciphertext, "hunter2"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := e.Decrypt(ctx, ciphertext, "wrong"); err == nil {
		t.Error("decrypt after unlock: keyring entry was left unlocked")
	}
}

func TestEngine_SignVerifyDetached(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "signer@example.com", "hunter2")

	message := []byte("signed content")
	sig, err := e.Sign(ctx, message, fpr, "hunter2")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !bytes.Contains(sig, []byte("-----BEGIN PGP SIGNATURE-----")) {
		t.Fatal("signature not armored")
	}

	res, err := e.Verify(ctx, message, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatal("valid signature reported as invalid")
	}
	if len(res.Signatures) == 0 {
		t.Fatal("no signatures reported")
	}

	t.Run("tampered content", func(t *testing.T) {
		res, err := e.Verify(ctx, []byte("tampered content"), sig)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if res.Valid {
			t.Error("tampered content verified")
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		res, err := e.Verify(ctx, message, []byte("garbage"))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if res.Valid {
			t.Error("garbage signature verified")
		}
	})
}

func TestEngine_VerifyClearsigned(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "clear@example.com", "")

	signer, err := e.Signer(fpr, "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, signer.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign encode: %v", err)
	}
	if _, err := w.Write([]byte("clearsigned body")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := e.Verify(ctx, buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatal("clearsigned message reported invalid")
	}

	t.Run("not clearsigned", func(t *testing.T) {
		res, err := e.Verify(ctx, []byte("just text"), nil)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if res.Valid {
			t.Error("plain text verified as clearsigned")
		}
	})
}

func TestEngine_Delete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fpr := generateTestKey(t, e, "delete@example.com", "")

	if err := e.Delete(ctx, fpr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Entity(fpr); !errors.Is(err, pgperrors.ErrKeyNotFound) {
		t.Errorf("entity after delete: err = %v, want ErrKeyNotFound", err)
	}
	if err := e.Delete(ctx, fpr); !errors.Is(err, pgperrors.ErrKeyNotFound) {
		t.Errorf("second delete: err = %v, want ErrKeyNotFound", err)
	}
}

func TestEngine_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keyring.gpg")

	e1, err := New(path, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fpr := generateTestKey(t, e1, "persist@example.com", "hunter2")

	// A fresh engine over the same file sees the key, and its private half
	// is still locked with the original passphrase.
	e2, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	if _, err := e2.Entity(fpr); err != nil {
		t.Fatalf("entity after reload: %v", err)
	}
	if _, err := e2.Signer(fpr, "wrong"); !errors.Is(err, pgperrors.ErrBadPassphrase) {
		t.Errorf("signer with wrong passphrase: err = %v, want ErrBadPassphrase", err)
	}
	if _, err := e2.Signer(fpr, "hunter2"); err != nil {
		t.Errorf("signer with correct passphrase: %v", err)
	}

	// Unlocking above must not have persisted an unlocked key.
	e3, err := New(path, nil)
	if err != nil {
		t.Fatalf("third engine: %v", err)
	}
	if _, err := e3.Signer(fpr, "wrong"); !errors.Is(err, pgperrors.ErrBadPassphrase) {
		t.Errorf("key persisted unlocked: err = %v, want ErrBadPassphrase", err)
	}

	// Deleting persists too.
	if err := e2.Delete(ctx, fpr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	e4, err := New(path, nil)
	if err != nil {
		t.Fatalf("fourth engine: %v", err)
	}
	if _, err := e4.Entity(fpr); !errors.Is(err, pgperrors.ErrKeyNotFound) {
		t.Errorf("entity after persisted delete: err = %v, want ErrKeyNotFound", err)
	}
}
