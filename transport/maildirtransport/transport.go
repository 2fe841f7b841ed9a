// Package maildirtransport executes pgpgate send requests as PGP/MIME
// messages delivered into per-recipient maildirs.
//
// It is the bundled local transport: hosts with their own SMTP submission
// implement pgpgate.Transport themselves; this one is used by local
// installs and by tests that need to observe real delivered artifacts.
package maildirtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-pgpmail"

	"github.com/infodancer/pgpgate"
	"github.com/infodancer/pgpgate/errors"
	"github.com/infodancer/pgpgate/gpg"
)

// Transport delivers send requests into maildirs under a base path, one
// mailbox per recipient address.
type Transport struct {
	basePath string
	engine   *gpg.Engine
	logger   *slog.Logger
}

// New creates a maildir transport. The engine supplies key material for
// encryption and signing. A nil logger falls back to slog.Default().
func New(basePath string, engine *gpg.Engine, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{basePath: basePath, engine: engine, logger: logger}
}

// Send implements pgpgate.Transport. The message is built once with the
// pass's crypto treatment and delivered to every recipient's maildir.
func (t *Transport) Send(ctx context.Context, req *pgpgate.SendRequest) error {
	addrs := append(addressList(req.To), addressList(req.Cc)...)
	if len(addrs) == 0 {
		return errors.ErrNoRecipients
	}

	msg, err := t.buildMessage(req)
	if err != nil {
		return err
	}

	var lastErr error
	delivered := 0

	for _, addr := range addrs {
		if err := t.deliver(addr, msg); err != nil {
			t.logger.Warn("delivery failed",
				slog.String("address", addr),
				slog.Any("error", err))
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func addressList(idents []pgpgate.Identity) []string {
	addrs := make([]string, 0, len(idents))
	for _, id := range idents {
		addrs = append(addrs, id.Address)
	}
	return addrs
}

// buildMessage renders the full RFC 5322 message for a pass.
func (t *Transport) buildMessage(req *pgpgate.SendRequest) ([]byte, error) {
	header := req.Header
	header.Set("From", req.From)
	header.Set("To", strings.Join(addressList(req.To), ", "))
	if len(req.Cc) > 0 {
		header.Set("Cc", strings.Join(addressList(req.Cc), ", "))
	} else {
		header.Del("Cc")
	}
	header.Set("Subject", req.Subject)
	header.Set("Message-Id", "<"+req.ID+"@pgpgate.local>")
	header.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	header.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	switch {
	case req.GPG.Encrypt:
		if err := t.writeEncrypted(&buf, header, req); err != nil {
			return nil, err
		}
	case req.GPG.Sign:
		if err := t.writeSigned(&buf, header, req); err != nil {
			return nil, err
		}
	default:
		if err := writeEntity(&buf, header, req.Body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// writeEncrypted produces a multipart/encrypted message addressed to the
// pass's key map, signed when the pass requests it.
func (t *Transport) writeEncrypted(w io.Writer, header textproto.Header, req *pgpgate.SendRequest) error {
	fprs := make([]string, 0, len(req.GPG.Keys))
	seen := make(map[string]bool)
	for _, fpr := range req.GPG.Keys {
		if !seen[fpr] {
			seen[fpr] = true
			fprs = append(fprs, fpr)
		}
	}
	sort.Strings(fprs)

	to := make([]*openpgp.Entity, 0, len(fprs))
	for _, fpr := range fprs {
		entity, err := t.engine.Entity(fpr)
		if err != nil {
			return fmt.Errorf("recipient key %s: %w", fpr, err)
		}
		to = append(to, entity)
	}

	signer, err := t.signer(req)
	if err != nil {
		return err
	}

	cleartext, err := pgpmail.Encrypt(w, header, to, signer, nil)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	if err := writeEntity(cleartext, textproto.Header{}, req.Body); err != nil {
		return err
	}
	return cleartext.Close()
}

// writeSigned produces a multipart/signed message.
func (t *Transport) writeSigned(w io.Writer, header textproto.Header, req *pgpgate.SendRequest) error {
	signer, err := t.signer(req)
	if err != nil {
		return err
	}
	if signer == nil {
		// Degraded pass: sign requested but no usable key. Fall back to a
		// plain rendering rather than refusing delivery.
		return writeEntity(w, header, req.Body)
	}

	cleartext, err := pgpmail.Sign(w, header, signer, nil)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	if err := writeEntity(cleartext, textproto.Header{}, req.Body); err != nil {
		return err
	}
	return cleartext.Close()
}

func (t *Transport) signer(req *pgpgate.SendRequest) (*openpgp.Entity, error) {
	if !req.GPG.Sign || req.GPG.SignFingerprint == "" {
		return nil, nil
	}
	signer, err := t.engine.Signer(req.GPG.SignFingerprint, req.GPG.Password)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", req.GPG.SignFingerprint, err)
	}
	return signer, nil
}

// writeEntity writes the rendered body as a MIME entity on top of the base
// header: a single text/plain part, or multipart/alternative when the pass
// includes an HTML variant.
func writeEntity(w io.Writer, base textproto.Header, body *pgpgate.Body) error {
	h := message.Header{Header: base}

	if body.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		mw, err := message.CreateWriter(w, h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(mw, body.Text); err != nil {
			return err
		}
		return mw.Close()
	}

	h.SetContentType("multipart/alternative", nil)
	mw, err := message.CreateWriter(w, h)
	if err != nil {
		return err
	}

	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := mw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body.Text); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}

	var hh message.Header
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	hw, err := mw.CreatePart(hh)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(hw, body.HTML); err != nil {
		return err
	}
	if err := hw.Close(); err != nil {
		return err
	}

	return mw.Close()
}

// deliver writes the message into the recipient's maildir using the safe
// tmp-then-new process.
func (t *Transport) deliver(address string, msg []byte) error {
	path := filepath.Join(t.basePath, address)

	dir := maildir.Dir(path)
	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0700); err != nil {
			return err
		}
		if err := dir.Init(); err != nil {
			return err
		}
	}

	delivery, err := maildir.NewDelivery(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDeliveryFailed, err)
	}
	if _, err := io.Copy(delivery, bytes.NewReader(msg)); err != nil {
		_ = delivery.Abort()
		return fmt.Errorf("%w: %v", errors.ErrDeliveryFailed, err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDeliveryFailed, err)
	}
	return nil
}

// Compile-time interface verification.
var _ pgpgate.Transport = (*Transport)(nil)
