package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gosieve "git.sr.ht/~emersion/go-sieve"
	"github.com/emersion/go-maildir"

	pgperrors "github.com/infodancer/pgpgate/errors"
)

// MaildirIngestor files accepted messages into per-mailbox maildirs under a
// base path. A mailbox may carry a Sieve script at
// {basePath}/{mailbox}/.sieve; scripts are parsed and validated, and a
// script that fails to parse is logged while delivery falls through to
// default filing (fail-safe).
type MaildirIngestor struct {
	basePath string
	logger   *slog.Logger
}

// NewMaildirIngestor creates a maildir-backed ingestor. A nil logger falls
// back to slog.Default().
func NewMaildirIngestor(basePath string, logger *slog.Logger) *MaildirIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaildirIngestor{basePath: basePath, logger: logger}
}

// mailboxPath returns the filesystem path for a mailbox.
// Returns an error if the resulting path would escape the base directory.
func (m *MaildirIngestor) mailboxPath(mailbox string) (string, error) {
	candidate := filepath.Join(m.basePath, mailbox)

	cleanBase := filepath.Clean(m.basePath)
	cleanCandidate := filepath.Clean(candidate)
	if !strings.HasPrefix(cleanCandidate+string(filepath.Separator), cleanBase+string(filepath.Separator)) {
		return "", pgperrors.ErrPathTraversal
	}
	return cleanCandidate, nil
}

// loadSieveScript loads and parses the Sieve script for a mailbox.
//
// Returns (nil, nil) if no script exists — delivery continues normally.
// Returns (nil, err) if the script exists but fails to parse — the error
// is logged by the caller and delivery falls through to default behavior.
func (m *MaildirIngestor) loadSieveScript(mailbox string) ([]gosieve.Command, error) {
	path, err := m.mailboxPath(mailbox)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(path, ".sieve"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cmds, err := gosieve.Parse(f)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("loaded sieve script", slog.String("mailbox", mailbox), slog.Int("commands", len(cmds)))
	return cmds, nil
}

// Ingest implements Ingestor: it delivers the message into the mailbox's
// maildir using the safe tmp-then-new process.
func (m *MaildirIngestor) Ingest(ctx context.Context, mailbox string, msg []byte) error {
	if mailbox == "" {
		return pgperrors.ErrNoRecipients
	}

	path, err := m.mailboxPath(mailbox)
	if err != nil {
		return err
	}

	if _, err := m.loadSieveScript(mailbox); err != nil {
		m.logger.Warn("sieve script unusable, using default filing",
			slog.String("mailbox", mailbox),
			slog.Any("error", err))
	}

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
		return fmt.Errorf("%w: %v", pgperrors.ErrDeliveryFailed, err)
	}
	if _, err := io.Copy(delivery, bytes.NewReader(msg)); err != nil {
		_ = delivery.Abort()
		return fmt.Errorf("%w: %v", pgperrors.ErrDeliveryFailed, err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("%w: %v", pgperrors.ErrDeliveryFailed, err)
	}
	return nil
}

// Compile-time interface verification.
var _ Ingestor = (*MaildirIngestor)(nil)
