package inbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/pgpgate"
)

// Ingestor hands an accepted message to the host's normal ingestion
// routine. The MaildirIngestor in this package provides a local
// implementation.
type Ingestor interface {
	Ingest(ctx context.Context, mailbox string, message []byte) error
}

// Options carries the host context for one received message.
type Options struct {
	// Project is the message's target project; nil when none applies.
	Project *pgpgate.Project

	// Mailbox is the destination mailbox for accepted messages.
	Mailbox string
}

// Decide reports whether a message must be rejected: only when policy
// requires signatures, the signature did not hold, and the gateway is
// active for the target project. Under "none" activation the gate is
// bypassed regardless of validity.
func Decide(policy pgpgate.Policy, project *pgpgate.Project, validSignature bool) bool {
	if !policy.SignatureNeeded || validSignature {
		return false
	}
	return policy.Active(project, false)
}

// Handler is the inbound extension point: it runs authentication and the
// admission decision before the host's default receive behavior.
type Handler struct {
	auth     *Authenticator
	policy   pgpgate.PolicySource
	ingestor Ingestor
	logger   *slog.Logger
}

// NewHandler creates an inbound handler. A nil logger falls back to
// slog.Default().
func NewHandler(auth *Authenticator, policy pgpgate.PolicySource, ingestor Ingestor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{auth: auth, policy: policy, ingestor: ingestor, logger: logger}
}

// Receive processes one raw inbound message: authenticate, decide, then
// either hand the plaintext to the ingestor or discard. The policy snapshot
// is taken once, here, and never re-read mid-message. Every message gets
// exactly one summary line carrying the admission outcome.
func (h *Handler) Receive(ctx context.Context, raw []byte, opts Options) (*Result, error) {
	policy := h.policy.Policy()

	result := h.auth.Authenticate(ctx, raw)
	result.Rejected = Decide(policy, opts.Project, result.Valid)

	h.logger.Info("received email",
		slog.String("from", result.Sender),
		slog.String("message_id", result.MessageID),
		slog.Bool("encrypted", result.Encrypted),
		slog.Bool("valid", result.Valid),
		slog.Bool("rejected", result.Rejected),
		slog.Any("project", projectID(opts.Project)))

	if result.Rejected {
		return result, nil
	}

	if h.ingestor != nil {
		if err := h.ingestor.Ingest(ctx, opts.Mailbox, result.Plaintext); err != nil {
			return result, fmt.Errorf("ingest message: %w", err)
		}
	}
	return result, nil
}

func projectID(project *pgpgate.Project) any {
	if project == nil {
		return nil
	}
	return project.ID
}
