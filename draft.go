package pgpgate

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Draft is an outgoing message before gateway processing: the original
// header snapshot plus the candidate recipient set. The dispatcher renders
// each delivery pass from a fresh copy of Header so encryption and signing
// headers never leak across passes.
type Draft struct {
	// ID identifies the message across its delivery passes.
	ID string

	// Action is the host event that produced the mail (e.g. "issue_add",
	// "lost_password"). Unrecognized actions bypass the gateway.
	Action string

	// Project is the project the mail belongs to; nil for global actions.
	Project *Project

	// From is the sender address, also used as the signer id.
	From string

	// Subject is the message subject.
	Subject string

	// Header is the immutable header snapshot taken once per message.
	Header textproto.Header

	// Recipients is the candidate to/cc set.
	Recipients RecipientSet
}

// NewDraft creates a draft with a fresh message id.
func NewDraft(action string, project *Project, from, subject string) *Draft {
	return &Draft{
		ID:      uuid.NewString(),
		Action:  action,
		Project: project,
		From:    from,
		Subject: subject,
	}
}

// Variant selects which rendering of the draft a pass carries.
type Variant string

const (
	// VariantFull is the normal, complete rendering.
	VariantFull Variant = "full"

	// VariantFiltered is the reduced rendering for recipients who must not
	// receive undisclosable data without encryption.
	VariantFiltered Variant = "filtered"
)

// Body is one rendered content variant. HTML is empty when the pass does
// not include an HTML part.
type Body struct {
	Text string
	HTML string
}

// Renderer produces a content variant for a draft. Implemented by the
// host's template engine; the gateway only chooses variant and whether the
// HTML part is wanted.
type Renderer interface {
	Render(ctx context.Context, draft *Draft, variant Variant, includeHTML bool) (*Body, error)
}

// GPGOptions is the crypto treatment of one delivery pass.
type GPGOptions struct {
	// Encrypt requests encryption to the fingerprints in Keys.
	Encrypt bool

	// Sign requests signing with the server identity's key.
	Sign bool

	// SignAs is the sender address presented as the signer.
	SignAs string

	// SignFingerprint is the server key's fingerprint.
	SignFingerprint string

	// Password unlocks the signing key.
	Password string

	// Keys maps each recipient address to the fingerprint the copy is
	// encrypted to. Recipients are correlated by address because the
	// transport addresses them by address.
	Keys map[string]string
}

// SendRequest is one fully-specified delivery pass handed to the transport.
type SendRequest struct {
	// ID identifies this pass.
	ID string

	// DraftID ties the pass back to its originating draft.
	DraftID string

	// Pass names the bucket that produced this request.
	Pass Bucket

	// Header is this pass's private copy of the draft header snapshot.
	Header textproto.Header

	// From is the sender address.
	From string

	// Subject is the message subject.
	Subject string

	// To and Cc are this pass's recipients only.
	To []Identity
	Cc []Identity

	// Body is the rendered content variant for this pass.
	Body *Body

	// GPG is the crypto treatment.
	GPG GPGOptions
}

// Transport executes send requests. Implemented by the host's mail
// transport; the maildirtransport subpackage provides a local
// implementation.
type Transport interface {
	Send(ctx context.Context, req *SendRequest) error
}
