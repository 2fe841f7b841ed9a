package pgpgate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultEncryptActions are the host mail actions the gateway processes.
// Drafts with any other action bypass the gateway untouched.
var DefaultEncryptActions = []string{
	"attachments_added",
	"document_added",
	"issue_add",
	"issue_edit",
	"lost_password",
	"message_posted",
	"news_added",
	"news_comment_added",
	"security_notification",
	"settings_updated",
	"wiki_content_added",
	"wiki_content_updated",
}

// DefaultGlobalActions are actions with no project context. Under "project"
// activation they are evaluated with a nil project and the global rule.
var DefaultGlobalActions = []string{
	"lost_password",
	"security_notification",
	"settings_updated",
}

// Dispatcher runs the outbound pipeline: it resolves recipients into
// buckets and produces up to three physically distinct delivery passes,
// each rendered independently from the draft's header snapshot.
type Dispatcher struct {
	store     KeyStore
	resolver  *Resolver
	renderer  Renderer
	transport Transport
	policy    PolicySource
	logger    *slog.Logger

	encryptActions map[string]bool
	globalActions  map[string]bool
}

// NewDispatcher creates an outbound dispatcher with the default action
// sets. A nil logger falls back to slog.Default().
func NewDispatcher(store KeyStore, renderer Renderer, transport Transport, policy PolicySource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:          store,
		resolver:       NewResolver(store, logger),
		renderer:       renderer,
		transport:      transport,
		policy:         policy,
		logger:         logger,
		encryptActions: toSet(DefaultEncryptActions),
		globalActions:  toSet(DefaultGlobalActions),
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// Send processes one draft. Inactive policy or an unrecognized action sends
// the draft through untouched. Otherwise the draft's recipients are bucketed
// and each non-empty deliverable bucket becomes one pass:
//
//   - encrypted: full content, encrypted to the bucket's keys, signed with
//     the server key when one exists
//   - filtered: reduced content plus the configured footer, signed only
//   - unchanged: full content, neither encrypted nor signed
//
// The blocked and lost buckets never produce a pass; those recipients
// receive nothing. Passes are delivered independently: a failed pass does
// not prevent the others.
func (d *Dispatcher) Send(ctx context.Context, draft *Draft) error {
	policy := d.policy.Policy()

	global := d.globalActions[draft.Action]
	if !d.encryptActions[draft.Action] || !policy.Active(draft.Project, global) {
		return d.passthrough(ctx, draft, policy)
	}

	buckets := d.resolver.Resolve(ctx, draft.Recipients, policy)

	serverKey, err := d.store.Find(ctx, ServerIdentityID)
	if err != nil {
		// Absent server key degrades signing to off. Unsigned delivery is
		// preferable to blocking all outgoing mail.
		serverKey = nil
	}

	var lastErr error

	if !buckets.Encrypted.Empty() {
		gpg := d.signOptions(draft, serverKey)
		gpg.Encrypt = true
		gpg.Keys = d.keyMap(ctx, buckets.Encrypted)
		includeHTML := policy.EncryptedHTML && !policy.PlainTextOnly
		if err := d.deliver(ctx, draft, BucketEncrypted, buckets.Encrypted, VariantFull, includeHTML, "", gpg); err != nil {
			lastErr = err
		}
	}

	if !buckets.Filtered.Empty() {
		gpg := d.signOptions(draft, serverKey)
		if err := d.deliver(ctx, draft, BucketFiltered, buckets.Filtered, VariantFiltered, !policy.PlainTextOnly, policy.FilteredMailFooter, gpg); err != nil {
			lastErr = err
		}
	}

	if !buckets.Unchanged.Empty() {
		if err := d.deliver(ctx, draft, BucketUnchanged, buckets.Unchanged, VariantFull, !policy.PlainTextOnly, "", GPGOptions{}); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// passthrough delivers the draft to all original recipients without any
// crypto treatment.
func (d *Dispatcher) passthrough(ctx context.Context, draft *Draft, policy Policy) error {
	field := FieldRecipients{To: draft.Recipients.To, Cc: draft.Recipients.Cc}
	if field.Empty() {
		return nil
	}
	return d.deliver(ctx, draft, BucketUnchanged, field, VariantFull, !policy.PlainTextOnly, "", GPGOptions{})
}

// signOptions builds the signing half of a pass's GPG options. The signing
// key is always the server identity's key; recipients only ever act as
// encryption targets.
func (d *Dispatcher) signOptions(draft *Draft, serverKey *KeyRecord) GPGOptions {
	if serverKey == nil {
		return GPGOptions{}
	}
	return GPGOptions{
		Sign:            true,
		SignAs:          draft.From,
		SignFingerprint: serverKey.Fingerprint,
		Password:        serverKey.Secret,
	}
}

// keyMap re-looks-up each bucket recipient's record and indexes the
// fingerprints by mail address, since the transport addresses recipients by
// address rather than identity id.
func (d *Dispatcher) keyMap(ctx context.Context, field FieldRecipients) map[string]string {
	keys := make(map[string]string)
	for _, ident := range append(append([]Identity{}, field.To...), field.Cc...) {
		rec, err := d.store.Find(ctx, ident.ID)
		if err != nil {
			d.logger.Warn("key lookup failed during key map construction",
				slog.String("address", ident.Address), slog.Any("error", err))
			continue
		}
		keys[ident.Address] = rec.Fingerprint
	}
	return keys
}

// deliver renders one pass from a fresh header copy and hands it to the
// transport.
func (d *Dispatcher) deliver(ctx context.Context, draft *Draft, pass Bucket, field FieldRecipients, variant Variant, includeHTML bool, footer string, gpg GPGOptions) error {
	body, err := d.renderer.Render(ctx, draft, variant, includeHTML)
	if err != nil {
		d.logger.Error("render failed",
			slog.String("draft", draft.ID),
			slog.String("pass", string(pass)),
			slog.Any("error", err))
		return fmt.Errorf("render %s pass: %w", pass, err)
	}
	if footer != "" {
		rendered := *body
		rendered.Text = rendered.Text + "\n\n" + footer
		if rendered.HTML != "" {
			rendered.HTML = rendered.HTML + "\n<p>" + footer + "</p>"
		}
		body = &rendered
	}

	req := &SendRequest{
		ID:      uuid.NewString(),
		DraftID: draft.ID,
		Pass:    pass,
		Header:  draft.Header.Copy(),
		From:    draft.From,
		Subject: draft.Subject,
		To:      field.To,
		Cc:      field.Cc,
		Body:    body,
		GPG:     gpg,
	}

	if err := d.transport.Send(ctx, req); err != nil {
		d.logger.Error("delivery pass failed",
			slog.String("draft", draft.ID),
			slog.String("pass", string(pass)),
			slog.Any("error", err))
		return fmt.Errorf("send %s pass: %w", pass, err)
	}

	d.logger.Debug("delivery pass sent",
		slog.String("draft", draft.ID),
		slog.String("pass", string(pass)),
		slog.Int("to", len(field.To)),
		slog.Int("cc", len(field.Cc)))
	return nil
}
