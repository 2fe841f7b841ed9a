package pgpgate

import (
	"context"
	"errors"
	"log/slog"

	pgperrors "github.com/infodancer/pgpgate/errors"
)

// Bucket is a disjoint outbound-recipient classification. It decides which
// rendering and crypto pass a recipient receives.
type Bucket string

const (
	// BucketEncrypted holds recipients with a registered key.
	BucketEncrypted Bucket = "encrypted"

	// BucketBlocked holds keyless recipients who receive nothing.
	BucketBlocked Bucket = "blocked"

	// BucketFiltered holds keyless recipients who receive the reduced,
	// signed-only rendering.
	BucketFiltered Bucket = "filtered"

	// BucketUnchanged holds keyless recipients who receive the normal mail.
	BucketUnchanged Bucket = "unchanged"

	// BucketLost is the defensive default for unrecognized policy values.
	// It should be unreachable given the closed option set.
	BucketLost Bucket = "lost"
)

// FieldRecipients holds a bucket's recipients, keeping the to and cc header
// fields separate.
type FieldRecipients struct {
	To []Identity
	Cc []Identity
}

// Empty reports whether the bucket holds no recipients in either field.
func (f FieldRecipients) Empty() bool {
	return len(f.To) == 0 && len(f.Cc) == 0
}

// Addresses returns the to and cc addresses combined, in field order.
func (f FieldRecipients) Addresses() []string {
	addrs := make([]string, 0, len(f.To)+len(f.Cc))
	for _, id := range f.To {
		addrs = append(addrs, id.Address)
	}
	for _, id := range f.Cc {
		addrs = append(addrs, id.Address)
	}
	return addrs
}

// RecipientSet is a message's to/cc header pair before bucketing. Single
// recipient flows (password resets) use a one-element To.
type RecipientSet struct {
	To []Identity
	Cc []Identity
}

// RecipientBuckets is the result of resolving a recipient set: five disjoint
// buckets, each with independent to/cc lists. Not persisted; recomputed per
// message.
type RecipientBuckets struct {
	Encrypted FieldRecipients
	Blocked   FieldRecipients
	Filtered  FieldRecipients
	Unchanged FieldRecipients
	Lost      FieldRecipients
}

// Resolver partitions recipients into buckets using the key store and the
// policy snapshot.
type Resolver struct {
	store  KeyStore
	logger *slog.Logger
}

// NewResolver creates a recipient resolver. A nil logger falls back to
// slog.Default().
func NewResolver(store KeyStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve classifies every recipient of the set, per field, with a single
// precedence rule: a recipient with a registered key lands in the encrypted
// bucket and never anywhere else; everyone else is placed by the
// unencrypted-mails policy. The to and cc fields are processed with
// identical rules, so an identity cannot escape the policy by appearing in
// cc. Lookup failures never abort resolution; they are logged and the
// recipient is treated as keyless.
func (r *Resolver) Resolve(ctx context.Context, set RecipientSet, policy Policy) *RecipientBuckets {
	buckets := &RecipientBuckets{}

	fields := []struct {
		recipients []Identity
		pick       func(*FieldRecipients) *[]Identity
	}{
		{set.To, func(f *FieldRecipients) *[]Identity { return &f.To }},
		{set.Cc, func(f *FieldRecipients) *[]Identity { return &f.Cc }},
	}

	for _, field := range fields {
		for _, ident := range field.recipients {
			bucket := r.classify(ctx, ident, policy)
			list := field.pick(buckets.bucket(bucket))
			*list = append(*list, ident)
		}
	}

	return buckets
}

// classify decides the bucket for one recipient.
func (r *Resolver) classify(ctx context.Context, ident Identity, policy Policy) Bucket {
	if ident.Resolved {
		_, err := r.store.Find(ctx, ident.ID)
		switch {
		case err == nil:
			return BucketEncrypted
		case errors.Is(err, pgperrors.ErrRecordNotFound):
			r.logger.Info("no public key for recipient",
				slog.String("address", ident.Address),
				slog.Int("identity", ident.ID))
		default:
			r.logger.Warn("key lookup failed",
				slog.String("address", ident.Address),
				slog.Any("error", err))
		}
	} else {
		r.logger.Info("recipient has no local identity",
			slog.String("address", ident.Address))
	}

	switch policy.UnencryptedMails {
	case UnencryptedBlocked:
		return BucketBlocked
	case UnencryptedFiltered:
		return BucketFiltered
	case UnencryptedUnchanged:
		return BucketUnchanged
	default:
		return BucketLost
	}
}

// bucket returns the field set for a bucket name.
func (b *RecipientBuckets) bucket(name Bucket) *FieldRecipients {
	switch name {
	case BucketEncrypted:
		return &b.Encrypted
	case BucketBlocked:
		return &b.Blocked
	case BucketFiltered:
		return &b.Filtered
	case BucketUnchanged:
		return &b.Unchanged
	default:
		return &b.Lost
	}
}
