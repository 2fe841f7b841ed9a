package pgpgate

import (
	"context"
	"errors"
	"log/slog"

	pgperrors "github.com/infodancer/pgpgate/errors"
)

// ServerIdentityID is the reserved identity id for the server itself.
// The server identity's key signs outgoing mail and decrypts incoming mail.
const ServerIdentityID = 0

// Identity identifies a mail participant. The host may hand the gateway a
// full user or a bare address (password-reset flows); both are normalized
// into this shape before entering the pipelines, so internal logic never
// branches on the original host type.
type Identity struct {
	// ID is the host's numeric user id. Meaningful only when Resolved.
	ID int

	// Address is the mail address used to correlate recipients with keys
	// at render time.
	Address string

	// Resolved reports whether the identity matched a directory entry.
	// Unresolved identities are treated as keyless during bucketing.
	Resolved bool
}

// Directory resolves mail addresses to host identities.
// Implemented by the host's user model.
type Directory interface {
	// LookupAddress returns the identity registered for a mail address.
	// Returns errors.ErrIdentityNotFound if the address is unknown.
	LookupAddress(ctx context.Context, address string) (Identity, error)
}

// LookupRecipient normalizes a bare address into an Identity via the
// directory. A failed lookup is logged and degrades to an unresolved
// identity; it never fails the caller, so an unknown address is classified
// by policy rather than dropped with an error.
func LookupRecipient(ctx context.Context, dir Directory, address string, logger *slog.Logger) Identity {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == nil {
		return Identity{Address: address}
	}

	ident, err := dir.LookupAddress(ctx, address)
	if err != nil {
		if !errors.Is(err, pgperrors.ErrIdentityNotFound) {
			logger.Warn("directory lookup failed", slog.String("address", address), slog.Any("error", err))
		} else {
			logger.Info("no local identity for address", slog.String("address", address))
		}
		return Identity{Address: address}
	}
	return ident
}

// Actor is the authenticated principal attempting a key registry mutation.
type Actor struct {
	ID    int
	Admin bool
}

// CanModifyKey reports whether the actor may modify the key registered for
// the target identity. Admins may modify any key; everyone else only their
// own. Enforcement happens in the host's controller layer; this is the pure
// predicate it consults.
func CanModifyKey(actor Actor, targetID int) bool {
	if actor.Admin {
		return true
	}
	return actor.ID == targetID
}
