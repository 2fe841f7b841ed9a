// Package pgpgate implements a policy-driven OpenPGP mail-encryption gateway.
//
// For outgoing mail the gateway decides, per recipient, whether to deliver an
// encrypted copy, a signed-only copy, a plain copy, or no copy at all, based
// on which recipients have registered public keys and on administrator
// policy. For incoming mail it decrypts, verifies signatures, correlates the
// signer with a registered user key, and accepts or rejects the message.
//
// The package is organized around three pieces:
//
//   - KeyRegistry maps identities to key fingerprints and keeps the record
//     store and the crypto engine's keyring consistent.
//   - Dispatcher partitions recipients into buckets and produces up to three
//     independent delivery passes per message.
//   - The inbound package authenticates received mail and gates admission.
//
// Cryptographic operations go through the CryptoEngine interface; the gpg
// subpackage provides an implementation backed by ProtonMail/go-crypto.
// Key records are persisted through the KeyStore interface; backends register
// themselves with the store registry:
//
//	import _ "github.com/infodancer/pgpgate/filestore"
//
//	store, err := pgpgate.OpenStore(pgpgate.StoreConfig{
//	    Type: "file",
//	    Path: "/var/lib/pgpgate/keys.json",
//	})
package pgpgate
