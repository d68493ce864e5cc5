// Package common defines shared constants and sentinel errors used across
// the sync core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Relay / repository errors.
	ErrNotFound         = errors.New("not found")
	ErrRelayUnavailable = errors.New("relay unavailable")

	// Crypto errors.
	//
	// ErrIntegrity means an authentication tag did not verify: the blob was
	// tampered with, truncated, or encrypted under a different key. The blob
	// must be discarded, never partially trusted.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrAuthentication means the manifest could not be decrypted with the
	// key derived from the supplied passphrase.
	ErrAuthentication = errors.New("authentication failed")

	// ErrWeakKDF rejects key-derivation parameters below the minimum.
	ErrWeakKDF = errors.New("kdf iteration count too low")

	// Protocol anomalies.
	//
	// ErrSequenceGap marks a pulled entry whose sequence does not follow the
	// last known one for its device. Logged, not fatal: relay listings may
	// arrive unordered.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrChangeLogCorrupt is fatal: the local append store is unreadable and
	// syncing further could silently lose history.
	ErrChangeLogCorrupt = errors.New("change log corrupt")

	// ErrNotConfigured means sync was invoked before setup/restore.
	ErrNotConfigured = errors.New("sync not configured")

	// ErrLocked means a sync operation ran before the passphrase was
	// supplied in this session.
	ErrLocked = errors.New("passphrase required")
)
