// Package cryptox implements the key schedule and the authenticated
// encryption envelope applied to everything that leaves a device: change
// entries, the manifest body and snapshots.
//
// Layering: payloads are AES-256-GCM encrypted, then a detached HMAC-SHA256
// tag is computed over nonce||ciphertext with a separate key. The detached
// tag is verified first on the way back in, so tampered blobs from an
// untrusted relay are rejected before any decryption work is spent.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/okatkov/relaysync/internal/common"
)

const (
	// MinKDFIterations is the floor for PBKDF2 rounds. Derivation refuses
	// weaker parameters outright.
	MinKDFIterations = 600000

	// SaltSize is the manifest salt length in bytes.
	SaltSize = 32

	nonceSize = 12
	keySize   = 32
)

// Keys is the explicit crypto context passed through the engines. It is
// derived from the passphrase and the manifest's salt; there is no global
// "current key" state, which keeps key rotation a matter of deriving a new
// context and handing it around.
type Keys struct {
	Encryption []byte
	Signing    []byte
}

// DeriveKeys stretches the passphrase into an encryption key and a signing
// key using PBKDF2-SHA256. The same (passphrase, salt, iterations) always
// yields the same keys; that determinism is what lets independent devices
// agree on a key without a central authority.
func DeriveKeys(passphrase, salt []byte, iterations int) (*Keys, error) {
	if iterations < MinKDFIterations {
		return nil, fmt.Errorf("%w: %d < %d", common.ErrWeakKDF, iterations, MinKDFIterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}

	material := pbkdf2.Key(passphrase, salt, iterations, 2*keySize, sha256.New)
	return &Keys{
		Encryption: material[:keySize],
		Signing:    material[keySize:],
	}, nil
}

// NewSalt returns a fresh random manifest salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	return salt, nil
}
