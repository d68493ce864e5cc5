package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/models"
)

// Seal encrypts plaintext under k and returns the envelope parts: a fresh
// random 12-byte nonce, the AES-GCM ciphertext, and a detached HMAC-SHA256
// tag over nonce||ciphertext.
//
// Nonce uniqueness is mandatory: a failure of the system randomness source
// is surfaced as an error and must abort the operation, never be worked
// around, since nonce reuse under one key breaks confidentiality.
func Seal(plaintext []byte, k *Keys) (nonce, ciphertext, mac []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce generation: %w", err)
	}

	block, err := aes.NewCipher(k.Encryption)
	if err != nil {
		return nil, nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)
	mac = sign(nonce, ciphertext, k)
	return nonce, ciphertext, mac, nil
}

// Open verifies the detached tag in constant time and only then decrypts.
// Any mismatch fails closed with common.ErrIntegrity.
func Open(nonce, ciphertext, mac []byte, k *Keys) ([]byte, error) {
	expected := sign(nonce, ciphertext, k)
	if !hmac.Equal(mac, expected) {
		return nil, common.ErrIntegrity
	}

	block, err := aes.NewCipher(k.Encryption)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// The GCM tag disagrees even though the outer MAC verified; treat
		// it the same way, the blob cannot be trusted.
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrity, err)
	}
	return plaintext, nil
}

func sign(nonce, ciphertext []byte, k *Keys) []byte {
	h := hmac.New(sha256.New, k.Signing)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// EncryptEntry serializes a change entry to its canonical JSON form and
// seals it into an EncryptedBlob. The blob's cleartext header repeats the
// entry's seq, device and timestamp so engines can order blobs without
// decrypting them.
func EncryptEntry(e *models.ChangeEntry, k *Keys) (*models.EncryptedBlob, error) {
	plaintext, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, mac, err := Seal(plaintext, k)
	if err != nil {
		return nil, err
	}

	return &models.EncryptedBlob{
		Nonce:      nonce,
		Ciphertext: ciphertext,
		MAC:        mac,
		Seq:        e.Seq,
		DeviceID:   e.DeviceID,
		Timestamp:  e.Timestamp,
	}, nil
}

// DecryptEntry verifies and decrypts a blob back into a change entry.
// The cleartext header is cross-checked against the decrypted entry; a
// mismatch means the header was tampered with and the blob is rejected
// with common.ErrIntegrity.
func DecryptEntry(b *models.EncryptedBlob, k *Keys) (*models.ChangeEntry, error) {
	plaintext, err := Open(b.Nonce, b.Ciphertext, b.MAC, k)
	if err != nil {
		return nil, err
	}

	var e models.ChangeEntry
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext: %v", common.ErrIntegrity, err)
	}

	if e.Seq != b.Seq || e.DeviceID != b.DeviceID || e.Timestamp != b.Timestamp {
		return nil, fmt.Errorf("%w: blob header does not match entry", common.ErrIntegrity)
	}
	if !e.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown op %q", common.ErrIntegrity, e.Op)
	}
	return &e, nil
}
