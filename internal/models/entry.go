// Package models holds the data types shared across the sync core: change
// entries, their encrypted relay form, the manifest and its device records,
// local cursors, documents and conflict records.
package models

import "encoding/json"

// Op is the kind of mutation a change entry records.
type Op string

const (
	// OpWrite carries the full document payload.
	OpWrite Op = "write"
	// OpUpdate carries a merge patch (one-level field overwrite).
	OpUpdate Op = "update"
	// OpDelete is a tombstone; it has no payload.
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Op) Valid() bool {
	switch op {
	case OpWrite, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEntry is one mutation of the local store, uniquely identified by
// (DeviceID, Seq). Seq is strictly increasing per device, assigned at append
// time, never reused. Timestamp is epoch milliseconds.
type ChangeEntry struct {
	DeviceID   string          `json:"device_id"`
	Seq        uint64          `json:"seq"`
	Op         Op              `json:"op"`
	Namespace  string          `json:"namespace"`
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"ts"`
}

// Key returns the item key the entry mutates.
func (e *ChangeEntry) Key() ItemKey {
	return ItemKey{Namespace: e.Namespace, Collection: e.Collection, ItemID: e.ItemID}
}

// ItemKey addresses one item in the namespace→collection→item map.
type ItemKey struct {
	Namespace  string `json:"namespace"`
	Collection string `json:"collection"`
	ItemID     string `json:"item_id"`
}

// EncryptedBlob is the relay-side form of one change entry. Nonce,
// Ciphertext and MAC are the envelope; Seq, DeviceID and Timestamp are an
// advisory cleartext header that lets engines order blobs without
// decrypting. The header is cross-checked against the decrypted entry.
type EncryptedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
	Seq        uint64 `json:"seq"`
	DeviceID   string `json:"device_id"`
	Timestamp  int64  `json:"ts"`
}

// Document is the local materialized state of one item. Deleted rows are
// tombstones kept so later writes and deletes can be ordered against them.
type Document struct {
	Namespace  string          `json:"namespace"`
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deleted    bool            `json:"deleted"`
	// UpdatedAt is the timestamp of the change entry that produced this
	// state, not local wall time.
	UpdatedAt int64  `json:"updated_at"`
	UpdatedBy string `json:"updated_by"`
}
