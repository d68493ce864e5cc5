package models

import "encoding/json"

// ConflictRecord is the audit trail of one LWW resolution between two
// devices. Both payloads are preserved so the losing write can be recovered
// by hand. Records are append-only until an explicit purge.
type ConflictRecord struct {
	ID            int64           `json:"id,omitempty"`
	Namespace     string          `json:"namespace"`
	Collection    string          `json:"collection"`
	ItemID        string          `json:"item_id"`
	WinningDevice string          `json:"winning_device"`
	LosingDevice  string          `json:"losing_device"`
	WinningData   json.RawMessage `json:"winning_data,omitempty"`
	LosingData    json.RawMessage `json:"losing_data,omitempty"`
	ResolvedAt    int64           `json:"resolved_at"`
}
