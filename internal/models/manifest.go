package models

// DeviceRecord describes one participating device inside the manifest.
type DeviceRecord struct {
	DeviceID      string `json:"device_id"`
	DisplayName   string `json:"display_name"`
	LastSeen      int64  `json:"last_seen"`
	LastPushedSeq uint64 `json:"last_pushed_seq"`
}

// Manifest is the relay-side registry: the KDF parameters every device must
// agree on, plus the device list. It is stored on the relay as a blob whose
// body is encrypted; only Salt and KDFIterations are readable without the
// passphrase (they are needed to derive the key in the first place).
type Manifest struct {
	Salt          []byte         `json:"salt"`
	KDFIterations int            `json:"kdf_iterations"`
	Devices       []DeviceRecord `json:"devices"`
	CreatedAt     int64          `json:"created_at"`
}

// Device returns the record for the given device id, or nil.
func (m *Manifest) Device(deviceID string) *DeviceRecord {
	for i := range m.Devices {
		if m.Devices[i].DeviceID == deviceID {
			return &m.Devices[i]
		}
	}
	return nil
}

// UpsertDevice adds the record or replaces the existing one with the same id.
func (m *Manifest) UpsertDevice(rec DeviceRecord) {
	if existing := m.Device(rec.DeviceID); existing != nil {
		*existing = rec
		return
	}
	m.Devices = append(m.Devices, rec)
}

// SyncState is the locally persisted identity and push progress of this
// device. PushedSeq is the push cursor: the highest local change entry seq
// already uploaded to the relay.
type SyncState struct {
	DeviceID    string
	DisplayName string
	PushedSeq   uint64
	LastPushAt  int64
}
