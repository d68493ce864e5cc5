package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// Relay blob naming. Names use forward slashes regardless of backend; each
// adapter maps them onto its own storage idiom.
//
//	manifest                          — the encrypted device registry
//	changes/<device_id>/<seq>         — one blob per change entry
//	snapshots/<unix_ms>               — compacted encrypted state
const (
	ManifestName    = "manifest"
	ChangesPrefix   = "changes/"
	SnapshotsPrefix = "snapshots/"
)

// ChangeBlobName derives the relay name for one change entry. Sequence
// numbers are zero-padded so lexicographic listing order equals numeric
// order, and the device id prefix guarantees two devices never collide.
func ChangeBlobName(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", ChangesPrefix, deviceID, seq)
}

// ParseChangeBlobName inverts ChangeBlobName.
func ParseChangeBlobName(name string) (deviceID string, seq uint64, err error) {
	rest, ok := strings.CutPrefix(name, ChangesPrefix)
	if !ok {
		return "", 0, fmt.Errorf("not a change blob name: %q", name)
	}
	deviceID, seqStr, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" {
		return "", 0, fmt.Errorf("malformed change blob name: %q", name)
	}
	seq, err = strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed change blob seq in %q: %w", name, err)
	}
	return deviceID, seq, nil
}

// SnapshotName derives the relay name for a snapshot taken at ts (epoch ms).
func SnapshotName(ts int64) string {
	return fmt.Sprintf("%s%020d", SnapshotsPrefix, ts)
}

// ParseSnapshotName inverts SnapshotName.
func ParseSnapshotName(name string) (int64, error) {
	rest, ok := strings.CutPrefix(name, SnapshotsPrefix)
	if !ok {
		return 0, fmt.Errorf("not a snapshot name: %q", name)
	}
	ts, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed snapshot name %q: %w", name, err)
	}
	return ts, nil
}
