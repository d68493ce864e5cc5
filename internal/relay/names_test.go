package relay

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeBlobName_RoundTrip(t *testing.T) {
	name := ChangeBlobName("6f1f64ec-9f2a-4d7c-8f69-1d2c2b7c0001", 42)
	assert.Equal(t, "changes/6f1f64ec-9f2a-4d7c-8f69-1d2c2b7c0001/00000000000000000042", name)

	dev, seq, err := ParseChangeBlobName(name)
	require.NoError(t, err)
	assert.Equal(t, "6f1f64ec-9f2a-4d7c-8f69-1d2c2b7c0001", dev)
	assert.Equal(t, uint64(42), seq)
}

func TestChangeBlobName_LexicographicOrderMatchesNumeric(t *testing.T) {
	names := []string{
		ChangeBlobName("dev", 100),
		ChangeBlobName("dev", 2),
		ChangeBlobName("dev", 19),
	}
	sort.Strings(names)

	var seqs []uint64
	for _, n := range names {
		_, seq, err := ParseChangeBlobName(n)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []uint64{2, 19, 100}, seqs)
}

func TestParseChangeBlobName_Malformed(t *testing.T) {
	for _, name := range []string{
		"manifest",
		"changes/",
		"changes/dev",
		"changes/dev/notanumber",
		"snapshots/00000000000000001000",
	} {
		_, _, err := ParseChangeBlobName(name)
		assert.Error(t, err, name)
	}
}

func TestSnapshotName_RoundTrip(t *testing.T) {
	name := SnapshotName(1700000000000)
	ts, err := ParseSnapshotName(name)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ts)

	_, err = ParseSnapshotName("changes/dev/1")
	assert.Error(t, err)
}
