package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/cryptox"
	"github.com/okatkov/relaysync/internal/models"
)

func testManifest(t *testing.T) (*models.Manifest, *cryptox.Keys) {
	t.Helper()
	salt, err := cryptox.NewSalt()
	require.NoError(t, err)
	keys, err := cryptox.DeriveKeys([]byte("pass"), salt, cryptox.MinKDFIterations)
	require.NoError(t, err)

	return &models.Manifest{
		Salt:          salt,
		KDFIterations: cryptox.MinKDFIterations,
		CreatedAt:     1234,
		Devices: []models.DeviceRecord{
			{DeviceID: "dev-a", DisplayName: "laptop", LastSeen: 1234, LastPushedSeq: 7},
		},
	}, keys
}

func TestManifestCodec_RoundTrip(t *testing.T) {
	m, keys := testManifest(t)

	data, err := encodeManifest(m, keys)
	require.NoError(t, err)

	got, err := decodeManifest(data, keys)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestManifestCodec_HeaderReadableWithoutKeys(t *testing.T) {
	m, keys := testManifest(t)

	data, err := encodeManifest(m, keys)
	require.NoError(t, err)

	salt, iterations, err := decodeManifestHeader(data)
	require.NoError(t, err)
	assert.Equal(t, m.Salt, salt)
	assert.Equal(t, m.KDFIterations, iterations)
}

func TestManifestCodec_WrongPassphrase(t *testing.T) {
	m, keys := testManifest(t)

	data, err := encodeManifest(m, keys)
	require.NoError(t, err)

	wrong, err := cryptox.DeriveKeys([]byte("not the passphrase"), m.Salt, m.KDFIterations)
	require.NoError(t, err)

	_, err = decodeManifest(data, wrong)
	assert.ErrorIs(t, err, common.ErrAuthentication)
}

func TestManifestCodec_Malformed(t *testing.T) {
	_, keys := testManifest(t)

	_, _, err := decodeManifestHeader([]byte("not json"))
	assert.Error(t, err)

	_, err = decodeManifest([]byte(`{"salt":"AA==","nonce":"AA==","body":"AA==","mac":"AA=="}`), keys)
	assert.Error(t, err)
}
