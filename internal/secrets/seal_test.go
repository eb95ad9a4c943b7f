package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	keeper, err := NewKeeper()
	require.NoError(t, err)

	sealed, err := keeper.Seal("s3cret-password")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))
	assert.NotContains(t, sealed, "s3cret-password")

	plain, err := keeper.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-password", plain)
}

func TestOpenPassesPlaintextThrough(t *testing.T) {
	keeper, err := NewKeeper()
	require.NoError(t, err)

	plain, err := keeper.Open("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}

func TestOpenRejectsForeignKey(t *testing.T) {
	alice, err := NewKeeper()
	require.NoError(t, err)
	bob, err := NewKeeper()
	require.NoError(t, err)

	sealed, err := alice.Seal("secret")
	require.NoError(t, err)
	_, err = bob.Open(sealed)
	assert.ErrorContains(t, err, "age decrypt")
}

func TestOpenRejectsGarbage(t *testing.T) {
	keeper, err := NewKeeper()
	require.NoError(t, err)
	_, err = keeper.Open(SealedPrefix + "%%%not-base64%%%")
	assert.ErrorContains(t, err, "decode sealed value")
}

func TestSealInputs(t *testing.T) {
	keeper, err := NewKeeper()
	require.NoError(t, err)

	inputs := map[string]any{
		"hostname":       "cloud",
		"admin_password": "hunter2",
		"disk_size":      8,
	}
	secure := map[string]bool{"admin_password": true, "disk_size": true}
	require.NoError(t, keeper.SealInputs(inputs, secure))

	// Only secure string values are sealed; non-strings stay as-is.
	assert.Equal(t, "cloud", inputs["hostname"])
	assert.Equal(t, 8, inputs["disk_size"])
	sealed, ok := inputs["admin_password"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))

	plain, err := keeper.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestNilKeeper(t *testing.T) {
	var keeper *Keeper
	_, err := keeper.Seal("x")
	assert.EqualError(t, err, "secrets keeper is nil")

	// Plaintext passthrough works even without a keeper.
	plain, err := keeper.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", plain)
}

func TestLoadKeeper(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadKeeper(filepath.Join(t.TempDir(), "missing.key"))
		assert.ErrorContains(t, err, "read age key")
	})

	t.Run("roundtrip via key file", func(t *testing.T) {
		identity, err := age.GenerateX25519Identity()
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "appdock.key")
		require.NoError(t, os.WriteFile(path, []byte(identity.String()+"\n"), 0o600))

		keeper, err := LoadKeeper(path)
		require.NoError(t, err)
		sealed, err := keeper.Seal("secret")
		require.NoError(t, err)
		plain, err := keeper.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "secret", plain)
	})

	t.Run("garbage key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.key")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
		_, err := LoadKeeper(path)
		assert.ErrorContains(t, err, "parse age key")
	})
}
