package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKeyPEM(EncodePrivateKeyPEM(key))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestFingerprintStableAcrossEncodings(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	pemPub, err := EncodePublicKeyPEM(key)
	require.NoError(t, err)

	// The PEM-derived fingerprint must equal the one computed from the
	// SSH wire form presented during transport authentication.
	fromPEM, err := FingerprintPEM(string(pemPub))
	require.NoError(t, err)

	sshKey, err := SSHPublicKeyFromPEM(string(pemPub))
	require.NoError(t, err)
	assert.Equal(t, fromPEM, Fingerprint(sshKey))

	signer, err := Signer(key)
	require.NoError(t, err)
	assert.Equal(t, fromPEM, Fingerprint(signer.PublicKey()))
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_key")

	key, generated, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, generated)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, generated, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.True(t, key.Equal(reloaded))
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, _, err := LoadOrGenerate(path)
	require.Error(t, err)
}
