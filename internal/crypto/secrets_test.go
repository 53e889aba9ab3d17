package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload := []byte(`{"alpaca":{"api_key":"AK","api_secret":"SK"}}`)

	blob, err := EncryptSecrets(payload, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "AK", "plaintext must not appear in the blob")

	out, err := DecryptSecrets(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecryptRejectsWrongPassword(t *testing.T) {
	blob, err := EncryptSecrets([]byte("secret"), "right")
	require.NoError(t, err)

	_, err = DecryptSecrets(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptRejectsEmptyPassword(t *testing.T) {
	_, err := EncryptSecrets([]byte("secret"), "")
	assert.Error(t, err)
}

func TestLoadSecretsPrefersRaw(t *testing.T) {
	out, err := LoadSecrets(SecretsConfig{RawSecrets: "plain"})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)
}

func TestLoadSecretsFromEncryptedFile(t *testing.T) {
	blob, err := EncryptSecrets([]byte("file secret"), "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	out, err := LoadSecrets(SecretsConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []byte("file secret"), out)
}

func TestLoadSecretsRequiresSource(t *testing.T) {
	_, err := LoadSecrets(SecretsConfig{})
	assert.Error(t, err)
}
