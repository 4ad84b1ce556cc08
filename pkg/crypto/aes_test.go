package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	c, err := NewCrypter(key)
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("s3cret-p@ssword")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, Prefix))
	assert.True(t, IsEncrypted(ciphertext))

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-p@ssword", plaintext)
}

func TestEncryptProducesUniqueCiphertext(t *testing.T) {
	c, err := NewCrypter(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	// random nonce per call
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	c1, err := NewCrypter(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)
	c2, err := NewCrypter(bytes.Repeat([]byte{0x02}, KeySize))
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt("hello")
	require.NoError(t, err)
	_, err = c2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c, err := NewCrypter(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)

	_, err = c.Decrypt("not-encrypted")
	assert.Error(t, err)

	_, err = c.Decrypt(Prefix + "!!!not-base64!!!")
	assert.Error(t, err)

	_, err = c.Decrypt(Prefix + "AAAA")
	assert.Error(t, err)
}

func TestNewCrypterRejectsBadKeySize(t *testing.T) {
	_, err := NewCrypter([]byte("short"))
	assert.Error(t, err)
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "master.key")

	key1, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Len(t, key1, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// second call must return the same key
	key2, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestLoadOrGenerateKeyRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0600))

	_, err := LoadOrGenerateKey(path)
	assert.Error(t, err)
}
