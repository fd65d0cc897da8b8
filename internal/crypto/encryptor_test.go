package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("a-strong-operator-passphrase")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("demo-api-key-12345")
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	assert.NotEqual(t, "demo-api-key-12345", ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "demo-api-key-12345", plaintext)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor("a-strong-operator-passphrase")
	require.NoError(t, err)

	c1, err := enc.Encrypt("same-secret")
	require.NoError(t, err)
	c2, err := enc.Encrypt("same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2, "nonces must make repeated encryptions differ")
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc1, err := NewEncryptor("passphrase-one")
	require.NoError(t, err)
	enc2, err := NewEncryptor("passphrase-two")
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt("secret")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor("passphrase")
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEmptyStringsPassThrough(t *testing.T) {
	enc, err := NewEncryptor("passphrase")
	require.NoError(t, err)

	c, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, c)

	p, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	_, err := NewEncryptor("")
	assert.Error(t, err)
}
