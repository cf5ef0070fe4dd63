package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcoach/config"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	plaintext := "M.C519_BAY.0.U.-refresh-token-value"

	encrypted, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	first, err := Encrypt("same secret")
	require.NoError(t, err)
	second, err := Encrypt("same secret")
	require.NoError(t, err)

	// Random IV per call; identical plaintexts must not collide.
	assert.NotEqual(t, first, second)
}

func TestEncryptEmptyString(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	encrypted, err := Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, encrypted)

	decrypted, err := Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	config.AppConfig.EncryptionKey = ""

	_, err := Encrypt("secret")
	assert.Error(t, err)

	_, err = Decrypt("AAAA")
	assert.Error(t, err)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	_, err := Decrypt("c2hvcnQ=") // decodes to fewer bytes than one AES block
	assert.EqualError(t, err, "ciphertext too short")
}

func TestDecryptRejectsInvalidBase64(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	_, err := Decrypt("not-base64!!!")
	assert.Error(t, err)
}
