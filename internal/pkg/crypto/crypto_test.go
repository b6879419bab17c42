package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestAESCipher_RoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	enc, err := c.Encrypt("sk-test1234567890")
	require.NoError(t, err)
	assert.NotContains(t, enc, "sk-test")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-test1234567890", plain)
}

func TestAESCipher_NonceIsRandom(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESCipher_DerivedKey(t *testing.T) {
	c, err := NewAESCipher("a passphrase that is not 32 bytes")
	require.NoError(t, err)

	enc, err := c.Encrypt("value")
	require.NoError(t, err)

	again, err := NewAESCipher("a passphrase that is not 32 bytes")
	require.NoError(t, err)
	plain, err := again.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}

func TestNewAESCipher_EmptyKey(t *testing.T) {
	_, err := NewAESCipher("")
	assert.ErrorIs(t, err, ErrKeyNotConfigured)
}

func TestAESCipher_DecryptFailures(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)
	other, err := NewAESCipher(strings.Repeat("z", 32))
	require.NoError(t, err)

	enc, err := c.Encrypt("sk-test1234567890")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]struct {
		cipher     Cipher
		ciphertext string
	}{
		"not base64":  {c, "%%%not-base64%%%"},
		"too short":   {c, base64.StdEncoding.EncodeToString([]byte("short"))},
		"tampered":    {c, tampered},
		"wrong key":   {other, enc},
		"empty input": {c, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.cipher.Decrypt(tc.ciphertext)
			var decErr *DecryptionError
			require.ErrorAs(t, err, &decErr)
			assert.NotEmpty(t, decErr.Reason)
		})
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckPassword("s3cret", hash))
	assert.False(t, CheckPassword("wrong", hash))
}
