package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVaultRoundTrip(t *testing.T) {
	vault := NewTokenVault("test-secret-with-enough-length")

	cases := []string{
		"ya29.a0AfH6SMBx",
		"",
		"token with spaces and symbols !@#$%^&*()",
		"unicode: 日本語トークン émojis 🔑",
		strings.Repeat("x", 4096),
	}
	for _, plaintext := range cases {
		blob, err := vault.Encrypt(plaintext)
		require.NoError(t, err)

		parts := strings.Split(blob, ":")
		require.Len(t, parts, 3)
		assert.Len(t, parts[0], vaultNonceLen*2)
		assert.Len(t, parts[1], vaultTagLen*2)

		got, err := vault.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestTokenVaultNonceUniqueness(t *testing.T) {
	vault := NewTokenVault("test-secret-with-enough-length")

	a, err := vault.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := vault.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenVaultDecryptAcrossInstances(t *testing.T) {
	blob, err := NewTokenVault("shared-secret-0123456789").Encrypt("refresh-token")
	require.NoError(t, err)

	// A fresh vault with the same secret must decrypt: key derivation uses
	// no per-process randomness.
	got, err := NewTokenVault("shared-secret-0123456789").Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", got)
}

func TestTokenVaultMissingSecret(t *testing.T) {
	vault := NewTokenVault("")

	_, err := vault.Encrypt("anything")
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)

	_, err = vault.Decrypt("aa:bb:cc")
	require.ErrorAs(t, err, &confErr)
}

func TestTokenVaultMalformedBlobs(t *testing.T) {
	vault := NewTokenVault("test-secret-with-enough-length")

	cases := map[string]string{
		"empty":           "",
		"one field":       "deadbeef",
		"two fields":      "deadbeef:deadbeef",
		"four fields":     "aa:bb:cc:dd",
		"non-hex nonce":   "zz:" + strings.Repeat("ab", vaultTagLen) + ":abcd",
		"short nonce":     "abcd:" + strings.Repeat("ab", vaultTagLen) + ":abcd",
		"short tag":       strings.Repeat("ab", vaultNonceLen) + ":abcd:abcd",
		"junk ciphertext": strings.Repeat("ab", vaultNonceLen) + ":" + strings.Repeat("ab", vaultTagLen) + ":zz",
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := vault.Decrypt(blob)
			var malformed *MalformedTokenError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestTokenVaultTamperDetection(t *testing.T) {
	vault := NewTokenVault("test-secret-with-enough-length")

	blob, err := vault.Encrypt("access-token-payload")
	require.NoError(t, err)
	parts := strings.Split(blob, ":")

	flip := func(s string) string {
		b := []byte(s)
		if b[0] == 'a' {
			b[0] = 'b'
		} else {
			b[0] = 'a'
		}
		return string(b)
	}

	for i, name := range []string{"nonce", "tag", "ciphertext"} {
		t.Run(name, func(t *testing.T) {
			tampered := make([]string, 3)
			copy(tampered, parts)
			tampered[i] = flip(tampered[i])

			_, err := vault.Decrypt(strings.Join(tampered, ":"))
			var malformed *MalformedTokenError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestTokenVaultWrongSecretFailsAuthentication(t *testing.T) {
	blob, err := NewTokenVault("secret-one-0123456789abc").Encrypt("token")
	require.NoError(t, err)

	_, err = NewTokenVault("secret-two-0123456789abc").Decrypt(blob)
	var malformed *MalformedTokenError
	require.ErrorAs(t, err, &malformed)
}
