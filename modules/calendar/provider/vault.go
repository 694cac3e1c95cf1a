package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	vaultKeyLen     = 32 // AES-256
	vaultNonceLen   = 12
	vaultTagLen     = 16
	vaultIterations = 100_000
	vaultSaltLen    = 16
)

// TokenVault encrypts and decrypts OAuth tokens before they touch storage.
// The key is derived once from the configured secret with PBKDF2-SHA256,
// salted with a fixed slice of the same secret so decryption is reproducible
// across processes without storing a salt. Safe for concurrent use.
type TokenVault struct {
	secret string

	once sync.Once
	aead cipher.AEAD
	kerr error
}

func NewTokenVault(secret string) *TokenVault {
	return &TokenVault{secret: secret}
}

func (v *TokenVault) gcm() (cipher.AEAD, error) {
	if v.secret == "" {
		return nil, &ConfigurationError{Message: "TOKEN_ENCRYPTION_SECRET is not set"}
	}
	v.once.Do(func() {
		salt := []byte(v.secret)
		if len(salt) > vaultSaltLen {
			salt = salt[:vaultSaltLen]
		}
		key := pbkdf2.Key([]byte(v.secret), salt, vaultIterations, vaultKeyLen, sha256.New)

		block, err := aes.NewCipher(key)
		if err != nil {
			v.kerr = err
			return
		}
		v.aead, v.kerr = cipher.NewGCM(block)
	})
	return v.aead, v.kerr
}

// Encrypt seals plaintext into a colon-delimited blob:
// nonce_hex:tag_hex:ciphertext_hex.
func (v *TokenVault) Encrypt(plaintext string) (string, error) {
	aead, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, vaultNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-vaultTagLen]
	tag := sealed[len(sealed)-vaultTagLen:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

// Decrypt opens a blob produced by Encrypt. Returns MalformedTokenError when
// the blob does not split into exactly three hex fields or when the
// authentication tag does not verify.
func (v *TokenVault) Decrypt(blob string) (string, error) {
	aead, err := v.gcm()
	if err != nil {
		return "", err
	}

	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", &MalformedTokenError{Reason: fmt.Sprintf("expected 3 colon-delimited fields, got %d", len(parts))}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != vaultNonceLen {
		return "", &MalformedTokenError{Reason: "invalid nonce field"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != vaultTagLen {
		return "", &MalformedTokenError{Reason: "invalid tag field"}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &MalformedTokenError{Reason: "invalid ciphertext field"}
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &MalformedTokenError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}
