package utils

import (
	"crypto/rand"
	"encoding/base64"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func GenerateID() string {
	id, err := gonanoid.Generate(idAlphabet, 7)
	if err != nil {
		return ""
	}
	return id
}

// GenerateRandomString generates a cryptographically secure random string.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		id, _ := gonanoid.Generate(idAlphabet, length)
		return id
	}
	return base64.URLEncoding.EncodeToString(bytes)[:length]
}
