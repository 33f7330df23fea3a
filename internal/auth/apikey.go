// Package auth issues and verifies admin API keys and exam client access tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	servicePrefix = "sebc"
	prefixLength  = 12
	secretBytes   = 32
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

var alphanumeric = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// GenerateAPIKey creates a new display key of the form sebc_<prefix>_<secret>.
// Only the prefix and the peppered hash of the secret are meant to be stored.
func GenerateAPIKey(pepper string) (displayKey string, prefix string, hash []byte, err error) {
	prefixBytes := make([]byte, prefixLength)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", nil, err
	}
	for i := range prefixBytes {
		prefixBytes[i] = alphanumeric[int(prefixBytes[i])%len(alphanumeric)]
	}
	prefix = string(prefixBytes)

	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", "", nil, err
	}
	secret := hex.EncodeToString(secretRaw)

	displayKey = servicePrefix + "_" + prefix + "_" + secret
	return displayKey, prefix, HashSecret(pepper, secret), nil
}

// HashSecret returns HMAC-SHA256(pepper, secret).
func HashSecret(pepper, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

// VerifyAPIKey checks displayKey against a stored hash in constant time.
func VerifyAPIKey(pepper, displayKey string, storedHash []byte) bool {
	_, secret, err := ParseAPIKey(displayKey)
	if err != nil {
		return false
	}
	return hmac.Equal(HashSecret(pepper, secret), storedHash)
}

// ParseAPIKey splits a display key into its lookup prefix and secret.
func ParseAPIKey(displayKey string) (prefix string, secret string, err error) {
	rest, ok := strings.CutPrefix(displayKey, servicePrefix+"_")
	if !ok {
		return "", "", ErrInvalidKeyFormat
	}
	prefix, secret, ok = strings.Cut(rest, "_")
	if !ok || secret == "" || len(prefix) != prefixLength {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range prefix {
		if !isAlphanumeric(c) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return prefix, secret, nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
