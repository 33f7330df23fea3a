// Package token generates connection, pairing and processor identifiers.
package token

import "github.com/google/uuid"

// Generate returns a new random connection token.
func Generate() string {
	return uuid.NewString()
}

// ProcessorID returns an identifier for a batch processor, prefixed with
// a host or role name when one is given.
func ProcessorID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// Valid reports whether s is a well-formed connection token.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
