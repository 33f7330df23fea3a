// Package patch provides optional fields for partial updates, so that a
// field that was not provided can be told apart from one set to its zero value.
package patch

import (
	"bytes"
	"encoding/json"
)

// Field holds an optional value. The zero Field is "not provided".
type Field[T any] struct {
	value T
	set   bool
}

// Some returns a Field that carries v.
func Some[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

// Get returns the value and whether it was provided.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.set
}

// IsSet reports whether the field was provided.
func (f Field[T]) IsSet() bool { return f.set }

// IsZero reports whether the field was not provided, so that `omitzero`
// leaves it out of encoded JSON.
func (f Field[T]) IsZero() bool { return !f.set }

// UnmarshalJSON marks the field as provided. A JSON null provides the zero value.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		f.value = zero
		return nil
	}
	return json.Unmarshal(data, &f.value)
}

// MarshalJSON encodes the value, or null when the field was not provided.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.set {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
