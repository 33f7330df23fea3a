package token

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	tok := Generate()
	if !Valid(tok) {
		t.Errorf("Generate() = %q is not a valid token", tok)
	}
}

func TestGenerateUniqueness(t *testing.T) {
	const n = 100
	tokens := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		tok := Generate()
		if tokens[tok] {
			t.Errorf("duplicate token generated: %s", tok)
		}
		tokens[tok] = true
	}
}

func TestProcessorID(t *testing.T) {
	if id := ProcessorID("worker1"); !strings.HasPrefix(id, "worker1-") {
		t.Errorf("ProcessorID(worker1) = %q", id)
	}
	if id := ProcessorID(""); !Valid(id) {
		t.Errorf("ProcessorID(\"\") = %q", id)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", true},
		{"6ba7b8109dad11d180b400c04fd430c8", false},
		{"not-a-token", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
