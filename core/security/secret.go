// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const redacted = "[SECRET]"

// Secret holds private key material. Formatting and encoding it never
// reveals the contents.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so every verb is redacted.
func (s Secret) Format(f fmt.State, c rune) {
	_, _ = io.WriteString(f, redacted)
}

// Bytes returns a copy of the underlying bytes.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Empty reports whether the secret holds no material.
func (s Secret) Empty() bool { return len(s) == 0 }

// Zero overwrites the underlying bytes.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// Use calls fn with the underlying bytes, not a copy.
func (s Secret) Use(fn func([]byte) error) error {
	return fn([]byte(s))
}

// MarshalJSON redacts secrets in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// MarshalText redacts secrets for text encoders (YAML, logfmt).
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// FromString copies in into a new Secret.
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes copies in into a new Secret.
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}

// ReadFile loads a private key file. A missing file yields an empty Secret
// and no error, so callers can fall back to an agent.
func ReadFile(path string) (Secret, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	s := FromBytes(data)
	for i := range data {
		data[i] = 0
	}
	return s, nil
}
