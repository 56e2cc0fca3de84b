// Package hashing canonicalizes JSON payloads and computes the SHA-256
// content hash stored on every record version.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrEncoding is returned when a payload is not a single well-formed JSON value.
var ErrEncoding = errors.New("malformed payload")

// Canonicalize decodes payload and re-encodes it so that logically equal
// documents produce identical bytes: object keys sorted, no insignificant
// whitespace, no HTML escaping, numbers kept as written.
func Canonicalize(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrEncoding)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrEncoding)
	}

	return encode(v)
}

// Compute returns the lowercase hex SHA-256 of the canonical form of payload.
func Compute(payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return Sum(canonical), nil
}

// ComputeValue marshals v and hashes the result.
func ComputeValue(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return Compute(raw)
}

// Sum hashes raw bytes without canonicalizing them.
func Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether payload hashes to expected.
func Equal(payload []byte, expected string) bool {
	got, err := Compute(payload)
	if err != nil {
		return false
	}
	return got == expected
}

// encoding/json sorts map keys when marshalling map[string]interface{}, which
// is the whole canonicalization step once the input has been decoded.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
