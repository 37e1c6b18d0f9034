// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing. Every integrity chain
// and signature in Clasper hashes the output of this package, so two parties
// that agree on a JSON value agree on its digest.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (honoring struct tags), then
// transformed: object keys sorted lexicographically at every depth, no
// insignificant whitespace, numbers in shortest form, HTML escaping off.
// NaN and Infinity fail the pre-marshal. Floats and integers that would
// lose precision in transit are forbidden in hashable payloads by contract.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// FormatHash prefixes a hex digest with the algorithm tag used on the wire.
func FormatHash(hexDigest string) string {
	return "sha256:" + hexDigest
}

// FormattedHash is CanonicalHash with the "sha256:" wire prefix applied.
func FormattedHash(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return FormatHash(h), nil
}
