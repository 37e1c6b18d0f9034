// Package secrets derives per-purpose signing secrets from a master secret
// using HKDF-SHA256. Tool tokens and decision tokens live in different trust
// domains, so each gets its own derived key unless the deployment pins an
// explicit secret for it.
package secrets

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels a derivation domain. The label is mixed into the HKDF info
// parameter, so keys for different purposes are computationally independent.
type Purpose string

const (
	PurposeToolToken     Purpose = "clasper/tool-token/v1"
	PurposeDecisionToken Purpose = "clasper/decision-token/v1"
)

// Derive produces a 32-byte secret for the given purpose from the master
// secret. Deterministic: the same (master, purpose) pair always yields the
// same key, so restarts do not invalidate outstanding tokens.
func Derive(master []byte, purpose Purpose) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("secrets: empty master secret")
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets: hkdf derivation failed: %w", err)
	}
	return key, nil
}

// Resolve returns the explicit secret when set, otherwise derives one from
// the master. Exactly one of the two paths is taken; there is no fallthrough
// to an empty key.
func Resolve(explicit string, master []byte, purpose Purpose) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	return Derive(master, purpose)
}
