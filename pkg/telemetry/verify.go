package telemetry

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/registry"
)

// DefaultMaxSkew bounds |now − issued_at|.
const DefaultMaxSkew = 300 * time.Second

// verifyEnvelope runs the integrity pipeline in order: key lookup, payload
// hash, timestamp skew, signature. The first failure's kind is returned.
func (s *Service) verifyEnvelope(ctx context.Context, tenantID string, e *Envelope) error {
	key, err := s.registry.ActiveKey(ctx, tenantID, e.AdapterID, e.AdapterVersion)
	if err != nil {
		return err
	}

	computed, err := canonicalize.FormattedHash(json.RawMessage(e.Payload))
	if err != nil {
		return errdef.Wrap(errdef.KindSchemaInvalid, "canonicalize payload", err)
	}
	if computed != e.PayloadHash {
		return errdef.New(errdef.KindPayloadHashMismatch, "payload does not match payload_hash")
	}

	issuedAt, err := time.Parse(time.RFC3339, e.IssuedAt)
	if err != nil {
		return errdef.Wrap(errdef.KindSchemaInvalid, "issued_at is not RFC 3339", err)
	}
	skew := s.clock().UTC().Sub(issuedAt.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return errdef.Newf(errdef.KindTimestampSkew, "issued_at is %s away from server time (max %s)", skew.Round(time.Second), s.maxSkew)
	}

	input, err := e.SigningInput()
	if err != nil {
		return errdef.Wrap(errdef.KindSchemaInvalid, "build signing input", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(e.Signature)
	if err != nil {
		// Padded base64url is tolerated.
		sig, err = base64.URLEncoding.DecodeString(e.Signature)
		if err != nil {
			return errdef.Wrap(errdef.KindInvalidSignature, "signature is not base64url", err)
		}
	}

	switch key.Algorithm {
	case registry.AlgEd25519:
		return verifyEd25519(key.PublicJWK, input, sig)
	case registry.AlgES256:
		return verifyES256(key.PublicJWK, input, sig)
	default:
		return errdef.Newf(errdef.KindUnsupportedAlgorithm, "key algorithm %q", key.Algorithm)
	}
}

type okpJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

func verifyEd25519(jwk json.RawMessage, input, sig []byte) error {
	var k okpJWK
	if err := json.Unmarshal(jwk, &k); err != nil {
		return errdef.Wrap(errdef.KindInvalidSignature, "decode OKP JWK", err)
	}
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return errdef.Newf(errdef.KindUnsupportedAlgorithm, "JWK %s/%s is not an Ed25519 key", k.Kty, k.Crv)
	}
	pub, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errdef.New(errdef.KindInvalidSignature, "malformed Ed25519 public key")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), input, sig) {
		return errdef.New(errdef.KindInvalidSignature, "ed25519 signature does not verify")
	}
	return nil
}

type ecJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// verifyES256 checks an ECDSA P-256/SHA-256 signature in raw 64-byte R||S
// form, as JOSE encodes it.
func verifyES256(jwk json.RawMessage, input, sig []byte) error {
	var k ecJWK
	if err := json.Unmarshal(jwk, &k); err != nil {
		return errdef.Wrap(errdef.KindInvalidSignature, "decode EC JWK", err)
	}
	if k.Kty != "EC" || k.Crv != "P-256" {
		return errdef.Newf(errdef.KindUnsupportedAlgorithm, "JWK %s/%s is not a P-256 key", k.Kty, k.Crv)
	}
	xb, errX := base64.RawURLEncoding.DecodeString(k.X)
	yb, errY := base64.RawURLEncoding.DecodeString(k.Y)
	if errX != nil || errY != nil {
		return errdef.New(errdef.KindInvalidSignature, "malformed EC public key")
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if len(sig) != 64 {
		return errdef.Newf(errdef.KindInvalidSignature, "ES256 signature must be 64 bytes, got %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	ss := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(input)
	if !ecdsa.Verify(pub, digest[:], r, ss) {
		return errdef.New(errdef.KindInvalidSignature, "ES256 signature does not verify")
	}
	return nil
}
