package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// Telemetry key algorithms. Anything else is rejected at set time so the
// verifier never has to handle an algorithm it doesn't implement.
const (
	AlgEd25519 = "ed25519"
	AlgES256   = "ES256"
)

// Key is a telemetry signing key bound to (tenant, adapter, version).
type Key struct {
	TenantID  string          `json:"tenant_id"`
	AdapterID string          `json:"adapter_id"`
	Version   string          `json:"version"`
	KeyID     string          `json:"key_id"`
	Algorithm string          `json:"algorithm"`
	PublicJWK json.RawMessage `json:"public_jwk"`
	CreatedAt time.Time       `json:"created_at"`
	RevokedAt *time.Time      `json:"revoked_at,omitempty"`
}

// SetKey registers a telemetry public key. Setting never revokes a prior
// key: if an active key already exists for the (adapter, version) the call
// fails and the caller must revoke it first. The JWK is stored in canonical
// form so hashes over it are stable.
func (r *Registry) SetKey(ctx context.Context, tenantID, adapterID, version, algorithm string, publicJWK json.RawMessage, keyID string) (*Key, error) {
	if algorithm != AlgEd25519 && algorithm != AlgES256 {
		return nil, errdef.Newf(errdef.KindUnsupportedAlgorithm, "telemetry keys must be %s or %s, got %q", AlgEd25519, AlgES256, algorithm)
	}
	var jwkValue any
	if err := json.Unmarshal(publicJWK, &jwkValue); err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "public_jwk is not valid JSON", err)
	}
	canonical, err := canonicalize.JCS(jwkValue)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "canonicalize public_jwk", err)
	}
	if keyID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, errdef.Wrap(errdef.KindStoreUnavailable, "generate key id", err)
		}
		keyID = id.String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "key set tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM adapter_keys WHERE tenant_id = ? AND adapter_id = ? AND version = ? AND revoked_at IS NULL`,
		tenantID, adapterID, version).Scan(&active)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "key set lookup", err)
	}
	if active > 0 {
		return nil, errdef.Newf(errdef.KindStoreConflict, "adapter %s@%s already has an active key; revoke it first", adapterID, version)
	}

	now := r.clock().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO adapter_keys (tenant_id, adapter_id, version, key_id, algorithm, public_jwk, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, adapterID, version, keyID, algorithm, string(canonical), now)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreConflict, "key set insert", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errdef.Wrap(errdef.KindStoreConflict, "key set commit", err)
	}

	r.logger.Info("telemetry key set", "tenant", tenantID, "adapter", adapterID, "version", version, "key_id", keyID, "alg", algorithm)
	return &Key{
		TenantID:  tenantID,
		AdapterID: adapterID,
		Version:   version,
		KeyID:     keyID,
		Algorithm: algorithm,
		PublicJWK: canonical,
		CreatedAt: now,
	}, nil
}

// RevokeKey marks a key revoked. Revocation is permanent; the active-key
// lookup skips revoked keys from that point on.
func (r *Registry) RevokeKey(ctx context.Context, tenantID, adapterID, version, keyID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE adapter_keys SET revoked_at = ? WHERE tenant_id = ? AND adapter_id = ? AND version = ? AND key_id = ? AND revoked_at IS NULL`,
		r.clock().UTC(), tenantID, adapterID, version, keyID)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "key revoke", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errdef.Newf(errdef.KindMissingKey, "no active key %s for adapter %s@%s", keyID, adapterID, version)
	}
	r.logger.Info("telemetry key revoked", "tenant", tenantID, "adapter", adapterID, "version", version, "key_id", keyID)
	return nil
}

// ActiveKey returns the single non-revoked key for (tenant, adapter,
// version). When version is empty it resolves against the latest registered
// adapter version. A revoked or absent key is missing_key / key_revoked.
func (r *Registry) ActiveKey(ctx context.Context, tenantID, adapterID, version string) (*Key, error) {
	if version == "" {
		adapter, err := r.Get(ctx, tenantID, adapterID, "")
		if err != nil {
			return nil, err
		}
		version = adapter.Version
	}

	var k Key
	var revokedAt sql.NullTime
	var jwk string
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, adapter_id, version, key_id, algorithm, public_jwk, created_at, revoked_at
		FROM adapter_keys WHERE tenant_id = ? AND adapter_id = ? AND version = ?
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, adapterID, version).Scan(&k.TenantID, &k.AdapterID, &k.Version, &k.KeyID, &k.Algorithm, &jwk, &k.CreatedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, errdef.Newf(errdef.KindMissingKey, "no telemetry key for adapter %s@%s", adapterID, version)
	}
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "key lookup", err)
	}
	if revokedAt.Valid {
		return nil, errdef.Newf(errdef.KindKeyRevoked, "telemetry key %s for adapter %s@%s is revoked", k.KeyID, adapterID, version)
	}
	k.PublicJWK = json.RawMessage(jwk)
	return &k, nil
}
