package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/store"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return New(db)
}

func adapter(tenant, id, version, riskClass string, caps ...string) Adapter {
	return Adapter{
		TenantID:     tenant,
		AdapterID:    id,
		Version:      version,
		RiskClass:    riskClass,
		Capabilities: caps,
		Enabled:      true,
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, adapter("t1", "reg_adapter", "1.0.0", "low", "llm")))

	got, err := r.Get(ctx, "t1", "reg_adapter", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "low", got.RiskClass)
	assert.True(t, got.HasCapability("llm"))
	assert.False(t, got.HasCapability("shell.exec"))

	// Upsert replaces in place.
	require.NoError(t, r.Upsert(ctx, adapter("t1", "reg_adapter", "1.0.0", "high", "llm", "shell.exec")))
	got, err = r.Get(ctx, "t1", "reg_adapter", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "high", got.RiskClass)
	assert.True(t, got.HasCapability("shell.exec"))
}

func TestGet_Unknown(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get(context.Background(), "t1", "nope", "")
	require.Error(t, err)
	assert.Equal(t, errdef.KindAdapterUnknown, errdef.KindOf(err))
}

func TestUpsert_RejectsBadRiskClass(t *testing.T) {
	r := testRegistry(t)
	err := r.Upsert(context.Background(), adapter("t1", "a", "1.0.0", "extreme"))
	require.Error(t, err)
	assert.Equal(t, errdef.KindSchemaInvalid, errdef.KindOf(err))
}

func TestGet_LatestPrefersHighestSemver(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.2.0", "low", "llm")))
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.10.0", "low", "llm")))
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.9.9", "low", "llm")))

	got, err := r.Get(ctx, "t1", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", got.Version, "numeric semver compare, not lexicographic")
}

func TestGet_LatestNonSemverSortsAfterSemver(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "snapshot-z", "low", "llm")))
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "0.1.0", "low", "llm")))

	got, err := r.Get(ctx, "t1", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", got.Version, "any valid semver beats a non-semver tag")
}

func TestDisable(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.0.0", "low", "llm")))
	require.NoError(t, r.Disable(ctx, "t1", "a", "1.0.0"))

	got, err := r.Get(ctx, "t1", "a", "1.0.0")
	require.NoError(t, err, "disabled rows are still resolvable")
	assert.False(t, got.Enabled)

	err = r.Disable(ctx, "t1", "missing", "1.0.0")
	assert.Equal(t, errdef.KindAdapterUnknown, errdef.KindOf(err))
}

func TestList_TenantIsolation(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.0.0", "low", "llm")))
	require.NoError(t, r.Upsert(ctx, adapter("t2", "b", "1.0.0", "low", "llm")))

	list, err := r.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].AdapterID)
}

var testJWK = json.RawMessage(`{"kty":"OKP","crv":"Ed25519","x":"11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo"}`)

func TestSetKey_OneActivePerVersion(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.0.0", "low", "llm")))

	k1, err := r.SetKey(ctx, "t1", "a", "1.0.0", AlgEd25519, testJWK, "")
	require.NoError(t, err)
	assert.NotEmpty(t, k1.KeyID)

	// Second active key for the same version is refused.
	_, err = r.SetKey(ctx, "t1", "a", "1.0.0", AlgEd25519, testJWK, "")
	require.Error(t, err)
	assert.Equal(t, errdef.KindStoreConflict, errdef.KindOf(err))

	// Revoke, then set again.
	require.NoError(t, r.RevokeKey(ctx, "t1", "a", "1.0.0", k1.KeyID))
	_, err = r.SetKey(ctx, "t1", "a", "1.0.0", AlgEd25519, testJWK, "")
	require.NoError(t, err)
}

func TestSetKey_RejectsUnsupportedAlgorithm(t *testing.T) {
	r := testRegistry(t)
	_, err := r.SetKey(context.Background(), "t1", "a", "1.0.0", "RS256", testJWK, "")
	require.Error(t, err)
	assert.Equal(t, errdef.KindUnsupportedAlgorithm, errdef.KindOf(err))
}

func TestActiveKey(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.0.0", "low", "llm")))

	_, err := r.ActiveKey(ctx, "t1", "a", "1.0.0")
	assert.Equal(t, errdef.KindMissingKey, errdef.KindOf(err))

	k, err := r.SetKey(ctx, "t1", "a", "1.0.0", AlgEd25519, testJWK, "kid-1")
	require.NoError(t, err)

	got, err := r.ActiveKey(ctx, "t1", "a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", got.KeyID)
	assert.Equal(t, AlgEd25519, got.Algorithm)

	require.NoError(t, r.RevokeKey(ctx, "t1", "a", "1.0.0", k.KeyID))
	_, err = r.ActiveKey(ctx, "t1", "a", "1.0.0")
	assert.Equal(t, errdef.KindKeyRevoked, errdef.KindOf(err))
}

func TestActiveKey_ResolvesLatestVersion(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "1.0.0", "low", "llm")))
	require.NoError(t, r.Upsert(ctx, adapter("t1", "a", "2.0.0", "low", "llm")))
	_, err := r.SetKey(ctx, "t1", "a", "2.0.0", AlgEd25519, testJWK, "kid-2")
	require.NoError(t, err)

	got, err := r.ActiveKey(ctx, "t1", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "kid-2", got.KeyID)
}
