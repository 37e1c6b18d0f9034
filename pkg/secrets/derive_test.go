package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_DeterministicAndDomainSeparated(t *testing.T) {
	master := []byte("master-secret")

	k1, err := Derive(master, PurposeToolToken)
	require.NoError(t, err)
	k2, err := Derive(master, PurposeToolToken)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same purpose must derive the same key")

	k3, err := Derive(master, PurposeDecisionToken)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "purposes must not share keys")
	assert.Len(t, k1, 32)
}

func TestDerive_EmptyMaster(t *testing.T) {
	_, err := Derive(nil, PurposeToolToken)
	assert.Error(t, err)
}

func TestResolve_ExplicitWins(t *testing.T) {
	key, err := Resolve("pinned", []byte("master"), PurposeToolToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("pinned"), key)

	derived, err := Resolve("", []byte("master"), PurposeToolToken)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("pinned"), derived)
	assert.Len(t, derived, 32)
}
