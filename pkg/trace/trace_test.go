package trace

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return NewStore(db)
}

// signedSteps builds a correctly chained step list.
func signedSteps(t *testing.T, n int) []Step {
	t.Helper()
	var steps []Step
	var prev *string
	for i := 0; i < n; i++ {
		s := Step{
			StepID:       string(rune('a' + i)),
			PrevStepHash: prev,
			Type:         "tool_call",
			Timestamp:    time.Date(2026, 8, 25, 12, i, 0, 0, time.UTC).Format(time.RFC3339Nano),
			Data:         json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		}
		hash, err := HashStep(s)
		require.NoError(t, err)
		s.StepHash = &hash
		steps = append(steps, s)
		prev = &hash
	}
	return steps
}

func baseTrace(id string, steps []Step) Trace {
	return Trace{
		TraceID:     id,
		TenantID:    "t1",
		WorkspaceID: "ws1",
		AdapterID:   "adapter-1",
		StartedAt:   time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Status:      "completed",
		Steps:       steps,
	}
}

func TestPutAndGet_Verified(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", signedSteps(t, 3))))

	got, verdict, err := s.Get(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictVerified, verdict)
	assert.Len(t, got.Steps, 3)
	assert.Nil(t, got.Steps[0].PrevStepHash)
	assert.Equal(t, *got.Steps[0].StepHash, *got.Steps[1].PrevStepHash)
}

func TestGet_CompromisedOnTamperedData(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	steps := signedSteps(t, 3)
	steps[1].Data = json.RawMessage(`{"tampered":true}`)
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", steps)))

	_, verdict, err := s.Get(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictCompromised, verdict)
}

func TestGet_CompromisedOnBrokenLink(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	steps := signedSteps(t, 3)
	wrong := "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	steps[2].PrevStepHash = &wrong
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", steps)))

	_, verdict, err := s.Get(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictCompromised, verdict)
}

func TestGet_Unsigned(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	steps := signedSteps(t, 2)
	for i := range steps {
		steps[i].StepHash = nil
		steps[i].PrevStepHash = nil
	}
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", steps)))

	_, verdict, err := s.Get(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictUnsigned, verdict)
}

func TestGet_UnverifiedWithNoSteps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", nil)))

	_, verdict, err := s.Get(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictUnverified, verdict)
}

func TestGet_TenantIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", nil)))

	_, _, err := s.Get(ctx, "t2", "tr-1")
	require.Error(t, err)
	assert.Equal(t, errdef.KindDecisionNotFound, errdef.KindOf(err))
}

func TestList_FiltersAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i, id := range []string{"tr-1", "tr-2", "tr-3"} {
		tr := baseTrace(id, nil)
		tr.StartedAt = tr.StartedAt.Add(time.Duration(i) * time.Hour)
		if id == "tr-2" {
			tr.Status = "failed"
		}
		require.NoError(t, s.Put(ctx, tr))
	}

	all, err := s.List(ctx, "t1", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "tr-3", all[0].TraceID, "newest first")

	failed, err := s.List(ctx, "t1", Filter{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "tr-2", failed[0].TraceID)

	paged, err := s.List(ctx, "t1", Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "tr-2", paged[0].TraceID)
}

func TestDeleteOlderThan_RemovesWholeTraces(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := baseTrace("tr-old", signedSteps(t, 2))
	old.StartedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, old))
	require.NoError(t, s.Put(ctx, baseTrace("tr-new", signedSteps(t, 2))))

	n, err := s.DeleteOlderThan(ctx, "t1", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = s.Get(ctx, "t1", "tr-old")
	require.Error(t, err)

	got, verdict, err := s.Get(ctx, "t1", "tr-new")
	require.NoError(t, err)
	assert.Equal(t, VerdictVerified, verdict)
	assert.Len(t, got.Steps, 2)
}

func TestPut_DuplicateIsConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, baseTrace("tr-1", nil)))
	err := s.Put(ctx, baseTrace("tr-1", nil))
	require.Error(t, err)
	assert.Equal(t, errdef.KindStoreConflict, errdef.KindOf(err))
}
