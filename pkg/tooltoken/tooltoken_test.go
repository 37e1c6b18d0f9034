package tooltoken

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return NewService(db, []byte("test-tool-token-secret"))
}

func issueReq() IssueRequest {
	return IssueRequest{
		TenantID:    "t1",
		WorkspaceID: "ws1",
		AdapterID:   "adapter-1",
		ExecutionID: "exec-1",
		Tool:        "shell.exec",
		Scope:       map[string]any{"command": "ls", "cwd": "/tmp"},
		TTL:         time.Minute,
	}
}

func TestIssueAndVerify(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.NotEmpty(t, issued.JTI)
	assert.Contains(t, issued.ScopeHash, "sha256:")

	claims, err := s.Verify(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "shell.exec", claims.Tool)
	assert.Equal(t, issued.ScopeHash, claims.ScopeHash)
	assert.Equal(t, issued.JTI, claims.ID)
}

func TestIssue_ScopeHashIsCanonical(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	a, err := s.Issue(ctx, IssueRequest{
		TenantID: "t1", AdapterID: "a", ExecutionID: "e1", Tool: "x",
		Scope: map[string]any{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	b, err := s.Issue(ctx, IssueRequest{
		TenantID: "t1", AdapterID: "a", ExecutionID: "e2", Tool: "x",
		Scope: map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, a.ScopeHash, b.ScopeHash, "key order does not change the hash")
}

func TestVerify_WrongSecret(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	other := testService(t)
	other.secret = []byte("a-different-secret")
	_, err = other.Verify(ctx, issued.Token)
	require.Error(t, err)
	assert.Equal(t, errdef.KindInvalidToolToken, errdef.KindOf(err))
}

func TestVerify_Expired(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	s.WithClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	_, err = s.Verify(ctx, issued.Token)
	require.Error(t, err)
	assert.Equal(t, errdef.KindToolTokenExpired, errdef.KindOf(err))
}

func TestConsume_SingleUse(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	claims, err := s.Consume(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.JTI, claims.ID)

	_, err = s.Consume(ctx, issued.Token)
	require.Error(t, err)
	assert.Equal(t, errdef.KindToolTokenUsed, errdef.KindOf(err))

	// Verify also reports the spent state.
	_, err = s.Verify(ctx, issued.Token)
	assert.Equal(t, errdef.KindToolTokenUsed, errdef.KindOf(err))
}

// Concurrent consumes of the same jti have exactly one winner.
func TestConsume_ConcurrentExactlyOneWinner(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	losses := make(chan errdef.Kind, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, issued.Token)
			if err == nil {
				wins <- struct{}{}
			} else {
				losses <- errdef.KindOf(err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	close(losses)

	assert.Len(t, wins, 1, "exactly one consume succeeds")
	for kind := range losses {
		assert.Equal(t, errdef.KindToolTokenUsed, kind)
	}
}

func TestConsume_UnknownToken(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	issued, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	// Same secret, but the backing row lives in another store.
	fresh := testService(t)
	fresh.secret = s.secret
	_, err = fresh.Consume(ctx, issued.Token)
	require.Error(t, err)
	assert.Equal(t, errdef.KindInvalidToolToken, errdef.KindOf(err))
}

func TestIssue_Validation(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueRequest{AdapterID: "a", ExecutionID: "e", Tool: "x"})
	assert.Equal(t, errdef.KindMissingTenant, errdef.KindOf(err))

	_, err = s.Issue(ctx, IssueRequest{TenantID: "t1"})
	assert.Equal(t, errdef.KindSchemaInvalid, errdef.KindOf(err))
}
