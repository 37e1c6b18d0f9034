package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/auth"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/config"
	"github.com/clasperhq/clasper/pkg/decision"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/risk"
	"github.com/clasperhq/clasper/pkg/store"
	"github.com/clasperhq/clasper/pkg/telemetry"
	"github.com/clasperhq/clasper/pkg/tooltoken"
	"github.com/clasperhq/clasper/pkg/trace"
)

// newTestHandler wires the full stack against an in-memory store with the
// dev-bypass identity (tenant "dev", role admin).
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return newTestServer(t).Handler(auth.Middleware(nil, true, WriteError))
}

// newIdentityHandler wires the same stack but pins the request identity,
// for exercising per-identity permission claims.
func newIdentityHandler(t *testing.T, id *auth.Identity) http.Handler {
	t.Helper()
	return newTestServer(t).Handler(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	log := audit.NewLog(db)
	reg := registry.New(db)
	pol := policy.NewEngine(db)
	bud := budget.NewStore(db)
	traces := trace.NewStore(db)
	queue := approval.NewQueue(db, log, []byte("decision-secret"), 0)
	tokens := tooltoken.NewService(db, []byte("tool-secret"))
	ingest := telemetry.NewService(db, reg, traces, log, bud, config.ModeOff, 0)
	orch := decision.NewOrchestrator(reg, risk.NewScorer(risk.DefaultWeights()), pol, bud, queue, log, decision.Options{})

	return NewServer(Services{
		DB: db, Decisions: orch, Queue: queue, Tokens: tokens, Ingest: ingest,
		Audit: log, Policies: pol, Adapters: reg, Traces: traces, Budgets: bud,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestHandler(t)
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readiness", nil).Code)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestMissingAuthIsProblemDetail(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	srv := NewServer(Services{DB: db, Audit: audit.NewLog(db)})
	h := srv.Handler(auth.Middleware(nil, false, WriteError))

	rec := doJSON(t, h, http.MethodGet, "/v1/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "missing_token", p.Title)
	assert.Equal(t, "https://clasper.dev/errors/missing_token", p.Type)
	assert.Equal(t, "/v1/audit", p.Instance)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), p.TraceID)
}

func TestDecideGrantFlow(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPut, "/v1/adapters", map[string]any{
		"adapter_id": "summarizer", "version": "1.0.0",
		"risk_class": "low", "capabilities": []string{"llm"}, "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/executions/decide", map[string]any{
		"execution_id": "exec-1", "adapter_id": "summarizer",
		"requested_capabilities": []string{"llm"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["allowed"])
	require.NotNil(t, body["granted_scope"])

	// The decision left an audit entry for the dev tenant.
	rec = doJSON(t, h, http.MethodGet, "/v1/audit?event_type=execution_decision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody(t, rec)["entries"].([]any)
	assert.Len(t, entries, 1)

	rec = doJSON(t, h, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestDecideUnknownAdapterIsBlockedNotError(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/executions/decide", map[string]any{
		"execution_id": "exec-1", "adapter_id": "ghost",
		"requested_capabilities": []string{"llm"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "adapter_unknown", body["blocked_reason"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPut, "/v1/adapters", map[string]any{
		"adapter_id": "deployer", "version": "2.0.0",
		"risk_class": "low", "capabilities": []string{"deploy"}, "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/v1/policies", map[string]any{
		"policy_id": "hold-deploys", "subject_type": "adapter", "subject_name": "deployer",
		"effect": "require_approval", "required_role": "admin", "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/executions/decide", map[string]any{
		"execution_id": "exec-9", "adapter_id": "deployer",
		"requested_capabilities": []string{"deploy"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, true, body["requires_approval"])
	decisionID := body["decision_id"].(string)
	token := body["decision_token"].(string)
	require.NotEmpty(t, decisionID)
	require.NotEmpty(t, token)

	rec = doJSON(t, h, http.MethodGet, "/v1/decisions/"+decisionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeBody(t, rec)["state"])

	rec = doJSON(t, h, http.MethodPost, "/v1/decisions/"+decisionID+"/resolve", map[string]any{
		"action": "approve", "reason_code": "ops_override",
		"justification": "deploy window confirmed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody(t, rec)["state"])

	rec = doJSON(t, h, http.MethodPost, "/v1/decisions/"+decisionID+"/consume", map[string]any{
		"decision_token": token,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decodeBody(t, rec)["granted_scope"])

	// Second consume conflicts.
	rec = doJSON(t, h, http.MethodPost, "/v1/decisions/"+decisionID+"/consume", map[string]any{
		"decision_token": token,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveValidationStatuses(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/decisions/nope/resolve", map[string]any{
		"action": "approve", "reason_code": "ops_override",
		"justification": "long enough justification",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolTokenIssueAndConsume(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/tool-tokens", map[string]any{
		"adapter_id": "summarizer", "execution_id": "exec-1", "tool": "shell.exec",
		"scope": map[string]any{"cmd": "ls"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = doJSON(t, h, http.MethodPost, "/v1/tool-tokens/consume", map[string]any{"token": token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "shell.exec", decodeBody(t, rec)["tool"])

	rec = doJSON(t, h, http.MethodPost, "/v1/tool-tokens/consume", map[string]any{"token": token})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "tool_token_used", p.Title)
}

// The identity's tool allowlist gates token issuance before the service runs.
func TestToolTokenIssueHonorsAllowlist(t *testing.T) {
	h := newIdentityHandler(t, &auth.Identity{
		Kind: auth.KindAdapter, Subject: "agent-1", TenantID: "t1",
		AllowedTools: []string{"calc:*"},
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/tool-tokens", map[string]any{
		"adapter_id": "calc", "execution_id": "exec-1", "tool": "shell.exec",
		"scope": map[string]any{"cmd": "ls"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "permission_denied", p.Title)

	rec = doJSON(t, h, http.MethodPost, "/v1/tool-tokens", map[string]any{
		"adapter_id": "calc", "execution_id": "exec-1", "tool": "calc:add",
		"scope": map[string]any{"a": 1},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// The identity's budget claim rejects a decide before tenant budgets apply.
func TestDecideHonorsIdentityBudgetClaim(t *testing.T) {
	remaining := 0.10
	h := newIdentityHandler(t, &auth.Identity{
		Kind: auth.KindAdapter, Subject: "agent-1", TenantID: "t1",
		Roles: []string{"admin"}, BudgetRemaining: &remaining,
	})

	rec := doJSON(t, h, http.MethodPut, "/v1/adapters", map[string]any{
		"adapter_id": "summarizer", "version": "1.0.0",
		"risk_class": "low", "capabilities": []string{"llm"}, "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/executions/decide", map[string]any{
		"execution_id": "exec-1", "adapter_id": "summarizer",
		"requested_capabilities": []string{"llm"}, "estimated_cost": 5.0,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "budget_exceeded", p.Title)

	rec = doJSON(t, h, http.MethodPost, "/v1/executions/decide", map[string]any{
		"execution_id": "exec-2", "adapter_id": "summarizer",
		"requested_capabilities": []string{"llm"}, "estimated_cost": 0.05,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["allowed"])
}

func TestTelemetryModeEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPut, "/v1/telemetry/mode", map[string]any{"mode": "warn"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "warn", decodeBody(t, rec)["mode"])

	rec = doJSON(t, h, http.MethodPut, "/v1/telemetry/mode", map[string]any{"mode": "loud"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyEvaluateDryRun(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPut, "/v1/policies", map[string]any{
		"policy_id": "deny-shell", "subject_type": "tool", "subject_name": "shell.exec",
		"effect": "deny", "enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/policies/evaluate", map[string]any{
		"tool": "shell.exec",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "deny", body["decision"])

	rec = doJSON(t, h, http.MethodGet, "/v1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["policies"].([]any), 1)
}

func TestTelemetryIngestOffMode(t *testing.T) {
	h := newTestHandler(t)

	payload := map[string]any{"amount": 0.25, "currency": "USD"}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := map[string]any{
		"envelope_version": "v1",
		"adapter_id":       "summarizer",
		"adapter_version":  "1.0.0",
		"issued_at":        "2026-08-25T12:00:00Z",
		"execution_id":     "exec-1",
		"payload_type":     "cost",
		"payload_hash":     payloadHash(t, raw),
		"payload":          payload,
		"signature":        "AA",
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/telemetry/ingest", env)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "off", body["mode"])
}

func payloadHash(t *testing.T, raw []byte) string {
	t.Helper()
	h, err := canonicalize.FormattedHash(json.RawMessage(raw))
	require.NoError(t, err)
	return h
}

func TestBudgetRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(-1), decodeBody(t, rec)["budget_remaining"])

	rec = doJSON(t, h, http.MethodPut, "/v1/budget", map[string]any{
		"budget_remaining": 12.5, "max_steps": 8, "default_cost_cap": 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 12.5, body["budget_remaining"])
	assert.Equal(t, float64(8), body["max_steps"])
}

func TestAdapterGetNotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/adapters/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestBodyCapYields413(t *testing.T) {
	h := newTestHandler(t)

	big := strings.Repeat("x", maxBodyBytes+10)
	body := fmt.Sprintf(`{"execution_id":"exec-1","pad":%q}`, big)
	req := httptest.NewRequest(http.MethodPost, "/v1/executions/decide", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	cases := map[errdef.Kind]int{
		errdef.KindMissingToken:     http.StatusUnauthorized,
		errdef.KindBlockedByPolicy:  http.StatusForbidden,
		errdef.KindSchemaInvalid:    http.StatusBadRequest,
		errdef.KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
		errdef.KindDecisionNotFound: http.StatusNotFound,
		errdef.KindAlreadyResolved:  http.StatusConflict,
		errdef.KindToolTokenUsed:    http.StatusConflict,
		errdef.KindToolTokenExpired: http.StatusUnprocessableEntity,
		errdef.KindTimeout:          http.StatusGatewayTimeout,
		errdef.KindStoreUnavailable: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	WriteError(rec, req, fmt.Errorf("dsn user=admin password=hunter2"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
