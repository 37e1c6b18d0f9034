package decision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/risk"
	"github.com/clasperhq/clasper/pkg/store"
)

type fixture struct {
	orch     *Orchestrator
	registry *registry.Registry
	policies *policy.Engine
	budgets  *budget.Store
	queue    *approval.Queue
	log      *audit.Log
}

func newFixture(t *testing.T) *fixture {
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
	queue := approval.NewQueue(db, log, []byte("decision-secret"), 0)
	orch := NewOrchestrator(reg, risk.NewScorer(risk.DefaultWeights()), pol, bud, queue, log, Options{})
	return &fixture{orch: orch, registry: reg, policies: pol, budgets: bud, queue: queue, log: log}
}

func (f *fixture) register(t *testing.T, id, riskClass string, caps ...string) {
	t.Helper()
	require.NoError(t, f.registry.Upsert(context.Background(), registry.Adapter{
		TenantID: "t1", AdapterID: id, Version: "1.0.0",
		RiskClass: riskClass, Capabilities: caps, Enabled: true,
	}))
}

// A low-risk request against a registered adapter gets a bounded grant.
func TestDecide_LowRiskAllow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "reg_adapter", "low", "llm")

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f.orch.WithClock(func() time.Time { return now })

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID:              "t1",
		ExecutionID:           "exec-1",
		AdapterID:             "reg_adapter",
		RequestedCapabilities: []string{"llm"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.GrantedScope)
	assert.Equal(t, []string{"llm"}, d.GrantedScope.Capabilities)
	assert.Equal(t, budget.DefaultMaxSteps, d.GrantedScope.MaxSteps)
	assert.Equal(t, budget.DefaultCostCap, d.GrantedScope.MaxCost)
	assert.Equal(t, now.Add(15*time.Minute), d.GrantedScope.ExpiresAt)
	assert.Equal(t, risk.LevelLow, d.Risk.Level)

	entries, err := f.log.List(ctx, "t1", audit.Query{EventType: "execution_decision"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var event struct {
		Risk struct {
			Level string `json:"level"`
		} `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(entries[0].EventData, &event))
	assert.Equal(t, "low", event.Risk.Level)
}

// The marketplace shell.exec deny rule blocks the request.
func TestDecide_PolicyDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "mkt_adapter", "low", "shell.exec")
	require.NoError(t, f.policies.Upsert(ctx, policy.Policy{
		TenantID: "t1", PolicyID: "deny-marketplace-shell", SubjectType: policy.SubjectAdapter,
		Conditions: map[string]any{
			"capability": "shell.exec",
			"context":    map[string]any{"external_network": true},
			"provenance": map[string]any{"source": "marketplace"},
		},
		Effect: policy.EffectDeny, Enabled: true,
	}))

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID:              "t1",
		ExecutionID:           "exec-2",
		AdapterID:             "mkt_adapter",
		RequestedCapabilities: []string{"shell.exec"},
		Context:               map[string]any{"external_network": true},
		Provenance:            map[string]any{"source": "marketplace"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "blocked_by_policy", d.BlockedReason)
	assert.Contains(t, d.MatchedPolicies, "deny-marketplace-shell")
}

// The same rule does not match when the request omits context, and the
// risk stays below the approval threshold, so the request is allowed.
func TestDecide_UnknownContextAllows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "mkt_adapter", "low", "shell.exec")
	require.NoError(t, f.policies.Upsert(ctx, policy.Policy{
		TenantID: "t1", PolicyID: "deny-marketplace-shell", SubjectType: policy.SubjectAdapter,
		Conditions: map[string]any{
			"capability": "shell.exec",
			"context":    map[string]any{"external_network": true},
			"provenance": map[string]any{"source": "marketplace"},
		},
		Effect: policy.EffectDeny, Enabled: true,
	}))

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID:              "t1",
		ExecutionID:           "exec-3",
		AdapterID:             "mkt_adapter",
		RequestedCapabilities: []string{"shell.exec"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.MatchedPolicies)
}

// A high-risk request with no matching policy still needs approval.
func TestDecide_HighRiskForcesApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "risky_adapter", "high", "shell.exec")

	// 35 base + 10 high-impact + 10 external network + 10 untested = 65.
	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID:              "t1",
		ExecutionID:           "exec-4",
		AdapterID:             "risky_adapter",
		RequestedCapabilities: []string{"shell.exec"},
		SkillState:            "untested",
		Context:               map[string]any{"external_network": true},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.NotEmpty(t, d.DecisionID)
	assert.NotEmpty(t, d.DecisionToken)
	assert.Equal(t, risk.LevelHigh, d.Risk.Level)

	pending, err := f.queue.Get(ctx, "t1", d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, pending.State)

	// No rule named an approver role, so the park defaults to admin-only.
	assert.Equal(t, "admin", pending.RequiredRole)
	_, err = f.queue.Resolve(ctx, "t1", d.DecisionID, "approve", "ops_override",
		"resolved without privilege", approval.Approver{Subject: "ops-1", Roles: []string{"ops"}})
	assert.Equal(t, errdef.KindRoleInsufficient, errdef.KindOf(err))

	resolved, err := f.queue.Resolve(ctx, "t1", d.DecisionID, "approve", "ops_override",
		"reviewed the shell access request", approval.Approver{Subject: "admin-1", Roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, resolved.State)
}

func TestDecide_RequireApprovalPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a", "low", "filesystem.write")
	require.NoError(t, f.policies.Upsert(ctx, policy.Policy{
		TenantID: "t1", PolicyID: "approve-writes", SubjectType: policy.SubjectAdapter,
		Conditions: map[string]any{"capability": "filesystem.write"},
		Effect:     policy.EffectRequireApproval, RequiredRole: "ops", Enabled: true,
	}))

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID:              "t1",
		ExecutionID:           "exec-5",
		AdapterID:             "a",
		RequestedCapabilities: []string{"filesystem.write"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)

	pending, err := f.queue.Get(ctx, "t1", d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, pending.State)
	assert.Equal(t, "ops", pending.RequiredRole)
}

func TestDecide_AdapterUnknownDisabledUndeclared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e1", AdapterID: "ghost",
		RequestedCapabilities: []string{"llm"},
	})
	require.NoError(t, err)
	assert.Equal(t, "adapter_unknown", d.BlockedReason)

	f.register(t, "a", "low", "llm")
	require.NoError(t, f.registry.Disable(ctx, "t1", "a", "1.0.0"))
	d, err = f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e2", AdapterID: "a",
		RequestedCapabilities: []string{"llm"},
	})
	require.NoError(t, err)
	assert.Equal(t, "adapter_disabled", d.BlockedReason)

	f.register(t, "b", "low", "llm")
	d, err = f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e3", AdapterID: "b",
		RequestedCapabilities: []string{"llm", "shell.exec"},
	})
	require.NoError(t, err)
	assert.Equal(t, "capability_not_declared", d.BlockedReason)

	// Every branch left an audit entry.
	entries, err := f.log.List(ctx, "t1", audit.Query{EventType: "execution_decision"})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDecide_ScopeContainment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a", "low", "llm", "filesystem.read")

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e1", AdapterID: "a",
		RequestedCapabilities: []string{"llm"},
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, []string{"llm"}, d.GrantedScope.Capabilities, "grant never widens the request")
}

func TestDecide_BudgetCapsGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a", "low", "llm")
	require.NoError(t, f.budgets.Set(ctx, budget.Budget{TenantID: "t1", BudgetRemaining: 2.0, MaxSteps: 4}))

	est := 10.0
	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e1", AdapterID: "a",
		RequestedCapabilities: []string{"llm"},
		EstimatedCost:         &est,
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 2.0, d.GrantedScope.MaxCost, "budget remaining caps the estimate")
	assert.Equal(t, 4, d.GrantedScope.MaxSteps)
}

func TestDecide_SafetyFactorAppliesToEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a", "low", "llm")

	est := 0.4
	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e1", AdapterID: "a",
		RequestedCapabilities: []string{"llm"},
		EstimatedCost:         &est,
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.GrantedScope.MaxCost, 1e-9)
}

func TestDecide_BudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a", "low", "llm")
	require.NoError(t, f.budgets.Set(ctx, budget.Budget{TenantID: "t1", BudgetRemaining: 0}))

	d, err := f.orch.Decide(ctx, ExecutionRequest{
		TenantID: "t1", ExecutionID: "e1", AdapterID: "a",
		RequestedCapabilities: []string{"llm"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "budget_exceeded", d.BlockedReason)
}

func TestDecide_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Decide(ctx, ExecutionRequest{AdapterID: "a", ExecutionID: "e"})
	assert.Equal(t, errdef.KindMissingTenant, errdef.KindOf(err))

	_, err = f.orch.Decide(ctx, ExecutionRequest{TenantID: "t1"})
	assert.Equal(t, errdef.KindSchemaInvalid, errdef.KindOf(err))
}
