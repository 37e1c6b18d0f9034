// Package decision orchestrates the execution decision path: resolve the
// adapter, score the risk, evaluate policy, and either grant a bounded
// scope, park the request for approval, or block it. Every branch writes
// one audit entry carrying the full request snapshot so the decision is
// reproducible after policies change.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/risk"
)

// ExecutionRequest is the inbound ask: an adapter wants to run with a set
// of capabilities on behalf of a tenant.
type ExecutionRequest struct {
	TenantID              string         `json:"tenant_id"`
	WorkspaceID           string         `json:"workspace_id,omitempty"`
	Environment           string         `json:"environment,omitempty"`
	ExecutionID           string         `json:"execution_id"`
	AdapterID             string         `json:"adapter_id"`
	AdapterVersion        string         `json:"adapter_version,omitempty"`
	RequestedCapabilities []string       `json:"requested_capabilities"`
	ToolCount             int            `json:"tool_count,omitempty"`
	EstimatedCost         *float64       `json:"estimated_cost,omitempty"`
	Intent                string         `json:"intent,omitempty"`
	Temperature           float64        `json:"temperature,omitempty"`
	SkillState            string         `json:"skill_state,omitempty"`
	DataSensitivity       string         `json:"data_sensitivity,omitempty"`
	Context               map[string]any `json:"context,omitempty"`
	Provenance            map[string]any `json:"provenance,omitempty"`
}

// ExecutionScope bounds what a granted execution may do.
type ExecutionScope struct {
	Capabilities []string  `json:"capabilities"`
	MaxSteps     int       `json:"max_steps"`
	MaxCost      float64   `json:"max_cost"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExecutionDecision is the outcome. Exactly one of the three shapes holds:
// allowed with a scope, blocked with a reason, or parked for approval.
type ExecutionDecision struct {
	Allowed          bool            `json:"allowed"`
	GrantedScope     *ExecutionScope `json:"granted_scope,omitempty"`
	BlockedReason    string          `json:"blocked_reason,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	DecisionID       string          `json:"decision_id,omitempty"`
	DecisionToken    string          `json:"decision_token,omitempty"`
	Risk             risk.Assessment `json:"risk"`
	MatchedPolicies  []string        `json:"matched_policies,omitempty"`
}

// Defaults for the grant envelope.
const (
	DefaultSafetyFactor = 1.25
	DefaultGrantTTL     = 15 * time.Minute
)

// Orchestrator wires the decision path together.
type Orchestrator struct {
	registry *registry.Registry
	scorer   *risk.Scorer
	policies *policy.Engine
	budgets  *budget.Store
	queue    *approval.Queue
	audit    *audit.Log

	safetyFactor float64
	grantTTL     time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// Options tune the grant envelope; zero values take the defaults.
type Options struct {
	SafetyFactor float64
	GrantTTL     time.Duration
}

// NewOrchestrator creates the decision orchestrator.
func NewOrchestrator(reg *registry.Registry, scorer *risk.Scorer, policies *policy.Engine, budgets *budget.Store, queue *approval.Queue, auditLog *audit.Log, opts Options) *Orchestrator {
	if opts.SafetyFactor <= 0 {
		opts.SafetyFactor = DefaultSafetyFactor
	}
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = DefaultGrantTTL
	}
	return &Orchestrator{
		registry:     reg,
		scorer:       scorer,
		policies:     policies,
		budgets:      budgets,
		queue:        queue,
		audit:        auditLog,
		safetyFactor: opts.SafetyFactor,
		grantTTL:     opts.GrantTTL,
		clock:        time.Now,
		logger:       slog.Default().With("component", "decision"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Decide runs the full decision path for one request.
func (o *Orchestrator) Decide(ctx context.Context, req ExecutionRequest) (*ExecutionDecision, error) {
	if req.TenantID == "" {
		return nil, errdef.New(errdef.KindMissingTenant, "execution request requires a tenant")
	}
	if req.AdapterID == "" || req.ExecutionID == "" {
		return nil, errdef.New(errdef.KindSchemaInvalid, "adapter_id and execution_id are required")
	}

	// Resolve the adapter. Unknown, disabled, and undeclared-capability
	// requests are blocked decisions, not transport errors: they are still
	// audited with a snapshot.
	adapter, err := o.registry.Get(ctx, req.TenantID, req.AdapterID, req.AdapterVersion)
	if err != nil {
		if errdef.Is(err, errdef.KindAdapterUnknown) {
			return o.blocked(ctx, req, risk.Assessment{}, nil, string(errdef.KindAdapterUnknown))
		}
		return nil, err
	}
	if !adapter.Enabled {
		return o.blocked(ctx, req, risk.Assessment{}, nil, string(errdef.KindAdapterDisabled))
	}
	for _, c := range req.RequestedCapabilities {
		if !adapter.HasCapability(c) {
			return o.blocked(ctx, req, risk.Assessment{}, nil, string(errdef.KindCapabilityNotDeclared))
		}
	}

	assessment := o.scorer.Score(risk.Input{
		AdapterRiskClass:   adapter.RiskClass,
		Capabilities:       req.RequestedCapabilities,
		ToolCount:          req.ToolCount,
		SkillState:         req.SkillState,
		Temperature:        req.Temperature,
		DataSensitivity:    req.DataSensitivity,
		ExternalNetwork:    boolFlag(req.Context, "external_network"),
		ElevatedPrivileges: boolFlag(req.Context, "elevated_privileges"),
		ProvenanceSource:   stringFlag(req.Provenance, "source"),
	})

	verdict, err := o.policies.Evaluate(ctx, policy.Context{
		TenantID:              req.TenantID,
		WorkspaceID:           req.WorkspaceID,
		Environment:           req.Environment,
		AdapterID:             req.AdapterID,
		AdapterRiskClass:      adapter.RiskClass,
		SkillState:            req.SkillState,
		RiskLevel:             string(assessment.Level),
		EstimatedCost:         req.EstimatedCost,
		RequestedCapabilities: req.RequestedCapabilities,
		Intent:                req.Intent,
		Context:               req.Context,
		Provenance:            req.Provenance,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case verdict.Decision == policy.EffectDeny:
		return o.blockedWithPolicies(ctx, req, assessment, verdict.MatchedPolicies, string(errdef.KindBlockedByPolicy))

	case verdict.Decision == policy.EffectRequireApproval,
		assessment.Level == risk.LevelHigh, assessment.Level == risk.LevelCritical:
		// Policy asked for a human, or an unmatched high-risk request gets
		// one anyway.
		return o.park(ctx, req, assessment, verdict)

	default:
		return o.grant(ctx, req, assessment, verdict)
	}
}

func (o *Orchestrator) grant(ctx context.Context, req ExecutionRequest, assessment risk.Assessment, verdict policy.Result) (*ExecutionDecision, error) {
	b, err := o.budgets.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !b.Unlimited() && b.BudgetRemaining <= 0 {
		return o.blockedWithPolicies(ctx, req, assessment, verdict.MatchedPolicies, string(errdef.KindBudgetExceeded))
	}

	scope := o.buildScope(req, b)
	d := &ExecutionDecision{
		Allowed:         true,
		GrantedScope:    &scope,
		Risk:            assessment,
		MatchedPolicies: verdict.MatchedPolicies,
	}
	if err := o.auditDecision(ctx, req, assessment, verdict.MatchedPolicies, d); err != nil {
		return nil, err
	}
	o.logger.Info("execution allowed", "tenant", req.TenantID, "execution", req.ExecutionID, "adapter", req.AdapterID, "risk", assessment.Level)
	return d, nil
}

func (o *Orchestrator) buildScope(req ExecutionRequest, b budget.Budget) ExecutionScope {
	maxCost := b.DefaultCostCap
	if req.EstimatedCost != nil {
		maxCost = *req.EstimatedCost * o.safetyFactor
	}
	if !b.Unlimited() && b.BudgetRemaining < maxCost {
		maxCost = b.BudgetRemaining
	}
	return ExecutionScope{
		Capabilities: req.RequestedCapabilities,
		MaxSteps:     b.MaxSteps,
		MaxCost:      maxCost,
		ExpiresAt:    o.clock().UTC().Add(o.grantTTL),
	}
}

func (o *Orchestrator) park(ctx context.Context, req ExecutionRequest, assessment risk.Assessment, verdict policy.Result) (*ExecutionDecision, error) {
	b, err := o.budgets.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	proposed := o.buildScope(req, b)
	role := verdict.RequiredRole
	if role == "" {
		// Risk-forced parks have no rule naming an approver role; only
		// admins qualify.
		role = "admin"
	}
	pending, token, err := o.queue.Create(ctx, approval.CreateRequest{
		TenantID:        req.TenantID,
		ExecutionID:     req.ExecutionID,
		AdapterID:       req.AdapterID,
		RequestSnapshot: snapshotOf(req, assessment, verdict.MatchedPolicies),
		ProposedScope:   proposed,
		RequiredRole:    role,
	})
	if err != nil {
		return nil, err
	}

	d := &ExecutionDecision{
		Allowed:          false,
		RequiresApproval: true,
		DecisionID:       pending.DecisionID,
		DecisionToken:    token,
		Risk:             assessment,
		MatchedPolicies:  verdict.MatchedPolicies,
	}
	if err := o.auditDecision(ctx, req, assessment, verdict.MatchedPolicies, d); err != nil {
		return nil, err
	}
	o.logger.Info("execution parked for approval", "tenant", req.TenantID, "execution", req.ExecutionID, "decision", pending.DecisionID, "risk", assessment.Level)
	return d, nil
}

func (o *Orchestrator) blocked(ctx context.Context, req ExecutionRequest, assessment risk.Assessment, matched []string, reason string) (*ExecutionDecision, error) {
	return o.blockedWithPolicies(ctx, req, assessment, matched, reason)
}

func (o *Orchestrator) blockedWithPolicies(ctx context.Context, req ExecutionRequest, assessment risk.Assessment, matched []string, reason string) (*ExecutionDecision, error) {
	d := &ExecutionDecision{
		Allowed:         false,
		BlockedReason:   reason,
		Risk:            assessment,
		MatchedPolicies: matched,
	}
	if err := o.auditDecision(ctx, req, assessment, matched, d); err != nil {
		return nil, err
	}
	o.logger.Info("execution blocked", "tenant", req.TenantID, "execution", req.ExecutionID, "reason", reason)
	return d, nil
}

// auditDecision writes the single execution_decision entry every branch
// must leave behind.
func (o *Orchestrator) auditDecision(ctx context.Context, req ExecutionRequest, assessment risk.Assessment, matched []string, d *ExecutionDecision) error {
	event := map[string]any{
		"request":          req,
		"risk":             assessment,
		"matched_policies": matched,
		"decision": map[string]any{
			"allowed":           d.Allowed,
			"blocked_reason":    d.BlockedReason,
			"requires_approval": d.RequiresApproval,
			"decision_id":       d.DecisionID,
			"granted_scope":     d.GrantedScope,
		},
	}
	_, _, err := o.audit.Append(ctx, req.TenantID, "execution_decision", event, "system", &req.ExecutionID)
	return err
}

func snapshotOf(req ExecutionRequest, assessment risk.Assessment, matched []string) map[string]any {
	return map[string]any{
		"request":          req,
		"risk":             assessment,
		"matched_policies": matched,
	}
}

func boolFlag(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

func stringFlag(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
