// Package policy stores per-tenant governance rules and evaluates them
// against an execution context. Rules live in the relational store and are
// served from an in-memory per-tenant snapshot replaced wholesale on every
// write, so evaluation never takes a database round trip.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Effect is a rule outcome. Precedence when several rules match:
// deny > require_approval > allow.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Subject types a rule can target.
const (
	SubjectTool    = "tool"
	SubjectAdapter = "adapter"
	SubjectSkill   = "skill"
)

// Policy is one stored rule.
type Policy struct {
	TenantID     string         `json:"tenant_id"`
	PolicyID     string         `json:"policy_id"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	SubjectType  string         `json:"subject_type"`
	SubjectName  string         `json:"subject_name,omitempty"`
	Conditions   map[string]any `json:"conditions"`
	Effect       Effect         `json:"effect"`
	RequiredRole string         `json:"required_role,omitempty"`
	Enabled      bool           `json:"enabled"`
}

// Context is the enriched request the engine matches rules against. Nil or
// empty optional fields are unknown: a rule conditioned on an unknown field
// never matches.
type Context struct {
	TenantID              string
	WorkspaceID           string
	Environment           string
	Tool                  string
	AdapterID             string
	AdapterRiskClass      string
	SkillState            string
	RiskLevel             string
	EstimatedCost         *float64
	RequestedCapabilities []string
	Intent                string
	Context               map[string]any
	Provenance            map[string]any
}

// Result is an evaluation outcome: the effective decision, the rules that
// matched (all of them, for the audit snapshot), and the approval role
// carried by the winning require_approval rule, if any.
type Result struct {
	Decision        Effect   `json:"decision"`
	MatchedPolicies []string `json:"matched_policies"`
	RequiredRole    string   `json:"required_role,omitempty"`
	PolicyVersion   int64    `json:"policy_version"`
}

type snapshot struct {
	version  int64
	policies []Policy
}

// Engine is the policy store and evaluator.
type Engine struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	cache    map[string]*snapshot
	programs sync.Map // expression string → compiled CEL program
}

// NewEngine creates the engine on an open database.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "policy"),
		cache:  make(map[string]*snapshot),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

var validEffects = map[Effect]bool{EffectAllow: true, EffectDeny: true, EffectRequireApproval: true}
var validSubjects = map[string]bool{SubjectTool: true, SubjectAdapter: true, SubjectSkill: true}

// Upsert inserts or replaces a rule and bumps the tenant's policy version.
func (e *Engine) Upsert(ctx context.Context, p Policy) error {
	if p.TenantID == "" {
		return errdef.New(errdef.KindMissingTenant, "policy upsert requires a tenant")
	}
	if p.PolicyID == "" {
		return errdef.New(errdef.KindSchemaInvalid, "policy_id is required")
	}
	if !validEffects[p.Effect] {
		return errdef.Newf(errdef.KindSchemaInvalid, "unknown effect %q", p.Effect)
	}
	if !validSubjects[p.SubjectType] {
		return errdef.Newf(errdef.KindSchemaInvalid, "unknown subject type %q", p.SubjectType)
	}
	if expr, ok := p.Conditions["expression"]; ok {
		s, ok := expr.(string)
		if !ok {
			return errdef.New(errdef.KindSchemaInvalid, "expression condition must be a string")
		}
		if _, err := e.program(s); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "expression does not compile", err)
		}
	}

	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return errdef.Wrap(errdef.KindSchemaInvalid, "encode conditions", err)
	}
	now := e.clock().UTC()
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO policies (tenant_id, policy_id, workspace_id, environment, subject_type, subject_name, conditions, effect, required_role, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, policy_id) DO UPDATE SET
			workspace_id  = excluded.workspace_id,
			environment   = excluded.environment,
			subject_type  = excluded.subject_type,
			subject_name  = excluded.subject_name,
			conditions    = excluded.conditions,
			effect        = excluded.effect,
			required_role = excluded.required_role,
			enabled       = excluded.enabled,
			updated_at    = excluded.updated_at`,
		p.TenantID, p.PolicyID, p.WorkspaceID, p.Environment, p.SubjectType, p.SubjectName,
		string(conditions), string(p.Effect), p.RequiredRole, enabled, now, now)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "policy upsert", err)
	}

	e.logger.Info("policy upserted", "tenant", p.TenantID, "policy", p.PolicyID, "effect", p.Effect)
	return e.refresh(ctx, p.TenantID)
}

// List returns all rules for a tenant.
func (e *Engine) List(ctx context.Context, tenantID string) ([]Policy, error) {
	snap, err := e.tenantSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Policy, len(snap.policies))
	copy(out, snap.policies)
	return out, nil
}

// Evaluate matches every enabled rule against the context and folds the
// matches by precedence. No match means allow; a default-deny posture for
// risky requests is the orchestrator's call, not the engine's.
func (e *Engine) Evaluate(ctx context.Context, pctx Context) (Result, error) {
	snap, err := e.tenantSnapshot(ctx, pctx.TenantID)
	if err != nil {
		return Result{}, err
	}

	result := Result{Decision: EffectAllow, PolicyVersion: snap.version}
	for _, p := range snap.policies {
		if !p.Enabled {
			continue
		}
		if !e.matches(p, pctx) {
			continue
		}
		result.MatchedPolicies = append(result.MatchedPolicies, p.PolicyID)
		switch {
		case p.Effect == EffectDeny:
			result.Decision = EffectDeny
		case p.Effect == EffectRequireApproval && result.Decision != EffectDeny:
			result.Decision = EffectRequireApproval
			if p.RequiredRole != "" {
				result.RequiredRole = p.RequiredRole
			}
		}
	}
	return result, nil
}

// matches applies the scope, subject, and condition filters in order.
func (e *Engine) matches(p Policy, ctx Context) bool {
	// Scope.
	if p.TenantID != ctx.TenantID {
		return false
	}
	if p.WorkspaceID != "" && p.WorkspaceID != ctx.WorkspaceID {
		return false
	}
	if p.Environment != "" && p.Environment != ctx.Environment {
		return false
	}

	// Subject.
	switch p.SubjectType {
	case SubjectTool:
		if ctx.Tool == "" || (p.SubjectName != "" && p.SubjectName != ctx.Tool) {
			return false
		}
	case SubjectAdapter:
		if ctx.AdapterID == "" || (p.SubjectName != "" && p.SubjectName != ctx.AdapterID) {
			return false
		}
	case SubjectSkill:
		if ctx.SkillState == "" || (p.SubjectName != "" && p.SubjectName != ctx.SkillState) {
			return false
		}
	default:
		return false
	}

	// Conditions: every specified condition must be satisfied; unknown
	// context fields never satisfy anything.
	for key, want := range p.Conditions {
		if !e.conditionHolds(key, want, ctx) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionHolds(key string, want any, ctx Context) bool {
	switch key {
	case "tool":
		return ctx.Tool != "" && looseEqual(want, ctx.Tool)
	case "adapter_risk_class":
		return ctx.AdapterRiskClass != "" && looseEqual(want, ctx.AdapterRiskClass)
	case "skill_state":
		return ctx.SkillState != "" && looseEqual(want, ctx.SkillState)
	case "risk_level":
		return ctx.RiskLevel != "" && looseEqual(want, ctx.RiskLevel)
	case "min_cost":
		min, ok := asFloat(want)
		return ok && ctx.EstimatedCost != nil && *ctx.EstimatedCost >= min
	case "max_cost":
		max, ok := asFloat(want)
		return ok && ctx.EstimatedCost != nil && *ctx.EstimatedCost <= max
	case "capability":
		for _, c := range ctx.RequestedCapabilities {
			if looseEqual(want, c) {
				return true
			}
		}
		return false
	case "context":
		return nestedMatch(want, ctx.Context)
	case "provenance":
		return nestedMatch(want, ctx.Provenance)
	case "expression":
		expr, ok := want.(string)
		if !ok {
			return false
		}
		return e.evalExpression(expr, ctx)
	default:
		// Unknown condition keys never match; a typo must not widen a rule.
		return false
	}
}

// nestedMatch requires every specified sub-field to equal the context's
// value. A missing sub-field is unknown and fails the match.
func nestedMatch(want any, have map[string]any) bool {
	wantMap, ok := want.(map[string]any)
	if !ok || have == nil {
		return false
	}
	for k, v := range wantMap {
		got, present := have[k]
		if !present || !looseEqual(v, got) {
			return false
		}
	}
	return true
}

// looseEqual compares JSON-decoded scalars, normalizing numeric types.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (e *Engine) tenantSnapshot(ctx context.Context, tenantID string) (*snapshot, error) {
	e.mu.RLock()
	snap, ok := e.cache[tenantID]
	e.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if err := e.refresh(ctx, tenantID); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[tenantID], nil
}

// refresh rebuilds the tenant snapshot from the store and bumps the version.
func (e *Engine) refresh(ctx context.Context, tenantID string) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT tenant_id, policy_id, workspace_id, environment, subject_type, subject_name, conditions, effect, required_role, enabled
		FROM policies WHERE tenant_id = ? ORDER BY policy_id`, tenantID)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "policy load", err)
	}
	defer func() { _ = rows.Close() }()

	policies := make([]Policy, 0)
	for rows.Next() {
		var p Policy
		var workspaceID, environment, subjectName, requiredRole sql.NullString
		var conditions, effect string
		var enabled int
		if err := rows.Scan(&p.TenantID, &p.PolicyID, &workspaceID, &environment, &p.SubjectType, &subjectName, &conditions, &effect, &requiredRole, &enabled); err != nil {
			return errdef.Wrap(errdef.KindStoreUnavailable, "policy scan", err)
		}
		p.WorkspaceID = workspaceID.String
		p.Environment = environment.String
		p.SubjectName = subjectName.String
		p.Effect = Effect(effect)
		p.RequiredRole = requiredRole.String
		p.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "decode conditions", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	version := int64(1)
	if old, ok := e.cache[tenantID]; ok {
		version = old.version + 1
	}
	e.cache[tenantID] = &snapshot{version: version, policies: policies}
	e.mu.Unlock()
	return nil
}
