package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celEnv declares the single `ctx` variable rule expressions evaluate
// against. Built once; compiled programs are cached per expression string.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: build CEL environment: %v", err))
	}
	return env
}()

// program compiles and caches a CEL expression. The expression must yield
// a bool.
func (e *Engine) program(expr string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile expression: %w", issues.Err())
	}
	if ast.OutputType().String() != "bool" {
		return nil, fmt.Errorf("policy: expression must evaluate to bool, got %v", ast.OutputType())
	}
	prg, err := celEnv.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("policy: build program: %w", err)
	}
	e.programs.Store(expr, prg)
	return prg, nil
}

// evalExpression runs the rule's expression over the context map. Any
// evaluation error means the rule does not match; an undecidable condition
// must not widen a rule's reach.
func (e *Engine) evalExpression(expr string, ctx Context) bool {
	prg, err := e.program(expr)
	if err != nil {
		e.logger.Warn("policy expression rejected", "error", err)
		return false
	}
	out, _, err := prg.Eval(map[string]any{"ctx": ctx.asMap()})
	if err != nil {
		e.logger.Warn("policy expression evaluation failed", "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// asMap exposes the context to CEL. Unknown (zero) fields are omitted so
// expressions probing them fail to evaluate rather than comparing against
// empty strings.
func (c Context) asMap() map[string]any {
	m := map[string]any{
		"tenant_id": c.TenantID,
	}
	if c.WorkspaceID != "" {
		m["workspace_id"] = c.WorkspaceID
	}
	if c.Environment != "" {
		m["environment"] = c.Environment
	}
	if c.Tool != "" {
		m["tool"] = c.Tool
	}
	if c.AdapterID != "" {
		m["adapter_id"] = c.AdapterID
	}
	if c.AdapterRiskClass != "" {
		m["adapter_risk_class"] = c.AdapterRiskClass
	}
	if c.SkillState != "" {
		m["skill_state"] = c.SkillState
	}
	if c.RiskLevel != "" {
		m["risk_level"] = c.RiskLevel
	}
	if c.EstimatedCost != nil {
		m["estimated_cost"] = *c.EstimatedCost
	}
	if len(c.RequestedCapabilities) > 0 {
		m["requested_capabilities"] = c.RequestedCapabilities
	}
	if c.Intent != "" {
		m["intent"] = c.Intent
	}
	if c.Context != nil {
		m["context"] = c.Context
	}
	if c.Provenance != nil {
		m["provenance"] = c.Provenance
	}
	return m
}
