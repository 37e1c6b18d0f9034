package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of a policy seed: rules grouped under their
// tenants so one file can bootstrap a whole deployment.
type seedFile struct {
	Tenants []struct {
		TenantID string     `yaml:"tenant_id"`
		Policies []seedRule `yaml:"policies"`
	} `yaml:"tenants"`
}

type seedRule struct {
	PolicyID     string         `yaml:"policy_id"`
	WorkspaceID  string         `yaml:"workspace_id"`
	Environment  string         `yaml:"environment"`
	SubjectType  string         `yaml:"subject_type"`
	SubjectName  string         `yaml:"subject_name"`
	Conditions   map[string]any `yaml:"conditions"`
	Effect       string         `yaml:"effect"`
	RequiredRole string         `yaml:"required_role"`
	Enabled      *bool          `yaml:"enabled"`
}

// LoadSeed upserts every rule in the YAML file at path. Called at startup
// when POLICY_PATH is set; rules already present are replaced, so the file
// is the source of truth for seeded rules.
func (e *Engine) LoadSeed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("policy: read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("policy: parse seed file: %w", err)
	}

	count := 0
	for _, tenant := range seed.Tenants {
		for _, rule := range tenant.Policies {
			enabled := true
			if rule.Enabled != nil {
				enabled = *rule.Enabled
			}
			p := Policy{
				TenantID:     tenant.TenantID,
				PolicyID:     rule.PolicyID,
				WorkspaceID:  rule.WorkspaceID,
				Environment:  rule.Environment,
				SubjectType:  rule.SubjectType,
				SubjectName:  rule.SubjectName,
				Conditions:   normalizeYAML(rule.Conditions),
				Effect:       Effect(rule.Effect),
				RequiredRole: rule.RequiredRole,
				Enabled:      enabled,
			}
			if err := e.Upsert(ctx, p); err != nil {
				return count, fmt.Errorf("policy: seed rule %s/%s: %w", tenant.TenantID, rule.PolicyID, err)
			}
			count++
		}
	}
	e.logger.Info("policy seed loaded", "path", path, "rules", count)
	return count, nil
}

// normalizeYAML rewrites yaml.v3's map[string]any values so nested maps
// decode identically to JSON (yaml.v3 already yields string keys, but
// integers arrive as int rather than float64).
func normalizeYAML(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
