package auth

import "strings"

// Kind classifies the credential a request carried.
type Kind string

const (
	KindAdapter  Kind = "adapter"
	KindOperator Kind = "operator"
	KindBackend  Kind = "backend"
)

// Identity is the verified result of credential verification. It is attached
// to the request context and consumed by every downstream component; nothing
// re-parses the token.
type Identity struct {
	Kind        Kind     `json:"kind"`
	Subject     string   `json:"subject"`
	TenantID    string   `json:"tenant_id"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	AgentRole   string   `json:"agent_role,omitempty"`
	Roles       []string `json:"roles,omitempty"`

	// Permission claims. Nil slices mean unrestricted; empty slices mean
	// nothing is allowed. The distinction is deliberate — "unknown" must
	// not be coerced into a default.
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	AllowedSkills []string `json:"allowed_skills,omitempty"`

	MaxTokens       *int64   `json:"max_tokens,omitempty"`
	BudgetRemaining *float64 `json:"budget_remaining,omitempty"`
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanUseTool checks the tool allowlist. Wildcards "*" and "namespace:*" match.
func (id *Identity) CanUseTool(tool string) bool {
	return allowed(id.AllowedTools, tool)
}

// CanUseModel checks the model allowlist.
func (id *Identity) CanUseModel(model string) bool {
	return allowed(id.AllowedModels, model)
}

// CanUseSkill checks the skill allowlist.
func (id *Identity) CanUseSkill(skill string) bool {
	return allowed(id.AllowedSkills, skill)
}

// HasBudget reports whether the identity's remaining budget covers cost.
// A missing claim means unrestricted.
func (id *Identity) HasBudget(cost float64) bool {
	if id.BudgetRemaining == nil {
		return true
	}
	return *id.BudgetRemaining >= cost
}

// WithinTokenLimit reports whether n tokens fit the identity's limit.
func (id *Identity) WithinTokenLimit(n int64) bool {
	if id.MaxTokens == nil {
		return true
	}
	return n <= *id.MaxTokens
}

// allowed implements the wildcard matching rule shared by all allowlists:
// nil list → unrestricted; "*" matches anything; "ns:*" matches "ns:x".
func allowed(list []string, value string) bool {
	if list == nil {
		return true
	}
	for _, entry := range list {
		if entry == "*" || entry == value {
			return true
		}
		if ns, ok := strings.CutSuffix(entry, ":*"); ok {
			if strings.HasPrefix(value, ns+":") {
				return true
			}
		}
	}
	return false
}
