package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Claims are the JWT claims Clasper accepts on inbound credentials.
// tenant_id is mandatory; everything else is optional and stays "unknown"
// when absent.
type Claims struct {
	jwt.RegisteredClaims
	TenantID        string   `json:"tenant_id"`
	WorkspaceID     string   `json:"workspace_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	AllowedModels   []string `json:"allowed_models,omitempty"`
	AllowedSkills   []string `json:"allowed_skills,omitempty"`
	MaxTokens       *int64   `json:"max_tokens,omitempty"`
	BudgetRemaining *float64 `json:"budget_remaining,omitempty"`
}

// Verifier verifies the three credential classes: adapter and backend tokens
// are HMAC-signed with their respective secrets; operator tokens come from an
// external identity provider and verify against its JWKS.
type Verifier struct {
	adapterSecret []byte
	backendSecret []byte
	jwks          *JWKSCache
	issuer        string
	audience      string
}

// NewVerifier builds a Verifier. Nil/empty inputs disable that credential
// class; a disabled class fails verification rather than falling through.
func NewVerifier(adapterSecret, backendSecret []byte, jwks *JWKSCache, issuer, audience string) *Verifier {
	return &Verifier{
		adapterSecret: adapterSecret,
		backendSecret: backendSecret,
		jwks:          jwks,
		issuer:        issuer,
		audience:      audience,
	}
}

// Verify validates a bearer token and returns the Identity it proves.
// Each failure maps to a distinct taxonomy kind.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, errdef.New(errdef.KindMissingToken, "empty bearer token")
	}

	// HMAC classes first: adapter, then backend. A token signed with
	// neither falls to the operator JWKS path.
	if len(v.adapterSecret) > 0 {
		if id, err := v.verifyHMAC(tokenStr, v.adapterSecret, KindAdapter); err == nil {
			return id, nil
		} else if errdef.Is(err, errdef.KindTokenExpired) || errdef.Is(err, errdef.KindMissingTenant) {
			return nil, err
		}
	}
	if len(v.backendSecret) > 0 {
		if id, err := v.verifyHMAC(tokenStr, v.backendSecret, KindBackend); err == nil {
			return id, nil
		} else if errdef.Is(err, errdef.KindTokenExpired) || errdef.Is(err, errdef.KindMissingTenant) {
			return nil, err
		}
	}
	if v.jwks != nil {
		return v.verifyOperator(tokenStr)
	}
	return nil, errdef.New(errdef.KindInvalidSignature, "token matches no configured credential class")
}

func (v *Verifier) verifyHMAC(tokenStr string, secret []byte, kind Kind) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdef.Newf(errdef.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !token.Valid {
		return nil, errdef.New(errdef.KindInvalidSignature, "token invalid")
	}
	return identityFromClaims(claims, kind)
}

func (v *Verifier) verifyOperator(tokenStr string) (*Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.jwks.KeyFunc(), opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !token.Valid {
		return nil, errdef.New(errdef.KindInvalidSignature, "token invalid")
	}
	return identityFromClaims(claims, KindOperator)
}

func identityFromClaims(c *Claims, kind Kind) (*Identity, error) {
	if c.TenantID == "" {
		return nil, errdef.New(errdef.KindMissingTenant, "token carries no tenant_id")
	}
	return &Identity{
		Kind:            kind,
		Subject:         c.Subject,
		TenantID:        c.TenantID,
		WorkspaceID:     c.WorkspaceID,
		UserID:          c.UserID,
		AgentRole:       c.AgentRole,
		Roles:           c.Roles,
		AllowedTools:    c.AllowedTools,
		AllowedModels:   c.AllowedModels,
		AllowedSkills:   c.AllowedSkills,
		MaxTokens:       c.MaxTokens,
		BudgetRemaining: c.BudgetRemaining,
	}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errdef.Wrap(errdef.KindTokenExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errdef.Wrap(errdef.KindInvalidSignature, "token malformed", err)
	default:
		return errdef.Wrap(errdef.KindInvalidSignature, "signature verification failed", err)
	}
}
