// Package tooltoken authorizes single sensitive tool invocations. A token
// is a short-lived signed envelope bound to one execution and one tool,
// backed by a row whose used_at column enforces single use through a
// conditional update.
package tooltoken

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// Claims is the signed claim set carried by a tool token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AdapterID   string `json:"adapter_id"`
	ExecutionID string `json:"execution_id"`
	Tool        string `json:"tool"`
	ScopeHash   string `json:"scope_hash"`
}

// IssueRequest is everything needed to mint a token.
type IssueRequest struct {
	TenantID    string
	WorkspaceID string
	AdapterID   string
	ExecutionID string
	Tool        string
	Scope       any
	TTL         time.Duration
}

// Issued is the minted token plus its bookkeeping identity.
type Issued struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	ScopeHash string    `json:"scope_hash"`
}

// DefaultTTL applies when the request does not pin one.
const DefaultTTL = 5 * time.Minute

// Service mints, verifies, and consumes tool tokens.
type Service struct {
	db     *sql.DB
	secret []byte
	clock  func() time.Time
	logger *slog.Logger
}

// NewService creates the tool token service.
func NewService(db *sql.DB, secret []byte) *Service {
	return &Service{
		db:     db,
		secret: secret,
		clock:  time.Now,
		logger: slog.Default().With("component", "tooltoken"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Issue mints a token. The row is inserted before the token is returned;
// a token the store has never heard of cannot exist.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.TenantID == "" {
		return nil, errdef.New(errdef.KindMissingTenant, "tool token requires a tenant")
	}
	if req.AdapterID == "" || req.ExecutionID == "" || req.Tool == "" {
		return nil, errdef.New(errdef.KindSchemaInvalid, "adapter_id, execution_id, and tool are required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "generate jti", err)
	}
	jti := id.String()

	scopeHash, err := canonicalize.FormattedHash(req.Scope)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindSchemaInvalid, "hash scope", err)
	}

	now := s.clock().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		AdapterID:   req.AdapterID,
		ExecutionID: req.ExecutionID,
		Tool:        req.Tool,
		ScopeHash:   scopeHash,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "sign tool token", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_tokens (jti, tenant_id, workspace_id, adapter_id, execution_id, tool, scope_hash, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jti, req.TenantID, req.WorkspaceID, req.AdapterID, req.ExecutionID, req.Tool, scopeHash, now, expiresAt)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreConflict, "tool token insert", err)
	}

	s.logger.Info("tool token issued", "tenant", req.TenantID, "tool", req.Tool, "jti", jti, "expires_at", expiresAt)
	return &Issued{Token: token, JTI: jti, ExpiresAt: expiresAt, ScopeHash: scopeHash}, nil
}

// Verify checks the signature and expiry, then confirms the backing row
// exists. The full claim set is returned so the caller can enforce scope.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdef.Newf(errdef.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errdef.New(errdef.KindToolTokenExpired, "tool token expired")
		}
		return nil, errdef.Wrap(errdef.KindInvalidToolToken, "tool token rejected", err)
	}
	if !parsed.Valid {
		return nil, errdef.New(errdef.KindInvalidToolToken, "tool token invalid")
	}

	var used sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT used_at FROM tool_tokens WHERE jti = ? AND tenant_id = ?`,
		claims.ID, claims.TenantID).Scan(&used)
	if err == sql.ErrNoRows {
		return nil, errdef.New(errdef.KindInvalidToolToken, "tool token has no backing row")
	}
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "tool token lookup", err)
	}
	if used.Valid {
		return nil, errdef.New(errdef.KindToolTokenUsed, "tool token already consumed")
	}
	return claims, nil
}

// Consume verifies and then spends the token in one conditional update.
// Exactly one concurrent caller wins; everyone else gets tool_token_used.
func (s *Service) Consume(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdef.Newf(errdef.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errdef.New(errdef.KindToolTokenExpired, "tool token expired")
		}
		return nil, errdef.Wrap(errdef.KindInvalidToolToken, "tool token rejected", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_tokens SET used_at = ? WHERE jti = ? AND tenant_id = ? AND used_at IS NULL`,
		s.clock().UTC(), claims.ID, claims.TenantID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "tool token consume", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "tool token consume", err)
	}
	if n == 0 {
		var exists int
		if lookErr := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM tool_tokens WHERE jti = ? AND tenant_id = ?`,
			claims.ID, claims.TenantID).Scan(&exists); lookErr == sql.ErrNoRows {
			return nil, errdef.New(errdef.KindInvalidToolToken, "tool token has no backing row")
		}
		return nil, errdef.New(errdef.KindToolTokenUsed, "tool token already consumed")
	}

	s.logger.Info("tool token consumed", "tenant", claims.TenantID, "tool", claims.Tool, "jti", claims.ID)
	return claims, nil
}
