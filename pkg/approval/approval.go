// Package approval holds execution decisions that need a human in the loop.
// A pending decision is resolved by an operator carrying the required role
// and then consumed exactly once by the adapter, which presents a signed
// decision token instead of re-authenticating as the approver.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// Decision states. denied, expired, and consumed are terminal.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateExpired  = "expired"
	StateConsumed = "consumed"
)

// Resolution reason codes.
var validReasonCodes = map[string]bool{
	"ops_override":      true,
	"policy_exception":  true,
	"emergency_unblock": true,
	"test_approval":     true,
}

// MinJustificationLen is the shortest acceptable justification.
const MinJustificationLen = 10

// DefaultTTL is how long a pending decision waits before expiring.
const DefaultTTL = 24 * time.Hour

// Decision is one approval-queue entry.
type Decision struct {
	DecisionID      string          `json:"decision_id"`
	TenantID        string          `json:"tenant_id"`
	ExecutionID     string          `json:"execution_id"`
	AdapterID       string          `json:"adapter_id"`
	State           string          `json:"state"`
	RequestSnapshot json.RawMessage `json:"request_snapshot"`
	RequiredRole    string          `json:"required_role,omitempty"`
	GrantedScope    json.RawMessage `json:"granted_scope,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ReasonCode      string          `json:"reason_code,omitempty"`
	Justification   string          `json:"justification,omitempty"`
}

// tokenClaims binds a decision token to one decision.
type tokenClaims struct {
	jwt.RegisteredClaims
	DecisionID  string `json:"decision_id"`
	TenantID    string `json:"tenant_id"`
	ExecutionID string `json:"execution_id"`
}

// Queue is the approval queue service.
type Queue struct {
	db     *sql.DB
	audit  *audit.Log
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewQueue creates the queue. secret signs decision tokens; ttl bounds how
// long a decision stays pending (DefaultTTL when zero).
func NewQueue(db *sql.DB, auditLog *audit.Log, secret []byte, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{
		db:     db,
		audit:  auditLog,
		secret: secret,
		ttl:    ttl,
		clock:  time.Now,
		logger: slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// CreateRequest captures a decision the orchestrator parked for approval.
type CreateRequest struct {
	TenantID        string
	ExecutionID     string
	AdapterID       string
	RequestSnapshot any
	ProposedScope   any // scope to grant on approval
	RequiredRole    string
}

// Create persists a pending decision and mints its decision token.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*Decision, string, error) {
	if req.TenantID == "" {
		return nil, "", errdef.New(errdef.KindMissingTenant, "decision requires a tenant")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindStoreUnavailable, "generate decision id", err)
	}
	decisionID := id.String()

	snapshot, err := canonicalize.JCS(req.RequestSnapshot)
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindSchemaInvalid, "canonicalize request snapshot", err)
	}
	var scope []byte
	if req.ProposedScope != nil {
		scope, err = canonicalize.JCS(req.ProposedScope)
		if err != nil {
			return nil, "", errdef.Wrap(errdef.KindSchemaInvalid, "canonicalize proposed scope", err)
		}
	}

	now := q.clock().UTC()
	expiresAt := now.Add(q.ttl)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO decisions (decision_id, tenant_id, execution_id, adapter_id, state, request_snapshot, required_role, granted_scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decisionID, req.TenantID, req.ExecutionID, req.AdapterID, StatePending,
		string(snapshot), req.RequiredRole, nullableString(scope), now, expiresAt)
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindStoreConflict, "decision insert", err)
	}

	token, err := q.mintToken(decisionID, req.TenantID, req.ExecutionID, now, expiresAt)
	if err != nil {
		return nil, "", err
	}

	_, _, err = q.audit.Append(ctx, req.TenantID, "decision_created", map[string]any{
		"decision_id":   decisionID,
		"execution_id":  req.ExecutionID,
		"adapter_id":    req.AdapterID,
		"required_role": req.RequiredRole,
		"expires_at":    expiresAt.Format(time.RFC3339Nano),
	}, "system", &decisionID)
	if err != nil {
		return nil, "", err
	}

	q.logger.Info("decision created", "tenant", req.TenantID, "decision", decisionID, "execution", req.ExecutionID)
	d, err := q.Get(ctx, req.TenantID, decisionID)
	if err != nil {
		return nil, "", err
	}
	return d, token, nil
}

func (q *Queue) mintToken(decisionID, tenantID, executionID string, now, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DecisionID:  decisionID,
		TenantID:    tenantID,
		ExecutionID: executionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(q.secret)
	if err != nil {
		return "", errdef.Wrap(errdef.KindStoreUnavailable, "sign decision token", err)
	}
	return token, nil
}

// Get returns a decision within the tenant.
func (q *Queue) Get(ctx context.Context, tenantID, decisionID string) (*Decision, error) {
	var d Decision
	var requiredRole, grantedScope, resolvedBy, reasonCode, justification sql.NullString
	var resolvedAt sql.NullTime
	var snapshot string
	err := q.db.QueryRowContext(ctx, `
		SELECT decision_id, tenant_id, execution_id, adapter_id, state, request_snapshot, required_role, granted_scope,
		       created_at, expires_at, resolved_at, resolved_by, reason_code, justification
		FROM decisions WHERE decision_id = ? AND tenant_id = ?`,
		decisionID, tenantID).Scan(
		&d.DecisionID, &d.TenantID, &d.ExecutionID, &d.AdapterID, &d.State, &snapshot, &requiredRole, &grantedScope,
		&d.CreatedAt, &d.ExpiresAt, &resolvedAt, &resolvedBy, &reasonCode, &justification)
	if err == sql.ErrNoRows {
		return nil, errdef.Newf(errdef.KindDecisionNotFound, "decision %s not found", decisionID)
	}
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "decision lookup", err)
	}
	d.RequestSnapshot = json.RawMessage(snapshot)
	d.RequiredRole = requiredRole.String
	if grantedScope.Valid {
		d.GrantedScope = json.RawMessage(grantedScope.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	d.ResolvedBy = resolvedBy.String
	d.ReasonCode = reasonCode.String
	d.Justification = justification.String
	return &d, nil
}

// Approver is the resolved operator identity presented to Resolve.
type Approver struct {
	Subject string
	Roles   []string
}

func (a Approver) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

// Resolve transitions pending → approved|denied. The transition is a
// conditional update on the pending state; a raced second resolve loses and
// reports already_resolved.
func (q *Queue) Resolve(ctx context.Context, tenantID, decisionID, action, reasonCode, justification string, approver Approver) (*Decision, error) {
	if action != "approve" && action != "deny" {
		return nil, errdef.Newf(errdef.KindSchemaInvalid, "action must be approve or deny, got %q", action)
	}
	if !validReasonCodes[reasonCode] {
		return nil, errdef.Newf(errdef.KindSchemaInvalid, "unknown reason code %q", reasonCode)
	}
	if len(justification) < MinJustificationLen {
		return nil, errdef.Newf(errdef.KindJustificationTooShort, "justification must be at least %d characters", MinJustificationLen)
	}

	current, err := q.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if current.RequiredRole != "" && !approver.hasRole(current.RequiredRole) {
		return nil, errdef.Newf(errdef.KindRoleInsufficient, "resolution requires role %q", current.RequiredRole)
	}

	now := q.clock().UTC()
	if now.After(current.ExpiresAt) {
		if _, err := q.expireOne(ctx, tenantID, decisionID); err != nil {
			return nil, err
		}
		return nil, errdef.Newf(errdef.KindDecisionExpired, "decision %s expired at %s", decisionID, current.ExpiresAt.Format(time.RFC3339))
	}

	newState := StateApproved
	if action == "deny" {
		newState = StateDenied
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE decisions SET state = ?, resolved_at = ?, resolved_by = ?, reason_code = ?, justification = ?
		WHERE decision_id = ? AND tenant_id = ? AND state = ?`,
		newState, now, approver.Subject, reasonCode, justification, decisionID, tenantID, StatePending)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "decision resolve", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, errdef.Newf(errdef.KindAlreadyResolved, "decision %s is no longer pending", decisionID)
	}

	_, _, err = q.audit.Append(ctx, tenantID, "decision_"+newState, map[string]any{
		"decision_id":   decisionID,
		"action":        action,
		"reason_code":   reasonCode,
		"justification": justification,
	}, approver.Subject, &decisionID)
	if err != nil {
		return nil, err
	}

	q.logger.Info("decision resolved", "tenant", tenantID, "decision", decisionID, "state", newState, "by", approver.Subject)
	return q.Get(ctx, tenantID, decisionID)
}

// Consume transitions approved → consumed and returns the granted scope.
// The caller authenticates with the decision token minted at creation.
func (q *Queue) Consume(ctx context.Context, tenantID, decisionID, token string) (json.RawMessage, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdef.Newf(errdef.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return q.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(q.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errdef.New(errdef.KindDecisionExpired, "decision token expired")
		}
		return nil, errdef.Wrap(errdef.KindInvalidSignature, "decision token rejected", err)
	}
	if claims.DecisionID != decisionID || claims.TenantID != tenantID {
		return nil, errdef.New(errdef.KindInvalidSignature, "decision token does not match this decision")
	}

	now := q.clock().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE decisions SET state = ? WHERE decision_id = ? AND tenant_id = ? AND state = ?`,
		StateConsumed, decisionID, tenantID, StateApproved)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "decision consume", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		current, err := q.Get(ctx, tenantID, decisionID)
		if err != nil {
			return nil, err
		}
		switch current.State {
		case StatePending:
			return nil, errdef.Newf(errdef.KindRequiresApproval, "decision %s is still pending", decisionID)
		case StateExpired:
			return nil, errdef.Newf(errdef.KindDecisionExpired, "decision %s expired", decisionID)
		default:
			return nil, errdef.Newf(errdef.KindAlreadyResolved, "decision %s is %s", decisionID, current.State)
		}
	}

	_, _, err = q.audit.Append(ctx, tenantID, "decision_consumed", map[string]any{
		"decision_id":  decisionID,
		"execution_id": claims.ExecutionID,
		"consumed_at":  now.Format(time.RFC3339Nano),
	}, "adapter", &decisionID)
	if err != nil {
		return nil, err
	}

	final, err := q.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("decision consumed", "tenant", tenantID, "decision", decisionID)
	return final.GrantedScope, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
