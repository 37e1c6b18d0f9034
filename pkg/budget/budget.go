// Package budget tracks per-tenant spending limits consulted by the
// decision path and debited as adapters report cost telemetry.
package budget

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Budget is a tenant's spending posture.
type Budget struct {
	TenantID        string  `json:"tenant_id"`
	BudgetRemaining float64 `json:"budget_remaining"`
	MaxSteps        int     `json:"max_steps"`
	DefaultCostCap  float64 `json:"default_cost_cap"`
}

// Defaults applied when a tenant has no budget row.
const (
	DefaultMaxSteps = 16
	DefaultCostCap  = 1.00
)

// Store reads and debits tenant budgets.
type Store struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// NewStore creates the budget store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "budget"),
	}
}

// Get returns the tenant's budget, or the open-ended defaults when no row
// exists. A missing row means the tenant has no configured limit, not a
// zero budget.
func (s *Store) Get(ctx context.Context, tenantID string) (Budget, error) {
	var b Budget
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, budget_remaining, max_steps, default_cost_cap FROM tenant_budgets WHERE tenant_id = ?`,
		tenantID).Scan(&b.TenantID, &b.BudgetRemaining, &b.MaxSteps, &b.DefaultCostCap)
	if err == sql.ErrNoRows {
		return Budget{
			TenantID:        tenantID,
			BudgetRemaining: -1, // unlimited
			MaxSteps:        DefaultMaxSteps,
			DefaultCostCap:  DefaultCostCap,
		}, nil
	}
	if err != nil {
		return Budget{}, errdef.Wrap(errdef.KindStoreUnavailable, "budget lookup", err)
	}
	return b, nil
}

// Unlimited reports whether the budget row imposes no spending ceiling.
func (b Budget) Unlimited() bool { return b.BudgetRemaining < 0 }

// Set writes the tenant's budget row.
func (s *Store) Set(ctx context.Context, b Budget) error {
	if b.TenantID == "" {
		return errdef.New(errdef.KindMissingTenant, "budget set requires a tenant")
	}
	if b.MaxSteps <= 0 {
		b.MaxSteps = DefaultMaxSteps
	}
	if b.DefaultCostCap <= 0 {
		b.DefaultCostCap = DefaultCostCap
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, budget_remaining, max_steps, default_cost_cap, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			budget_remaining = excluded.budget_remaining,
			max_steps        = excluded.max_steps,
			default_cost_cap = excluded.default_cost_cap,
			updated_at       = excluded.updated_at`,
		b.TenantID, b.BudgetRemaining, b.MaxSteps, b.DefaultCostCap, s.clock().UTC())
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "budget set", err)
	}
	return nil
}

// Debit subtracts reported spend from the tenant's remaining budget in one
// conditional statement. Tenants without a budget row are unlimited and the
// debit is a no-op. The balance may go negative; the decision path refuses
// new grants once it does.
func (s *Store) Debit(ctx context.Context, tenantID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenant_budgets SET budget_remaining = budget_remaining - ?, updated_at = ? WHERE tenant_id = ? AND budget_remaining >= 0`,
		amount, s.clock().UTC(), tenantID)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "budget debit", err)
	}
	s.logger.Debug("budget debited", "tenant", tenantID, "amount", amount)
	return nil
}
