// Package registry tracks the adapters a tenant has registered: their
// declared capability sets, risk class, and the telemetry signing keys
// used to verify envelopes they emit.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Adapter is one registered (tenant, adapter, version) row.
type Adapter struct {
	TenantID     string    `json:"tenant_id"`
	AdapterID    string    `json:"adapter_id"`
	Version      string    `json:"version"`
	DisplayName  string    `json:"display_name,omitempty"`
	RiskClass    string    `json:"risk_class"`
	Capabilities []string  `json:"capabilities"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasCapability reports whether the adapter declared the capability.
func (a *Adapter) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry is the adapter store with a per-tenant read snapshot. Snapshots
// are replaced wholesale after any write; readers never see a partially
// updated tenant.
type Registry struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	snapshots map[string][]Adapter // tenantID → adapters, sorted
}

// New creates the registry on an open database.
func New(db *sql.DB) *Registry {
	return &Registry{
		db:        db,
		clock:     time.Now,
		logger:    slog.Default().With("component", "registry"),
		snapshots: make(map[string][]Adapter),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

var validRiskClasses = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Upsert inserts or replaces the (tenant, adapter, version) row and refreshes
// the tenant snapshot.
func (r *Registry) Upsert(ctx context.Context, a Adapter) error {
	if a.TenantID == "" {
		return errdef.New(errdef.KindMissingTenant, "adapter upsert requires a tenant")
	}
	if a.AdapterID == "" || a.Version == "" {
		return errdef.New(errdef.KindSchemaInvalid, "adapter_id and version are required")
	}
	if !validRiskClasses[a.RiskClass] {
		return errdef.Newf(errdef.KindSchemaInvalid, "unknown risk class %q", a.RiskClass)
	}

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return errdef.Wrap(errdef.KindSchemaInvalid, "encode capabilities", err)
	}
	now := r.clock().UTC()
	enabled := 0
	if a.Enabled {
		enabled = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO adapter_registry (tenant_id, adapter_id, version, display_name, risk_class, capabilities, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, adapter_id, version) DO UPDATE SET
			display_name = excluded.display_name,
			risk_class   = excluded.risk_class,
			capabilities = excluded.capabilities,
			enabled      = excluded.enabled,
			updated_at   = excluded.updated_at`,
		a.TenantID, a.AdapterID, a.Version, a.DisplayName, a.RiskClass, string(caps), enabled, now, now)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "adapter upsert", err)
	}

	r.logger.Info("adapter upserted", "tenant", a.TenantID, "adapter", a.AdapterID, "version", a.Version, "enabled", a.Enabled)
	return r.refresh(ctx, a.TenantID)
}

// Disable flags the (adapter, version) row as disabled. The row is kept so
// decisions can distinguish a disabled adapter from an unknown one.
func (r *Registry) Disable(ctx context.Context, tenantID, adapterID, version string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE adapter_registry SET enabled = 0, updated_at = ? WHERE tenant_id = ? AND adapter_id = ? AND version = ?`,
		r.clock().UTC(), tenantID, adapterID, version)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "adapter disable", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errdef.Newf(errdef.KindAdapterUnknown, "adapter %s@%s not registered", adapterID, version)
	}
	return r.refresh(ctx, tenantID)
}

// Get returns the adapter at a pinned version, or the latest version when
// version is empty. Returns adapter_unknown when nothing is registered —
// disabled rows are still returned so the caller can report adapter_disabled.
func (r *Registry) Get(ctx context.Context, tenantID, adapterID, version string) (*Adapter, error) {
	adapters, err := r.tenantSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var candidates []Adapter
	for _, a := range adapters {
		if a.AdapterID != adapterID {
			continue
		}
		if version != "" {
			if a.Version == version {
				found := a
				return &found, nil
			}
			continue
		}
		candidates = append(candidates, a)
	}
	if version != "" || len(candidates) == 0 {
		return nil, errdef.Newf(errdef.KindAdapterUnknown, "adapter %s not registered", adapterID)
	}
	latest := latestVersion(candidates)
	return &latest, nil
}

// List returns all adapters registered for the tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]Adapter, error) {
	adapters, err := r.tenantSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Adapter, len(adapters))
	copy(out, adapters)
	return out, nil
}

// latestVersion picks the highest valid semver; rows whose version does not
// parse as semver sort after all that do, ordered lexicographically.
func latestVersion(candidates []Adapter) Adapter {
	sort.SliceStable(candidates, func(i, j int) bool {
		vi, ei := semver.NewVersion(candidates[i].Version)
		vj, ej := semver.NewVersion(candidates[j].Version)
		switch {
		case ei == nil && ej == nil:
			return vi.GreaterThan(vj)
		case ei == nil:
			return true
		case ej == nil:
			return false
		default:
			return strings.Compare(candidates[i].Version, candidates[j].Version) > 0
		}
	})
	return candidates[0]
}

func (r *Registry) tenantSnapshot(ctx context.Context, tenantID string) ([]Adapter, error) {
	r.mu.RLock()
	snap, ok := r.snapshots[tenantID]
	r.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if err := r.refresh(ctx, tenantID); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[tenantID], nil
}

// refresh rebuilds the tenant's snapshot from the store and swaps it in.
func (r *Registry) refresh(ctx context.Context, tenantID string) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, adapter_id, version, display_name, risk_class, capabilities, enabled, created_at, updated_at
		FROM adapter_registry WHERE tenant_id = ?
		ORDER BY adapter_id, version`, tenantID)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "registry load", err)
	}
	defer func() { _ = rows.Close() }()

	snap := make([]Adapter, 0)
	for rows.Next() {
		var a Adapter
		var displayName sql.NullString
		var caps string
		var enabled int
		var createdAt, updatedAt sql.NullTime
		if err := rows.Scan(&a.TenantID, &a.AdapterID, &a.Version, &displayName, &a.RiskClass, &caps, &enabled, &createdAt, &updatedAt); err != nil {
			return errdef.Wrap(errdef.KindStoreUnavailable, "registry scan", err)
		}
		a.DisplayName = displayName.String
		a.Enabled = enabled != 0
		a.CreatedAt = createdAt.Time
		a.UpdatedAt = updatedAt.Time
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "decode capabilities", err)
		}
		snap = append(snap, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.snapshots[tenantID] = snap
	r.mu.Unlock()
	return nil
}
