package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/config"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/trace"
)

// MaxPayloadBytes bounds an envelope before any parsing happens.
const MaxPayloadBytes = 1 << 20

// Receipt is the ingest outcome returned to the adapter.
type Receipt struct {
	Accepted   bool     `json:"accepted"`
	Violations []string `json:"violations,omitempty"`
	Mode       string   `json:"mode"`
	Verified   bool     `json:"verified"`
}

// Service verifies envelopes and dispatches their payloads.
type Service struct {
	db       *sql.DB
	registry *registry.Registry
	traces   *trace.Store
	audit    *audit.Log
	budgets  *budget.Store

	defaultMode config.EnforcementMode
	maxSkew     time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewService creates the ingest service. mode is the deployment default
// enforcement posture, overridable per tenant with SetMode; maxSkew zero
// takes DefaultMaxSkew.
func NewService(db *sql.DB, reg *registry.Registry, traces *trace.Store, auditLog *audit.Log, budgets *budget.Store, mode config.EnforcementMode, maxSkew time.Duration) *Service {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Service{
		db:          db,
		registry:    reg,
		traces:      traces,
		audit:       auditLog,
		budgets:     budgets,
		defaultMode: mode,
		maxSkew:     maxSkew,
		clock:       time.Now,
		logger:      slog.Default().With("component", "telemetry"),
	}
}

// SetMode pins a tenant's enforcement mode. Tenants without a pinned mode
// follow the deployment default.
func (s *Service) SetMode(ctx context.Context, tenantID string, mode config.EnforcementMode) error {
	if tenantID == "" {
		return errdef.New(errdef.KindMissingTenant, "enforcement mode requires a tenant")
	}
	switch mode {
	case config.ModeOff, config.ModeWarn, config.ModeEnforce:
	default:
		return errdef.Newf(errdef.KindSchemaInvalid, "enforcement mode must be off, warn, or enforce, got %q", mode)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, telemetry_mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET telemetry_mode = excluded.telemetry_mode, updated_at = excluded.updated_at`,
		tenantID, string(mode), s.clock().UTC())
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "set enforcement mode", err)
	}
	s.logger.Info("enforcement mode pinned", "tenant", tenantID, "mode", mode)
	return nil
}

// ModeFor returns the tenant's effective enforcement mode.
func (s *Service) ModeFor(ctx context.Context, tenantID string) (config.EnforcementMode, error) {
	var m string
	err := s.db.QueryRowContext(ctx,
		`SELECT telemetry_mode FROM tenant_settings WHERE tenant_id = ?`, tenantID).Scan(&m)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.defaultMode, nil
	case err != nil:
		return "", errdef.Wrap(errdef.KindStoreUnavailable, "read enforcement mode", err)
	}
	return config.EnforcementMode(m), nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Ingest processes one raw envelope for the authenticated tenant.
func (s *Service) Ingest(ctx context.Context, tenantID string, raw []byte) (*Receipt, error) {
	if tenantID == "" {
		return nil, errdef.New(errdef.KindMissingTenant, "telemetry ingest requires a tenant")
	}
	if len(raw) > MaxPayloadBytes {
		return nil, errdef.Newf(errdef.KindPayloadTooLarge, "envelope is %d bytes (max %d)", len(raw), MaxPayloadBytes)
	}

	e, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	mode, err := s.ModeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{Mode: string(mode)}
	switch mode {
	case config.ModeOff:
		// Migration escape hatch: nothing is verified, everything is taken
		// on faith.
	case config.ModeWarn:
		if verr := s.verifyEnvelope(ctx, tenantID, e); verr != nil {
			kind := string(errdef.KindOf(verr))
			receipt.Violations = append(receipt.Violations, kind)
			if err := s.recordViolation(ctx, tenantID, e, kind, verr.Error()); err != nil {
				return nil, err
			}
		} else {
			receipt.Verified = true
		}
	default: // enforce
		if verr := s.verifyEnvelope(ctx, tenantID, e); verr != nil {
			kind := string(errdef.KindOf(verr))
			if err := s.recordViolation(ctx, tenantID, e, kind, verr.Error()); err != nil {
				return nil, err
			}
			return nil, verr
		}
		receipt.Verified = true
	}

	dup, err := s.markIngested(ctx, tenantID, e)
	if err != nil {
		return nil, err
	}
	if dup {
		// Idempotent accept: same (execution_id, payload_type, payload_hash)
		// already dispatched.
		receipt.Accepted = true
		return receipt, nil
	}

	if err := s.dispatch(ctx, tenantID, e); err != nil {
		return nil, err
	}
	receipt.Accepted = true
	s.logger.Info("telemetry accepted", "tenant", tenantID, "adapter", e.AdapterID, "type", e.PayloadType, "verified", receipt.Verified)
	return receipt, nil
}

// markIngested claims the dedup key; reports true when it was already taken.
func (s *Service) markIngested(ctx context.Context, tenantID string, e *Envelope) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_ingests (tenant_id, execution_id, payload_type, payload_hash, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, execution_id, payload_type, payload_hash) DO NOTHING`,
		tenantID, e.ExecutionID, e.PayloadType, e.PayloadHash, s.clock().UTC())
	if err != nil {
		return false, errdef.Wrap(errdef.KindStoreUnavailable, "telemetry dedup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errdef.Wrap(errdef.KindStoreUnavailable, "telemetry dedup", err)
	}
	return n == 0, nil
}

func (s *Service) recordViolation(ctx context.Context, tenantID string, e *Envelope, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_violations (tenant_id, adapter_id, execution_id, kind, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, e.AdapterID, e.ExecutionID, kind, detail, s.clock().UTC())
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "violation insert", err)
	}
	_, _, err = s.audit.Append(ctx, tenantID, "telemetry_violation", map[string]any{
		"adapter_id":   e.AdapterID,
		"execution_id": e.ExecutionID,
		"payload_type": e.PayloadType,
		"kind":         kind,
		"detail":       detail,
	}, "adapter:"+e.AdapterID, &e.ExecutionID)
	return err
}

// dispatch routes a verified (or waved-through) payload to its sink.
func (s *Service) dispatch(ctx context.Context, tenantID string, e *Envelope) error {
	actor := "adapter:" + e.AdapterID
	switch e.PayloadType {
	case PayloadTrace:
		var t trace.Trace
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "trace payload decode", err)
		}
		t.TenantID = tenantID
		if t.AdapterID == "" {
			t.AdapterID = e.AdapterID
		}
		if t.TraceID == "" {
			t.TraceID = e.TraceID
		}
		return s.traces.Put(ctx, t)

	case PayloadAudit:
		var p struct {
			EventType string          `json:"event_type"`
			EventData json.RawMessage `json:"event_data"`
			TargetID  *string         `json:"target_id"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "audit payload decode", err)
		}
		if p.EventType == "" {
			return errdef.New(errdef.KindSchemaInvalid, "audit payload requires event_type")
		}
		_, _, err := s.audit.Append(ctx, tenantID, p.EventType, p.EventData, actor, p.TargetID)
		return err

	case PayloadCost:
		var p struct {
			Amount   float64 `json:"amount"`
			Currency string  `json:"currency"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "cost payload decode", err)
		}
		if p.Currency == "" {
			p.Currency = "USD"
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cost_events (tenant_id, execution_id, adapter_id, amount, currency, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, e.ExecutionID, e.AdapterID, p.Amount, p.Currency, s.clock().UTC())
		if err != nil {
			return errdef.Wrap(errdef.KindStoreUnavailable, "cost insert", err)
		}
		return s.budgets.Debit(ctx, tenantID, p.Amount)

	case PayloadMetrics:
		var metrics []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(e.Payload, &metrics); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "metrics payload decode", err)
		}
		now := s.clock().UTC()
		for _, m := range metrics {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO metric_events (tenant_id, execution_id, adapter_id, name, value, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				tenantID, e.ExecutionID, e.AdapterID, m.Name, m.Value, now)
			if err != nil {
				return errdef.Wrap(errdef.KindStoreUnavailable, "metric insert", err)
			}
		}
		return nil

	case PayloadViolations:
		var violations []struct {
			Kind   string `json:"kind"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(e.Payload, &violations); err != nil {
			return errdef.Wrap(errdef.KindSchemaInvalid, "violations payload decode", err)
		}
		now := s.clock().UTC()
		for _, v := range violations {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO telemetry_violations (tenant_id, adapter_id, execution_id, kind, detail, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				tenantID, e.AdapterID, e.ExecutionID, v.Kind, v.Detail, now)
			if err != nil {
				return errdef.Wrap(errdef.KindStoreUnavailable, "violation insert", err)
			}
			if _, _, err := s.audit.Append(ctx, tenantID, "adapter_violation_report", map[string]any{
				"adapter_id":   e.AdapterID,
				"execution_id": e.ExecutionID,
				"kind":         v.Kind,
				"detail":       v.Detail,
			}, actor, &e.ExecutionID); err != nil {
				return err
			}
		}
		return nil

	default:
		return errdef.Newf(errdef.KindSchemaInvalid, "unknown payload type %q", e.PayloadType)
	}
}
