// Package trace persists execution traces whole, each with an optional
// hash-chained step list signed by the adapter. Steps are never mutated
// after insert; retention deletes whole traces only.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// Step is one recorded execution step. StepHash, when present, covers the
// canonical JSON of {step_id, prev_step_hash, type, timestamp, duration_ms,
// data}; PrevStepHash is nil at index 0.
type Step struct {
	StepID       string          `json:"step_id"`
	PrevStepHash *string         `json:"prev_step_hash"`
	StepHash     *string         `json:"step_hash"`
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	DurationMS   *int64          `json:"duration_ms"`
	Data         json.RawMessage `json:"data"`
}

// hashedStep is the exact field set covered by a step hash.
type hashedStep struct {
	StepID       string          `json:"step_id"`
	PrevStepHash *string         `json:"prev_step_hash"`
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	DurationMS   *int64          `json:"duration_ms"`
	Data         json.RawMessage `json:"data"`
}

// HashStep computes the hash an adapter must produce for a step.
func HashStep(s Step) (string, error) {
	h, err := canonicalize.CanonicalHash(hashedStep{
		StepID:       s.StepID,
		PrevStepHash: s.PrevStepHash,
		Type:         s.Type,
		Timestamp:    s.Timestamp,
		DurationMS:   s.DurationMS,
		Data:         s.Data,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.FormatHash(h), nil
}

// Trace is one whole execution record.
type Trace struct {
	TraceID        string          `json:"trace_id"`
	TenantID       string          `json:"tenant_id"`
	WorkspaceID    string          `json:"workspace_id"`
	AdapterID      string          `json:"adapter_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Model          string          `json:"model,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Usage          json.RawMessage `json:"usage,omitempty"`
	GrantedScope   json.RawMessage `json:"granted_scope,omitempty"`
	UsedScope      json.RawMessage `json:"used_scope,omitempty"`
	RedactedPrompt string          `json:"redacted_prompt,omitempty"`
	Error          string          `json:"error,omitempty"`
	Status         string          `json:"status,omitempty"`
	Steps          []Step          `json:"steps,omitempty"`
}

// Verdict is the step-chain integrity outcome computed on read.
type Verdict string

const (
	VerdictVerified    Verdict = "verified"    // every step hashed, chain reconciles
	VerdictCompromised Verdict = "compromised" // a hash or link does not reconcile
	VerdictUnsigned    Verdict = "unsigned"    // steps present, none hashed
	VerdictUnverified  Verdict = "unverified"  // zero steps
)

// Store persists traces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the trace store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: slog.Default().With("component", "trace")}
}

// Put writes the trace and its steps in one transaction. Traces are
// write-once; a duplicate trace_id is a conflict.
func (s *Store) Put(ctx context.Context, t Trace) error {
	if t.TenantID == "" {
		return errdef.New(errdef.KindMissingTenant, "trace requires a tenant")
	}
	if t.TraceID == "" || t.WorkspaceID == "" {
		return errdef.New(errdef.KindSchemaInvalid, "trace_id and workspace_id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreUnavailable, "trace tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider,
		                    input, output, usage, granted_scope, used_scope, redacted_prompt, error, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.TenantID, t.WorkspaceID, t.AdapterID, t.StartedAt.UTC(), nullableTime(t.CompletedAt),
		t.Model, t.Provider, rawOrNil(t.Input), rawOrNil(t.Output), rawOrNil(t.Usage),
		rawOrNil(t.GrantedScope), rawOrNil(t.UsedScope), t.RedactedPrompt, t.Error, t.Status)
	if err != nil {
		return errdef.Wrap(errdef.KindStoreConflict, "trace insert", err)
	}

	for i, step := range t.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_steps (trace_id, idx, step_id, prev_step_hash, step_hash, step_type, timestamp, duration_ms, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TraceID, i, step.StepID, step.PrevStepHash, step.StepHash, step.Type, step.Timestamp, step.DurationMS, rawOrNil(step.Data))
		if err != nil {
			return errdef.Wrap(errdef.KindStoreConflict, "trace step insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.KindStoreConflict, "trace commit", err)
	}
	s.logger.Info("trace stored", "tenant", t.TenantID, "trace", t.TraceID, "steps", len(t.Steps))
	return nil
}

// Get returns the trace with its integrity verdict, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, traceID string) (*Trace, Verdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider,
		       input, output, usage, granted_scope, used_scope, redacted_prompt, error, status
		FROM traces WHERE trace_id = ? AND tenant_id = ?`, traceID, tenantID)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, "", errdef.Newf(errdef.KindDecisionNotFound, "trace %s not found", traceID)
	}
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindStoreUnavailable, "trace lookup", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, prev_step_hash, step_hash, step_type, timestamp, duration_ms, data
		FROM trace_steps WHERE trace_id = ? ORDER BY idx ASC`, traceID)
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindStoreUnavailable, "trace steps", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var st Step
		var prev, hash sql.NullString
		var duration sql.NullInt64
		var data sql.NullString
		if err := rows.Scan(&st.StepID, &prev, &hash, &st.Type, &st.Timestamp, &duration, &data); err != nil {
			return nil, "", errdef.Wrap(errdef.KindStoreUnavailable, "trace step scan", err)
		}
		if prev.Valid {
			st.PrevStepHash = &prev.String
		}
		if hash.Valid {
			st.StepHash = &hash.String
		}
		if duration.Valid {
			st.DurationMS = &duration.Int64
		}
		if data.Valid {
			st.Data = json.RawMessage(data.String)
		}
		t.Steps = append(t.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	return t, verify(t.Steps), nil
}

// verify computes the integrity verdict for a step list.
func verify(steps []Step) Verdict {
	if len(steps) == 0 {
		return VerdictUnverified
	}
	signed := 0
	for _, s := range steps {
		if s.StepHash != nil {
			signed++
		}
	}
	if signed == 0 {
		return VerdictUnsigned
	}
	if signed < len(steps) {
		return VerdictCompromised
	}

	var expectedPrev *string
	for _, s := range steps {
		if !hashPtrEqual(s.PrevStepHash, expectedPrev) {
			return VerdictCompromised
		}
		computed, err := HashStep(s)
		if err != nil || computed != *s.StepHash {
			return VerdictCompromised
		}
		h := *s.StepHash
		expectedPrev = &h
	}
	return VerdictVerified
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Filter narrows List.
type Filter struct {
	WorkspaceID string
	AdapterID   string
	Status      string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// List returns traces for a tenant, newest first. Steps are not loaded;
// fetch a trace by id for its chain and verdict.
func (s *Store) List(ctx context.Context, tenantID string, f Filter) ([]Trace, error) {
	q := `SELECT trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider,
	             input, output, usage, granted_scope, used_scope, redacted_prompt, error, status
	      FROM traces WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.WorkspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.AdapterID != "" {
		q += ` AND adapter_id = ?`
		args = append(args, f.AdapterID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Since != nil {
		q += ` AND started_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		q += ` AND started_at < ?`
		args = append(args, f.Until.UTC())
	}
	q += ` ORDER BY started_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "trace list", err)
	}
	defer func() { _ = rows.Close() }()

	var traces []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, errdef.Wrap(errdef.KindStoreUnavailable, "trace scan", err)
		}
		traces = append(traces, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return traces, nil
}

// DeleteOlderThan removes whole traces started before the cutoff, steps
// included. Partial step deletion is not offered.
func (s *Store) DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdef.Wrap(errdef.KindStoreUnavailable, "trace retention tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM trace_steps WHERE trace_id IN
			(SELECT trace_id FROM traces WHERE tenant_id = ? AND started_at < ?)`,
		tenantID, cutoff.UTC())
	if err != nil {
		return 0, errdef.Wrap(errdef.KindStoreUnavailable, "trace retention steps", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM traces WHERE tenant_id = ? AND started_at < ?`, tenantID, cutoff.UTC())
	if err != nil {
		return 0, errdef.Wrap(errdef.KindStoreUnavailable, "trace retention", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errdef.Wrap(errdef.KindStoreConflict, "trace retention commit", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("trace retention applied", "tenant", tenantID, "deleted", n)
	}
	return n, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanTrace(row scanner) (*Trace, error) {
	var t Trace
	var adapterID, model, provider, input, output, usage, grantedScope, usedScope, redacted, errMsg, status sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&t.TraceID, &t.TenantID, &t.WorkspaceID, &adapterID, &t.StartedAt, &completedAt,
		&model, &provider, &input, &output, &usage, &grantedScope, &usedScope, &redacted, &errMsg, &status)
	if err != nil {
		return nil, err
	}
	t.AdapterID = adapterID.String
	if completedAt.Valid {
		c := completedAt.Time
		t.CompletedAt = &c
	}
	t.Model = model.String
	t.Provider = provider.String
	if input.Valid {
		t.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	if usage.Valid {
		t.Usage = json.RawMessage(usage.String)
	}
	if grantedScope.Valid {
		t.GrantedScope = json.RawMessage(grantedScope.String)
	}
	if usedScope.Valid {
		t.UsedScope = json.RawMessage(usedScope.String)
	}
	t.RedactedPrompt = redacted.String
	t.Error = errMsg.String
	t.Status = status.String
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
