// Package audit implements the per-tenant hash-chained audit log. Entries
// are append-only, densely sequenced, and individually hashed over their
// canonical JSON record; each entry's prev_hash is the predecessor's
// entry_hash, so any byte of tampering is detectable offline.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// Entry is one audit chain record. PrevHash is nil only at seq 1 (or at the
// first entry after a sealed range, where it equals the seal's terminal hash).
type Entry struct {
	TenantID   string          `json:"tenant_id"`
	Seq        int64           `json:"seq"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Actor      string          `json:"actor"`
	TargetID   *string         `json:"target_id"`
	EventData  json.RawMessage `json:"event_data"`
	PrevHash   *string         `json:"prev_hash"`
	EntryHash  string          `json:"entry_hash"`
}

// record is the exact field set hashed into entry_hash.
type record struct {
	Seq        int64           `json:"seq"`
	TenantID   string          `json:"tenant_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Actor      string          `json:"actor"`
	TargetID   *string         `json:"target_id"`
	EventData  json.RawMessage `json:"event_data"`
	PrevHash   *string         `json:"prev_hash"`
}

func hashRecord(r record) (string, error) {
	h, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return "", err
	}
	return canonicalize.FormatHash(h), nil
}

// Log is the append-only audit chain over the shared relational store.
// Appends for the same tenant serialize through a per-tenant mutex plus a
// transaction covering the read of (max_seq, last_hash) and the insert.
type Log struct {
	db     *sql.DB
	locks  sync.Map // tenantID → *sync.Mutex
	clock  func() time.Time
	logger *slog.Logger
}

// NewLog creates the audit log service on an open database.
func NewLog(db *sql.DB) *Log {
	return &Log{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

func (l *Log) tenantLock(tenantID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append writes one entry for the tenant and returns (seq, entry_hash).
// eventData is canonicalized before hashing and storage so the stored bytes
// are exactly the hashed bytes.
func (l *Log) Append(ctx context.Context, tenantID, eventType string, eventData any, actor string, targetID *string) (int64, string, error) {
	if tenantID == "" {
		return 0, "", errdef.New(errdef.KindMissingTenant, "audit append requires a tenant")
	}

	dataJSON, err := canonicalize.JCS(eventData)
	if err != nil {
		return 0, "", fmt.Errorf("audit: canonicalize event data: %w", err)
	}

	mu := l.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", errdef.Wrap(errdef.KindStoreUnavailable, "audit begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM audit_chain WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`,
		tenantID).Scan(&maxSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return 0, "", errdef.Wrap(errdef.KindStoreUnavailable, "audit read head", err)
	}

	var prevHash *string
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
		prevHash = &lastHash.String
	} else {
		// A sealed prefix leaves the chain head in audit_seals.
		var terminal sql.NullString
		var sealedTo sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT sealed_to, terminal_hash FROM audit_seals WHERE tenant_id = ? ORDER BY sealed_to DESC LIMIT 1`,
			tenantID).Scan(&sealedTo, &terminal)
		if err != nil && err != sql.ErrNoRows {
			return 0, "", errdef.Wrap(errdef.KindStoreUnavailable, "audit read seal", err)
		}
		if sealedTo.Valid {
			seq = sealedTo.Int64 + 1
			prevHash = &terminal.String
		}
	}

	occurredAt := l.clock().UTC().Format(time.RFC3339Nano)
	rec := record{
		Seq:        seq,
		TenantID:   tenantID,
		EventType:  eventType,
		OccurredAt: occurredAt,
		Actor:      actor,
		TargetID:   targetID,
		EventData:  dataJSON,
		PrevHash:   prevHash,
	}
	entryHash, err := hashRecord(rec)
	if err != nil {
		return 0, "", fmt.Errorf("audit: hash record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_chain (tenant_id, seq, event_type, occurred_at, actor, target_id, event_data, prev_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID, seq, eventType, occurredAt, actor, targetID, string(dataJSON), prevHash, entryHash)
	if err != nil {
		return 0, "", errdef.Wrap(errdef.KindStoreConflict, "audit insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, "", errdef.Wrap(errdef.KindStoreConflict, "audit commit", err)
	}

	return seq, entryHash, nil
}

// Query filters for List.
type Query struct {
	EventType string
	Actor     string
	TargetID  string
	AfterSeq  int64
	Limit     int
}

// List returns entries for a tenant matching the query, ascending by seq.
func (l *Log) List(ctx context.Context, tenantID string, q Query) ([]Entry, error) {
	sqlq := `SELECT tenant_id, seq, event_type, occurred_at, actor, target_id, event_data, prev_hash, entry_hash
	         FROM audit_chain WHERE tenant_id = ? AND seq > ?`
	args := []any{tenantID, q.AfterSeq}
	if q.EventType != "" {
		sqlq += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.Actor != "" {
		sqlq += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if q.TargetID != "" {
		sqlq += ` AND target_id = ?`
		args = append(args, q.TargetID)
	}
	sqlq += ` ORDER BY seq ASC`
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	sqlq += ` LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "audit list", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var targetID, prevHash sql.NullString
	var data string
	if err := rows.Scan(&e.TenantID, &e.Seq, &e.EventType, &e.OccurredAt, &e.Actor, &targetID, &data, &prevHash, &e.EntryHash); err != nil {
		return Entry{}, err
	}
	if targetID.Valid {
		e.TargetID = &targetID.String
	}
	if prevHash.Valid {
		e.PrevHash = &prevHash.String
	}
	e.EventData = json.RawMessage(data)
	return e, nil
}
