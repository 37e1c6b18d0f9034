// Package store owns the relational schema and connection bootstrap for
// Clasper's authoritative state. SQLite (WAL mode) is the reference engine;
// a Postgres DSN can be supplied instead — every query in the repo sticks to
// the portable subset both engines accept.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Open opens the authoritative database. When pgDSN is non-empty Postgres is
// used; otherwise a SQLite file at dbPath with WAL mode and a busy timeout.
func Open(ctx context.Context, dbPath, pgDSN string) (*sql.DB, error) {
	if pgDSN != "" {
		db, err := sql.Open("postgres", pgDSN)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, errdef.Wrap(errdef.KindStoreUnavailable, "postgres unreachable", err)
		}
		return db, nil
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Chained writes serialize through transactions; a single writer
	// connection avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, errdef.Wrap(errdef.KindStoreUnavailable, "sqlite unreachable", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	tenant_id    TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	display_name TEXT,
	created_at   TIMESTAMP,
	PRIMARY KEY (tenant_id, workspace_id)
);

CREATE TABLE IF NOT EXISTS tenant_budgets (
	tenant_id        TEXT PRIMARY KEY,
	budget_remaining REAL NOT NULL DEFAULT 0,
	max_steps        INTEGER NOT NULL DEFAULT 16,
	default_cost_cap REAL NOT NULL DEFAULT 1.0,
	updated_at       TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id      TEXT PRIMARY KEY,
	telemetry_mode TEXT NOT NULL,
	updated_at     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS adapter_registry (
	tenant_id    TEXT NOT NULL,
	adapter_id   TEXT NOT NULL,
	version      TEXT NOT NULL,
	display_name TEXT,
	risk_class   TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 1,
	created_at   TIMESTAMP,
	updated_at   TIMESTAMP,
	PRIMARY KEY (tenant_id, adapter_id, version)
);

CREATE TABLE IF NOT EXISTS adapter_keys (
	tenant_id  TEXT NOT NULL,
	adapter_id TEXT NOT NULL,
	version    TEXT NOT NULL,
	key_id     TEXT NOT NULL,
	algorithm  TEXT NOT NULL,
	public_jwk TEXT NOT NULL,
	created_at TIMESTAMP,
	revoked_at TIMESTAMP,
	PRIMARY KEY (tenant_id, adapter_id, version, key_id)
);

CREATE TABLE IF NOT EXISTS policies (
	tenant_id     TEXT NOT NULL,
	policy_id     TEXT NOT NULL,
	workspace_id  TEXT,
	environment   TEXT,
	subject_type  TEXT NOT NULL,
	subject_name  TEXT,
	conditions    TEXT NOT NULL,
	effect        TEXT NOT NULL,
	required_role TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMP,
	updated_at    TIMESTAMP,
	PRIMARY KEY (tenant_id, policy_id)
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id      TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	execution_id     TEXT NOT NULL,
	adapter_id       TEXT NOT NULL,
	state            TEXT NOT NULL,
	request_snapshot TEXT NOT NULL,
	required_role    TEXT,
	granted_scope    TEXT,
	created_at       TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	resolved_at      TIMESTAMP,
	resolved_by      TEXT,
	reason_code      TEXT,
	justification    TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_sweep ON decisions (tenant_id, state, expires_at);

CREATE TABLE IF NOT EXISTS tool_tokens (
	jti          TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	workspace_id TEXT,
	adapter_id   TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	tool         TEXT NOT NULL,
	scope_hash   TEXT NOT NULL,
	issued_at    TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL,
	used_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_chain (
	tenant_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	actor       TEXT NOT NULL,
	target_id   TEXT,
	event_data  TEXT NOT NULL,
	prev_hash   TEXT,
	entry_hash  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);

CREATE TABLE IF NOT EXISTS audit_seals (
	tenant_id   TEXT NOT NULL,
	sealed_to   INTEGER NOT NULL,
	terminal_hash TEXT NOT NULL,
	location    TEXT NOT NULL,
	sealed_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, sealed_to)
);

CREATE TABLE IF NOT EXISTS traces (
	trace_id       TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	workspace_id   TEXT NOT NULL,
	adapter_id     TEXT,
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	model          TEXT,
	provider       TEXT,
	input          TEXT,
	output         TEXT,
	usage          TEXT,
	granted_scope  TEXT,
	used_scope     TEXT,
	redacted_prompt TEXT,
	error          TEXT,
	status         TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_tenant_started ON traces (tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS trace_steps (
	trace_id       TEXT NOT NULL,
	idx            INTEGER NOT NULL,
	step_id        TEXT NOT NULL,
	prev_step_hash TEXT,
	step_hash      TEXT,
	step_type      TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	duration_ms    INTEGER,
	data           TEXT,
	PRIMARY KEY (trace_id, idx)
);

CREATE TABLE IF NOT EXISTS telemetry_ingests (
	tenant_id    TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	received_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, execution_id, payload_type, payload_hash)
);

CREATE TABLE IF NOT EXISTS telemetry_violations (
	tenant_id   TEXT NOT NULL,
	adapter_id  TEXT NOT NULL,
	execution_id TEXT,
	kind        TEXT NOT NULL,
	detail      TEXT,
	occurred_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_events (
	tenant_id    TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	adapter_id   TEXT,
	amount       REAL NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	occurred_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_events (
	tenant_id    TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	adapter_id   TEXT,
	name         TEXT NOT NULL,
	value        REAL NOT NULL,
	occurred_at  TIMESTAMP NOT NULL
);
`

// Migrate creates the schema if it does not exist. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// MaxRetries bounds automatic retry of store conflicts.
const MaxRetries = 5

// WithRetry runs fn, retrying on store_conflict with exponential backoff.
// Timeouts and every other kind surface immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err = fn(); err == nil || !errdef.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errdef.Wrap(errdef.KindTimeout, "retry aborted by deadline", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
