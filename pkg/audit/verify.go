package audit

import (
	"context"
	"database/sql"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// Report is the outcome of an offline chain verification. Every mismatched
// seq is reported; verification never short-circuits on first failure.
type Report struct {
	OK       bool    `json:"ok"`
	Entries  int64   `json:"entries"`
	Failures []int64 `json:"failures,omitempty"`
}

// VerifyChain re-hashes every retained entry for the tenant and checks the
// prev_hash linkage. Re-hashing is the source of truth; the storage engine's
// ordering is only trusted via the (tenant_id, seq) index.
func (l *Log) VerifyChain(ctx context.Context, tenantID string) (Report, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, seq, event_type, occurred_at, actor, target_id, event_data, prev_hash, entry_hash
		 FROM audit_chain WHERE tenant_id = ? ORDER BY seq ASC`, tenantID)
	if err != nil {
		return Report{}, errdef.Wrap(errdef.KindStoreUnavailable, "audit verify query", err)
	}
	defer func() { _ = rows.Close() }()

	// A sealed prefix replaces seq 1..sealed_to; the first retained entry
	// must link to the seal's terminal hash.
	var expectedPrev *string
	expectedSeq := int64(1)
	var sealedTo sql.NullInt64
	var terminal sql.NullString
	err = l.db.QueryRowContext(ctx,
		`SELECT sealed_to, terminal_hash FROM audit_seals WHERE tenant_id = ? ORDER BY sealed_to DESC LIMIT 1`,
		tenantID).Scan(&sealedTo, &terminal)
	if err != nil && err != sql.ErrNoRows {
		return Report{}, errdef.Wrap(errdef.KindStoreUnavailable, "audit verify seal lookup", err)
	}
	if sealedTo.Valid {
		expectedSeq = sealedTo.Int64 + 1
		expectedPrev = &terminal.String
	}

	report := Report{OK: true}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Report{}, err
		}
		report.Entries++

		ok := true
		if e.Seq != expectedSeq {
			ok = false
		}
		if !hashPtrEqual(e.PrevHash, expectedPrev) {
			ok = false
		}
		computed, err := hashRecord(record{
			Seq:        e.Seq,
			TenantID:   e.TenantID,
			EventType:  e.EventType,
			OccurredAt: e.OccurredAt,
			Actor:      e.Actor,
			TargetID:   e.TargetID,
			EventData:  e.EventData,
			PrevHash:   e.PrevHash,
		})
		if err != nil || computed != e.EntryHash {
			ok = false
		}

		if !ok {
			report.OK = false
			report.Failures = append(report.Failures, e.Seq)
		}

		expectedSeq = e.Seq + 1
		h := e.EntryHash
		expectedPrev = &h
	}
	if err := rows.Err(); err != nil {
		return Report{}, err
	}
	return report, nil
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
