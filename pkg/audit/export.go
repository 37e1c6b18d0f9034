package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/clasperhq/clasper/pkg/canonicalize"
	"github.com/clasperhq/clasper/pkg/errdef"
)

// ExportBundle is the stable offline-verifiable representation of a tenant's
// chain: the exact field set used in hashing plus the verification verdict
// computed at export time.
type ExportBundle struct {
	TenantID   string  `json:"tenant_id"`
	ExportedAt string  `json:"exported_at"`
	Entries    []Entry `json:"entries"`
	Verdict    Report  `json:"verdict"`
}

// Export returns the full retained chain for a tenant with its verdict.
func (l *Log) Export(ctx context.Context, tenantID string) (*ExportBundle, error) {
	verdict, err := l.VerifyChain(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	after := int64(0)
	for {
		page, err := l.List(ctx, tenantID, Query{AfterSeq: after, Limit: 1000})
		if err != nil {
			return nil, err
		}
		entries = append(entries, page...)
		if len(page) < 1000 {
			break
		}
		after = page[len(page)-1].Seq
	}
	return &ExportBundle{
		TenantID:   tenantID,
		ExportedAt: l.clock().UTC().Format(time.RFC3339Nano),
		Entries:    entries,
		Verdict:    verdict,
	}, nil
}

// ObjectStore is the cold-storage sink for sealed chain ranges.
// Implemented for S3 and GCS in coldstore.go.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (location string, err error)
}

// Seal exports the leading range [minSeq..upTo] of a tenant's chain to cold
// storage, records a sealing marker, then truncates the range. Retention
// never deletes without a seal: the marker preserves the terminal hash so
// the remaining chain (and future appends) still verify.
func (l *Log) Seal(ctx context.Context, tenantID string, upTo int64, cold ObjectStore) (string, error) {
	if cold == nil {
		return "", errdef.New(errdef.KindStoreUnavailable, "no cold storage configured")
	}

	mu := l.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	verdict, err := l.VerifyChain(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !verdict.OK {
		return "", errdef.Newf(errdef.KindStoreConflict, "refusing to seal a broken chain (failures at %v)", verdict.Failures)
	}

	var entries []Entry
	after := int64(0)
	for {
		page, err := l.List(ctx, tenantID, Query{AfterSeq: after, Limit: 1000})
		if err != nil {
			return "", err
		}
		entries = append(entries, page...)
		if len(page) < 1000 || page[len(page)-1].Seq > upTo {
			break
		}
		after = page[len(page)-1].Seq
	}
	var sealed []Entry
	var terminal string
	for _, e := range entries {
		if e.Seq > upTo {
			break
		}
		sealed = append(sealed, e)
		terminal = e.EntryHash
	}
	if len(sealed) == 0 {
		return "", errdef.Newf(errdef.KindStoreConflict, "no leading range to seal up to seq %d", upTo)
	}
	if sealed[len(sealed)-1].Seq != upTo {
		return "", errdef.Newf(errdef.KindStoreConflict, "range up to %d is not fully retained", upTo)
	}

	bundle := ExportBundle{
		TenantID:   tenantID,
		ExportedAt: l.clock().UTC().Format(time.RFC3339Nano),
		Entries:    sealed,
		Verdict:    verdict,
	}
	data, err := canonicalize.JCS(bundle)
	if err != nil {
		return "", fmt.Errorf("audit: seal bundle: %w", err)
	}

	key := fmt.Sprintf("audit/%s/seal-%d.json", tenantID, upTo)
	location, err := cold.Put(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("audit: cold storage put: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errdef.Wrap(errdef.KindStoreUnavailable, "audit seal tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	sealedAt := l.clock().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_seals (tenant_id, sealed_to, terminal_hash, location, sealed_at) VALUES (?, ?, ?, ?, ?)`,
		tenantID, upTo, terminal, location, sealedAt); err != nil {
		return "", errdef.Wrap(errdef.KindStoreConflict, "audit seal marker", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM audit_chain WHERE tenant_id = ? AND seq <= ?`, tenantID, upTo); err != nil {
		return "", errdef.Wrap(errdef.KindStoreConflict, "audit seal truncate", err)
	}
	if err := tx.Commit(); err != nil {
		return "", errdef.Wrap(errdef.KindStoreConflict, "audit seal commit", err)
	}

	l.logger.Info("sealed audit range", "tenant", tenantID, "up_to", upTo, "location", location)
	return location, nil
}
