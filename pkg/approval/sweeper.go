package approval

import (
	"context"
	"time"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// DefaultSweepInterval is how often the sweeper scans for overdue decisions.
const DefaultSweepInterval = 60 * time.Second

// SweepExpired transitions every overdue pending decision to expired and
// audits each one. Returns the number expired.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	now := q.clock().UTC()
	rows, err := q.db.QueryContext(ctx,
		`SELECT decision_id, tenant_id FROM decisions WHERE state = ? AND expires_at < ?`,
		StatePending, now)
	if err != nil {
		return 0, errdef.Wrap(errdef.KindStoreUnavailable, "sweep query", err)
	}
	type target struct{ decisionID, tenantID string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.decisionID, &t.tenantID); err != nil {
			_ = rows.Close()
			return 0, errdef.Wrap(errdef.KindStoreUnavailable, "sweep scan", err)
		}
		targets = append(targets, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range targets {
		won, err := q.expireOne(ctx, t.tenantID, t.decisionID)
		if err != nil {
			return expired, err
		}
		if won {
			expired++
		}
	}
	return expired, nil
}

// expireOne transitions a single pending decision to expired; loses quietly
// if a concurrent resolve got there first.
func (q *Queue) expireOne(ctx context.Context, tenantID, decisionID string) (bool, error) {
	now := q.clock().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE decisions SET state = ?, resolved_at = ? WHERE decision_id = ? AND tenant_id = ? AND state = ?`,
		StateExpired, now, decisionID, tenantID, StatePending)
	if err != nil {
		return false, errdef.Wrap(errdef.KindStoreUnavailable, "decision expire", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, _, err = q.audit.Append(ctx, tenantID, "decision_expired", map[string]any{
		"decision_id": decisionID,
		"expired_at":  now.Format(time.RFC3339Nano),
	}, "system", &decisionID)
	if err != nil {
		return true, err
	}
	q.logger.Info("decision expired", "tenant", tenantID, "decision", decisionID)
	return true, nil
}

// RunSweeper loops until the context is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.SweepExpired(ctx); err != nil {
				q.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				q.logger.Info("swept expired decisions", "count", n)
			}
		}
	}
}
