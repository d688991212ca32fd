// Package lease persists file leases in SQLite.
//
// Acquire and Extend are single guarded statements; SQLite's writer lock
// makes each one atomic, so two racing agents can never both see success.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"k8s.io/utils/clock"

	leasedomain "hive/internal/domain/lease"
	"hive/internal/errkind"
	"hive/internal/logging"
	"hive/internal/storage"
)

// SQLiteManager implements leasedomain.Manager.
type SQLiteManager struct {
	engine *storage.Engine
	clock  clock.PassiveClock
	logger logging.Logger
}

var _ leasedomain.Manager = (*SQLiteManager)(nil)

// NewManager creates a lease manager over the shared engine.
func NewManager(engine *storage.Engine, clk clock.PassiveClock, logger logging.Logger) *SQLiteManager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteManager{
		engine: engine,
		clock:  clk,
		logger: logging.OrNop(logger),
	}
}

// Acquire takes the lease via one atomic upsert. The conflict branch only
// fires when the current holder is the same agent or the lease has expired;
// otherwise rows_affected stays zero and the caller lost.
func (m *SQLiteManager) Acquire(ctx context.Context, path, agentID, taskID string, duration time.Duration) (bool, error) {
	const op = "lease.acquire"

	if path == "" || agentID == "" {
		return false, errkind.New(errkind.KindValidation, op, "path and agent id are required")
	}
	if duration <= 0 {
		return false, errkind.New(errkind.KindValidation, op, "duration must be positive, got %v", duration)
	}

	now := m.clock.Now()
	affected, _, err := m.engine.Execute(ctx, `
INSERT INTO leases (file_path, agent_id, task_id, acquired_at, expires_at, renewed_count)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT(file_path) DO UPDATE SET
    agent_id = excluded.agent_id,
    task_id = excluded.task_id,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at,
    renewed_count = CASE
        WHEN leases.agent_id = excluded.agent_id THEN leases.renewed_count
        ELSE 0
    END
WHERE leases.agent_id = excluded.agent_id OR leases.expires_at <= ?`,
		path, agentID, storage.NullString(taskID),
		storage.Millis(now), storage.Millis(now.Add(duration)), storage.Millis(now),
	)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		m.logger.Debug("lease on %s denied for %s, held by another agent", path, agentID)
	}
	return affected > 0, nil
}

// Release drops the lease only when the agent owns it.
func (m *SQLiteManager) Release(ctx context.Context, path, agentID string) (bool, error) {
	affected, _, err := m.engine.Execute(ctx,
		`DELETE FROM leases WHERE file_path = ? AND agent_id = ?`, path, agentID)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ForceRelease drops the lease regardless of owner.
func (m *SQLiteManager) ForceRelease(ctx context.Context, path string) error {
	_, _, err := m.engine.Execute(ctx, `DELETE FROM leases WHERE file_path = ?`, path)
	return err
}

// Check returns the active lease on path, nil when free or expired.
func (m *SQLiteManager) Check(ctx context.Context, path string) (*leasedomain.Lease, error) {
	const op = "lease.check"

	row := m.engine.QueryRow(ctx, `
SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count
FROM leases WHERE file_path = ? AND expires_at > ?`,
		path, storage.Millis(m.clock.Now()))
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return lease, nil
}

// Extend pushes expiry out by duration from now, owner-guarded. Extending
// an expired-but-unswept lease is allowed for the same owner; it is a
// re-acquire in place.
func (m *SQLiteManager) Extend(ctx context.Context, path, agentID string, duration time.Duration) (bool, error) {
	const op = "lease.extend"

	if duration <= 0 {
		return false, errkind.New(errkind.KindValidation, op, "duration must be positive, got %v", duration)
	}
	now := m.clock.Now()
	affected, _, err := m.engine.Execute(ctx, `
UPDATE leases SET expires_at = ?, renewed_count = renewed_count + 1
WHERE file_path = ? AND agent_id = ?`,
		storage.Millis(now.Add(duration)), path, agentID)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetAgentLeases lists the leases an agent currently holds, soonest expiry
// first.
func (m *SQLiteManager) GetAgentLeases(ctx context.Context, agentID string) ([]*leasedomain.Lease, error) {
	return m.queryLeases(ctx, `
SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count
FROM leases WHERE agent_id = ? AND expires_at > ?
ORDER BY expires_at ASC`, agentID, storage.Millis(m.clock.Now()))
}

// FindExpired lists leases whose expiry has passed.
func (m *SQLiteManager) FindExpired(ctx context.Context) ([]*leasedomain.Lease, error) {
	return m.queryLeases(ctx, `
SELECT file_path, agent_id, task_id, acquired_at, expires_at, renewed_count
FROM leases WHERE expires_at <= ?
ORDER BY expires_at ASC`, storage.Millis(m.clock.Now()))
}

// ReleaseAll drops every lease an agent holds.
func (m *SQLiteManager) ReleaseAll(ctx context.Context, agentID string) (int, error) {
	affected, _, err := m.engine.Execute(ctx,
		`DELETE FROM leases WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountActive returns the number of unexpired leases.
func (m *SQLiteManager) CountActive(ctx context.Context) (int, error) {
	const op = "lease.count_active"

	var n int
	if err := m.engine.QueryRow(ctx,
		`SELECT COUNT(*) FROM leases WHERE expires_at > ?`,
		storage.Millis(m.clock.Now())).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return n, nil
}

// DeleteExpired removes expired lease rows.
func (m *SQLiteManager) DeleteExpired(ctx context.Context) (int, error) {
	affected, _, err := m.engine.Execute(ctx,
		`DELETE FROM leases WHERE expires_at <= ?`, storage.Millis(m.clock.Now()))
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (m *SQLiteManager) queryLeases(ctx context.Context, query string, args ...any) ([]*leasedomain.Lease, error) {
	const op = "lease.query"

	rows, err := m.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*leasedomain.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*leasedomain.Lease, error) {
	var (
		lease      leasedomain.Lease
		taskID     sql.NullString
		acquiredAt int64
		expiresAt  int64
	)
	if err := row.Scan(&lease.FilePath, &lease.AgentID, &taskID,
		&acquiredAt, &expiresAt, &lease.RenewedCount); err != nil {
		return nil, err
	}
	lease.TaskID = storage.StringOr(taskID)
	lease.AcquiredAt = storage.TimeAt(acquiredAt)
	lease.ExpiresAt = storage.TimeAt(expiresAt)
	return &lease, nil
}
