// Package quality persists quality snapshots in SQLite.
//
// The baseline is a flag on a snapshot row, kept a singleton by a partial
// unique index; SetBaseline clears the old flag and sets the new one inside
// one transaction so readers never see zero or two baselines.
package quality

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	eventdomain "hive/internal/domain/event"
	qualitydomain "hive/internal/domain/quality"
	"hive/internal/errkind"
	"hive/internal/ids"
	eventinfra "hive/internal/infra/event"
	"hive/internal/logging"
	"hive/internal/storage"
)

const snapshotColumns = `id, task_id, agent_id, lint_errors, lint_warnings,
type_errors, tests_passing, tests_failing, test_coverage, build_success,
build_time_ms, is_baseline, tags, created_at`

// SQLiteEngine implements qualitydomain.Engine.
type SQLiteEngine struct {
	engine *storage.Engine
	clock  clock.PassiveClock
	logger logging.Logger
}

var _ qualitydomain.Engine = (*SQLiteEngine)(nil)

// NewEngine creates a quality engine over the shared storage engine.
func NewEngine(engine *storage.Engine, clk clock.PassiveClock, logger logging.Logger) *SQLiteEngine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteEngine{
		engine: engine,
		clock:  clk,
		logger: logging.OrNop(logger),
	}
}

// RecordSnapshot persists a snapshot, assigning id and timestamp.
func (e *SQLiteEngine) RecordSnapshot(ctx context.Context, s *qualitydomain.Snapshot) (*qualitydomain.Snapshot, error) {
	const op = "quality.record_snapshot"

	if s == nil {
		return nil, errkind.New(errkind.KindValidation, op, "snapshot is required")
	}
	stored := *s
	if stored.ID == "" {
		stored.ID = ids.NewSnapshotID()
	}
	stored.CreatedAt = e.clock.Now().UTC()
	// The baseline flag is only ever set through SetBaseline.
	stored.IsBaseline = false

	_, _, err := e.engine.Execute(ctx, `
INSERT INTO quality_snapshots (`+snapshotColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		stored.ID,
		storage.NullString(stored.TaskID),
		storage.NullString(stored.AgentID),
		stored.LintErrors, stored.LintWarnings, stored.TypeErrors,
		stored.TestsPassing, stored.TestsFailing, stored.TestCoverage,
		boolInt(stored.BuildSuccess), stored.BuildTimeMS,
		storage.MarshalStrings(stored.Tags),
		storage.Millis(stored.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("recorded quality snapshot %s (task=%s build=%t)",
		stored.ID, stored.TaskID, stored.BuildSuccess)
	return &stored, nil
}

// GetSnapshot returns a snapshot by id.
func (e *SQLiteEngine) GetSnapshot(ctx context.Context, id string) (*qualitydomain.Snapshot, error) {
	const op = "quality.get_snapshot"

	row := e.engine.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM quality_snapshots WHERE id = ?`, id)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.KindNotFound, op, "snapshot %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return snapshot, nil
}

// GetLatestSnapshot returns the newest snapshot, nil when none exist.
func (e *SQLiteEngine) GetLatestSnapshot(ctx context.Context) (*qualitydomain.Snapshot, error) {
	const op = "quality.get_latest_snapshot"

	row := e.engine.QueryRow(ctx, `
SELECT `+snapshotColumns+` FROM quality_snapshots
ORDER BY created_at DESC, id DESC LIMIT 1`)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return snapshot, nil
}

// GetTaskSnapshots lists a task's snapshots, newest first.
func (e *SQLiteEngine) GetTaskSnapshots(ctx context.Context, taskID string) ([]*qualitydomain.Snapshot, error) {
	return e.querySnapshots(ctx, `
SELECT `+snapshotColumns+` FROM quality_snapshots
WHERE task_id = ?
ORDER BY created_at DESC, id DESC`, taskID)
}

// GetBaseline returns the baseline snapshot, nil when never set.
func (e *SQLiteEngine) GetBaseline(ctx context.Context) (*qualitydomain.Snapshot, error) {
	const op = "quality.get_baseline"

	row := e.engine.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM quality_snapshots WHERE is_baseline = 1`)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return snapshot, nil
}

// SetBaseline promotes a snapshot to baseline. Clearing the previous flag
// and setting the new one happen in one transaction; the partial unique
// index on is_baseline enforces the singleton between them.
func (e *SQLiteEngine) SetBaseline(ctx context.Context, id string) (*qualitydomain.Snapshot, error) {
	const op = "quality.set_baseline"

	now := e.clock.Now()
	err := e.engine.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE quality_snapshots SET is_baseline = 0 WHERE is_baseline = 1`); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE quality_snapshots SET is_baseline = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errkind.New(errkind.KindNotFound, op, "snapshot %s not found", id)
		}
		return eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeBaselineChanged,
			Payload: json.RawMessage(fmt.Sprintf(`{"snapshot_id":%q}`, id)),
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("quality baseline set to snapshot %s", id)
	return e.GetSnapshot(ctx, id)
}

func (e *SQLiteEngine) querySnapshots(ctx context.Context, query string, args ...any) ([]*qualitydomain.Snapshot, error) {
	const op = "quality.query"

	rows, err := e.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*qualitydomain.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*qualitydomain.Snapshot, error) {
	var (
		s            qualitydomain.Snapshot
		taskID       sql.NullString
		agentID      sql.NullString
		buildSuccess int
		isBaseline   int
		tags         string
		createdAt    int64
	)
	if err := row.Scan(&s.ID, &taskID, &agentID,
		&s.LintErrors, &s.LintWarnings, &s.TypeErrors,
		&s.TestsPassing, &s.TestsFailing, &s.TestCoverage,
		&buildSuccess, &s.BuildTimeMS, &isBaseline, &tags, &createdAt); err != nil {
		return nil, err
	}
	s.TaskID = storage.StringOr(taskID)
	s.AgentID = storage.StringOr(agentID)
	s.BuildSuccess = buildSuccess != 0
	s.IsBaseline = isBaseline != 0
	s.Tags = storage.UnmarshalStrings(tags)
	s.CreatedAt = storage.TimeAt(createdAt)
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
