// Package task persists the task store in SQLite.
//
// Every transition runs as a guarded update inside an immediate
// transaction, so concurrent agents observe exactly one winner per task.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"k8s.io/utils/clock"

	eventdomain "hive/internal/domain/event"
	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
	eventinfra "hive/internal/infra/event"
	"hive/internal/ids"
	"hive/internal/logging"
	"hive/internal/storage"
)

// SQLiteStore implements taskdomain.Store.
type SQLiteStore struct {
	engine *storage.Engine
	clock  clock.PassiveClock
	logger logging.Logger
}

var _ taskdomain.Store = (*SQLiteStore)(nil)

// claimAttempts bounds how often Claim retries after losing the row to a
// concurrent claimer.
const claimAttempts = 3

// NewStore creates a task store over the shared engine.
func NewStore(engine *storage.Engine, clk clock.PassiveClock, logger logging.Logger) *SQLiteStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteStore{
		engine: engine,
		clock:  clk,
		logger: logging.OrNop(logger),
	}
}

const taskColumns = `id, title, description, priority, task_type, status,
required_skills, files, estimated_minutes,
assigned_agent, claimed_at, completed_at,
retry_count, max_retries, last_error, failure_type, next_retry_at,
previous_agents, result, branch_id, quality_snapshot_id,
dependencies, blockers, created_at, updated_at`

// Create persists a new task. Dependencies must reference existing tasks;
// the initial status is blocked when dependencies are present, pending
// otherwise. The readiness sweep promotes either to ready.
func (s *SQLiteStore) Create(ctx context.Context, t *taskdomain.Task) (*taskdomain.Task, error) {
	const op = "task.create"

	if t == nil {
		return nil, errkind.New(errkind.KindValidation, op, "task is required")
	}
	stored := *t
	if stored.Priority == "" {
		stored.Priority = taskdomain.PriorityMedium
	}
	stored.Title = strings.TrimSpace(stored.Title)
	stored.RequiredSkills = normalizeSet(stored.RequiredSkills)
	stored.Dependencies = normalizeSet(stored.Dependencies)
	stored.Files = normalizeSet(stored.Files)
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = ids.NewTaskID()
	}
	for _, dep := range stored.Dependencies {
		if dep == stored.ID {
			return nil, errkind.New(errkind.KindValidation, op, "task %s cannot depend on itself", stored.ID)
		}
	}

	now := s.clock.Now()
	stored.CreatedAt = now.UTC()
	stored.UpdatedAt = now.UTC()
	stored.Status = taskdomain.StatusPending
	if len(stored.Dependencies) > 0 {
		stored.Status = taskdomain.StatusBlocked
	}

	err := s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		blockers, err := checkDependencies(ctx, tx, op, stored.Dependencies)
		if err != nil {
			return err
		}
		stored.Blockers = blockers

		_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (
    id, title, description, priority, task_type, status,
    required_skills, files, estimated_minutes,
    retry_count, max_retries, previous_agents,
    branch_id, quality_snapshot_id, dependencies, blockers,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, stored.Title, stored.Description, string(stored.Priority), stored.Type, string(stored.Status),
			storage.MarshalStrings(stored.RequiredSkills), storage.MarshalStrings(stored.Files), stored.EstimatedMinutes,
			stored.RetryCount, stored.MaxRetries, storage.MarshalStrings(stored.PreviousAgents),
			storage.NullString(stored.BranchID), storage.NullString(stored.QualitySnapshotID),
			storage.MarshalStrings(stored.Dependencies), storage.MarshalStrings(stored.Blockers),
			storage.Millis(stored.CreatedAt), storage.Millis(stored.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errkind.New(errkind.KindConflict, op, "task %s already exists", stored.ID)
			}
			return err
		}

		return eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:   eventdomain.TypeTaskCreated,
			TaskID: stored.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// Get retrieves a task by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	const op = "task.get"

	row := s.engine.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.KindNotFound, op, "task %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return t, nil
}

// Update applies partial field changes. Dependency edits are rejected once
// the task is active or terminal; adding an incomplete dependency moves a
// ready task back to blocked.
func (s *SQLiteStore) Update(ctx context.Context, id string, upd taskdomain.Update) (*taskdomain.Task, error) {
	const op = "task.update"

	var out *taskdomain.Task
	err := s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		current, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return errkind.Wrapf(errkind.KindNotFound, op, err, "task %s not found", id)
		}

		if upd.Title != nil {
			current.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			current.Description = *upd.Description
		}
		if upd.Priority != nil {
			current.Priority = *upd.Priority
		}
		if upd.Type != nil {
			current.Type = *upd.Type
		}
		if upd.RequiredSkills != nil {
			current.RequiredSkills = normalizeSet(*upd.RequiredSkills)
		}
		if upd.Files != nil {
			current.Files = normalizeSet(*upd.Files)
		}
		if upd.EstimatedMinutes != nil {
			current.EstimatedMinutes = *upd.EstimatedMinutes
		}
		if upd.MaxRetries != nil {
			current.MaxRetries = *upd.MaxRetries
		}
		if upd.BranchID != nil {
			current.BranchID = *upd.BranchID
		}
		if upd.QualitySnapshotID != nil {
			current.QualitySnapshotID = *upd.QualitySnapshotID
		}
		if err := current.Validate(); err != nil {
			return err
		}

		if upd.Dependencies != nil {
			if current.Status.IsActive() || current.Status.IsTerminal() {
				return errkind.New(errkind.KindPrecondition, op,
					"cannot change dependencies of %s task %s", current.Status, id)
			}
			deps := normalizeSet(*upd.Dependencies)
			for _, dep := range deps {
				if dep == id {
					return errkind.New(errkind.KindValidation, op, "task %s cannot depend on itself", id)
				}
			}
			blockers, err := checkDependencies(ctx, tx, op, deps)
			if err != nil {
				return err
			}
			if err := checkAcyclic(ctx, tx, op, id, deps); err != nil {
				return err
			}
			current.Dependencies = deps
			current.Blockers = blockers
			if len(blockers) > 0 {
				current.Status = taskdomain.StatusBlocked
			} else if current.Status == taskdomain.StatusBlocked {
				// All new dependencies already completed; the sweep
				// will promote, but don't leave it mislabeled.
				current.Status = taskdomain.StatusPending
			}
		}

		now := s.clock.Now()
		current.UpdatedAt = now.UTC()

		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET
    title = ?, description = ?, priority = ?, task_type = ?, status = ?,
    required_skills = ?, files = ?, estimated_minutes = ?, max_retries = ?,
    branch_id = ?, quality_snapshot_id = ?, dependencies = ?, blockers = ?,
    updated_at = ?
WHERE id = ?`,
			current.Title, current.Description, string(current.Priority), current.Type, string(current.Status),
			storage.MarshalStrings(current.RequiredSkills), storage.MarshalStrings(current.Files),
			current.EstimatedMinutes, current.MaxRetries,
			storage.NullString(current.BranchID), storage.NullString(current.QualitySnapshotID),
			storage.MarshalStrings(current.Dependencies), storage.MarshalStrings(current.Blockers),
			storage.Millis(current.UpdatedAt), id,
		)
		if err != nil {
			return err
		}

		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:   eventdomain.TypeTaskUpdated,
			TaskID: id,
		}); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a task. Tasks that other tasks depend on cannot be
// deleted; they would block their dependents forever.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "task.delete"

	return s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		var dependent string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM tasks
WHERE EXISTS (SELECT 1 FROM json_each(tasks.dependencies) WHERE json_each.value = ?)
LIMIT 1`, id).Scan(&dependent)
		switch {
		case err == nil:
			return errkind.New(errkind.KindValidation, op, "task %s depends on %s", dependent, id)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errkind.New(errkind.KindNotFound, op, "task %s not found", id)
		}

		return eventinfra.InsertTx(ctx, tx, s.clock.Now(), eventdomain.Event{
			Type:   eventdomain.TypeTaskDeleted,
			TaskID: id,
		})
	})
}

// checkDependencies verifies every dependency exists and returns the ids of
// those not yet completed.
func checkDependencies(ctx context.Context, tx *sql.Tx, op string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	query := `SELECT id, status FROM tasks WHERE id IN (` + placeholders(len(deps)) + `)`
	rows, err := tx.QueryContext(ctx, query, toArgs(deps)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]taskdomain.Status, len(deps))
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		found[id] = taskdomain.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing, blockers []string
	for _, dep := range deps {
		status, ok := found[dep]
		if !ok {
			missing = append(missing, dep)
			continue
		}
		if status != taskdomain.StatusCompleted {
			blockers = append(blockers, dep)
		}
	}
	if len(missing) > 0 {
		return nil, errkind.New(errkind.KindValidation, op,
			"unknown dependencies: %s", strings.Join(missing, ", "))
	}
	return blockers, nil
}

// checkAcyclic walks the dependency graph from deps; reaching id means the
// update would close a cycle.
func checkAcyclic(ctx context.Context, tx *sql.Tx, op, id string, deps []string) error {
	visited := make(map[string]bool, len(deps))
	frontier := append([]string(nil), deps...)

	for len(frontier) > 0 {
		next := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if next == id {
			return errkind.New(errkind.KindValidation, op, "dependency cycle through %s", id)
		}
		if visited[next] {
			continue
		}
		visited[next] = true

		var depsJSON string
		err := tx.QueryRowContext(ctx, `SELECT dependencies FROM tasks WHERE id = ?`, next).Scan(&depsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		frontier = append(frontier, storage.UnmarshalStrings(depsJSON)...)
	}
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*taskdomain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*taskdomain.Task, error) {
	var (
		t              taskdomain.Task
		priority       string
		status         string
		skillsJSON     string
		filesJSON      string
		assignedAgent  sql.NullString
		claimedAt      sql.NullInt64
		completedAt    sql.NullInt64
		lastError      sql.NullString
		failureType    sql.NullString
		nextRetryAt    sql.NullInt64
		prevAgentsJSON string
		result         sql.NullString
		branchID       sql.NullString
		snapshotID     sql.NullString
		depsJSON       string
		blockersJSON   string
		createdAt      int64
		updatedAt      int64
	)

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &priority, &t.Type, &status,
		&skillsJSON, &filesJSON, &t.EstimatedMinutes,
		&assignedAgent, &claimedAt, &completedAt,
		&t.RetryCount, &t.MaxRetries, &lastError, &failureType, &nextRetryAt,
		&prevAgentsJSON, &result, &branchID, &snapshotID,
		&depsJSON, &blockersJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = taskdomain.Priority(priority)
	t.Status = taskdomain.Status(status)
	t.RequiredSkills = storage.UnmarshalStrings(skillsJSON)
	t.Files = storage.UnmarshalStrings(filesJSON)
	t.AssignedAgent = storage.StringOr(assignedAgent)
	t.ClaimedAt = storage.TimePtr(claimedAt)
	t.CompletedAt = storage.TimePtr(completedAt)
	t.LastError = storage.StringOr(lastError)
	t.FailureType = storage.StringOr(failureType)
	t.NextRetryAt = storage.TimePtr(nextRetryAt)
	t.PreviousAgents = storage.UnmarshalStrings(prevAgentsJSON)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.BranchID = storage.StringOr(branchID)
	t.QualitySnapshotID = storage.StringOr(snapshotID)
	t.Dependencies = storage.UnmarshalStrings(depsJSON)
	t.Blockers = storage.UnmarshalStrings(blockersJSON)
	t.CreatedAt = storage.TimeAt(createdAt)
	t.UpdatedAt = storage.TimeAt(updatedAt)
	return &t, nil
}

// normalizeSet trims, drops empties, and deduplicates preserving order.
func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func appendAgent(agents []string, agent string) string {
	if agent == "" {
		return storage.MarshalStrings(agents)
	}
	for _, a := range agents {
		if a == agent {
			return storage.MarshalStrings(agents)
		}
	}
	return storage.MarshalStrings(append(agents, agent))
}

func progressPayload(percent int, phase string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"percent":%d,"phase":%q}`, percent, phase))
}
