// Package agent persists the worker registry in SQLite.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	eventdomain "hive/internal/domain/event"
	"hive/internal/errkind"
	"hive/internal/ids"
	eventinfra "hive/internal/infra/event"
	"hive/internal/logging"
	"hive/internal/storage"
)

const agentColumns = `id, name, agent_type, skills, max_task_minutes,
can_run_tests, can_run_build, can_access_browser, status, current_task_id,
current_task_progress, current_phase, last_active_at, heartbeat_count,
tasks_completed, tasks_failed, total_runtime_minutes, machine_info,
registered_at, updated_at`

// SQLiteRegistry implements agentdomain.Registry.
type SQLiteRegistry struct {
	engine *storage.Engine
	clock  clock.PassiveClock
	logger logging.Logger
}

var _ agentdomain.Registry = (*SQLiteRegistry)(nil)

// NewRegistry creates an agent registry over the shared engine.
func NewRegistry(engine *storage.Engine, clk clock.PassiveClock, logger logging.Logger) *SQLiteRegistry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteRegistry{
		engine: engine,
		clock:  clk,
		logger: logging.OrNop(logger),
	}
}

// Register inserts the agent, or refreshes name, capabilities, and liveness
// when the id is already known. Re-registering is how a restarted worker
// reclaims its identity; stats survive the restart.
func (r *SQLiteRegistry) Register(ctx context.Context, a *agentdomain.Agent) (*agentdomain.Agent, error) {
	const op = "agent.register"

	if a == nil {
		return nil, errkind.New(errkind.KindValidation, op, "agent is required")
	}
	stored := *a
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = ids.NewAgentID(stored.Type)
	}
	if stored.Status == "" {
		stored.Status = agentdomain.StatusIdle
	}

	now := r.clock.Now()
	stamped := now.UTC()
	stored.LastActiveAt = stamped
	stored.RegisteredAt = stamped
	stored.UpdatedAt = stamped

	var machineInfo any
	if len(stored.MachineInfo) > 0 {
		machineInfo = string(stored.MachineInfo)
	}

	err := r.engine.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agents (`+agentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, '', ?, 0, 0, 0, 0, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    agent_type = excluded.agent_type,
    skills = excluded.skills,
    max_task_minutes = excluded.max_task_minutes,
    can_run_tests = excluded.can_run_tests,
    can_run_build = excluded.can_run_build,
    can_access_browser = excluded.can_access_browser,
    status = excluded.status,
    current_task_id = NULL,
    current_task_progress = 0,
    current_phase = '',
    last_active_at = excluded.last_active_at,
    machine_info = excluded.machine_info,
    updated_at = excluded.updated_at`,
			stored.ID, stored.Name, stored.Type,
			storage.MarshalStrings(stored.Capabilities.Skills),
			stored.Capabilities.MaxTaskMinutes,
			boolInt(stored.Capabilities.CanRunTests),
			boolInt(stored.Capabilities.CanRunBuild),
			boolInt(stored.Capabilities.CanAccessBrowser),
			string(stored.Status),
			storage.Millis(stamped),
			machineInfo,
			storage.Millis(stamped), storage.Millis(stamped),
		); err != nil {
			return err
		}
		return eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeAgentRegistered,
			AgentID: stored.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent %s registered (%s, skills %v)",
		stored.ID, stored.Name, stored.Capabilities.Skills)
	return r.Get(ctx, stored.ID)
}

// Get returns an agent by id.
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*agentdomain.Agent, error) {
	const op = "agent.get"

	row := r.engine.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return a, nil
}

// Heartbeat bumps liveness and applies any piggybacked state.
func (r *SQLiteRegistry) Heartbeat(ctx context.Context, id string, hb agentdomain.Heartbeat) error {
	const op = "agent.heartbeat"

	if hb.Status != "" && !hb.Status.Valid() {
		return errkind.New(errkind.KindValidation, op, "unknown status %q", hb.Status)
	}

	now := storage.Millis(r.clock.Now())
	set := []string{
		"last_active_at = ?",
		"heartbeat_count = heartbeat_count + 1",
		"updated_at = ?",
	}
	args := []any{now, now}

	if hb.Status != "" {
		set = append(set, "status = ?")
		args = append(args, string(hb.Status))
	}
	if hb.CurrentTaskIDSet {
		set = append(set, "current_task_id = ?")
		args = append(args, storage.NullString(hb.CurrentTaskID))
	}
	if hb.Progress != nil {
		set = append(set, "current_task_progress = ?")
		args = append(args, *hb.Progress)
	}
	if hb.Phase != nil {
		set = append(set, "current_phase = ?")
		args = append(args, *hb.Phase)
	}
	args = append(args, id)

	affected, _, err := r.engine.Execute(ctx,
		`UPDATE agents SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
	}
	return nil
}

// Deregister removes the agent.
func (r *SQLiteRegistry) Deregister(ctx context.Context, id string) error {
	const op = "agent.deregister"

	now := r.clock.Now()
	return r.engine.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
		}
		return eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeAgentDeregistered,
			AgentID: id,
		})
	})
}

// List returns agents matching the filter, most recently active first.
func (r *SQLiteRegistry) List(ctx context.Context, f agentdomain.Filter) ([]*agentdomain.Agent, error) {
	where, args := buildAgentFilter(f)
	query := `SELECT ` + agentColumns + ` FROM agents` + where +
		` ORDER BY last_active_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryAgents(ctx, query, args...)
}

// Count returns the number of agents matching the filter.
func (r *SQLiteRegistry) Count(ctx context.Context, f agentdomain.Filter) (int, error) {
	const op = "agent.count"

	where, args := buildAgentFilter(f)
	var n int
	if err := r.engine.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents`+where, args...).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return n, nil
}

// FindStale returns non-offline agents whose last heartbeat is older than
// threshold, the reaper's candidate set.
func (r *SQLiteRegistry) FindStale(ctx context.Context, threshold time.Duration) ([]*agentdomain.Agent, error) {
	cutoff := r.clock.Now().Add(-threshold)
	return r.queryAgents(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE status != ? AND last_active_at < ?
ORDER BY last_active_at ASC`,
		string(agentdomain.StatusOffline), storage.Millis(cutoff))
}

// UpdateStats folds one finished task into the agent's counters.
func (r *SQLiteRegistry) UpdateStats(ctx context.Context, id string, completed bool, runtimeMinutes float64) error {
	const op = "agent.update_stats"

	column := "tasks_failed"
	if completed {
		column = "tasks_completed"
	}
	affected, _, err := r.engine.Execute(ctx, `
UPDATE agents SET `+column+` = `+column+` + 1,
    total_runtime_minutes = total_runtime_minutes + ?,
    updated_at = ?
WHERE id = ?`,
		runtimeMinutes, storage.Millis(r.clock.Now()), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
	}
	return nil
}

// SetCurrentTask links a task (marking the agent busy) or clears the link
// (marking it idle and resetting progress).
func (r *SQLiteRegistry) SetCurrentTask(ctx context.Context, id, taskID string) error {
	const op = "agent.set_current_task"

	now := storage.Millis(r.clock.Now())
	var (
		affected int64
		err      error
	)
	if taskID == "" {
		affected, _, err = r.engine.Execute(ctx, `
UPDATE agents SET current_task_id = NULL, current_task_progress = 0,
    current_phase = '', status = ?, updated_at = ?
WHERE id = ?`, string(agentdomain.StatusIdle), now, id)
	} else {
		affected, _, err = r.engine.Execute(ctx, `
UPDATE agents SET current_task_id = ?, current_task_progress = 0,
    current_phase = '', status = ?, updated_at = ?
WHERE id = ?`, taskID, string(agentdomain.StatusBusy), now, id)
	}
	if err != nil {
		return err
	}
	if affected == 0 {
		return errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
	}
	return nil
}

// MarkOffline forces the agent offline and clears its task link.
func (r *SQLiteRegistry) MarkOffline(ctx context.Context, id string) error {
	const op = "agent.mark_offline"

	now := r.clock.Now()
	return r.engine.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE agents SET status = ?, current_task_id = NULL,
    current_task_progress = 0, current_phase = '', updated_at = ?
WHERE id = ?`,
			string(agentdomain.StatusOffline), storage.Millis(now), id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errkind.New(errkind.KindNotFound, op, "agent %s not found", id)
		}
		return eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeAgentReaped,
			AgentID: id,
		})
	})
}

func buildAgentFilter(f agentdomain.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Type != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, f.Type)
	}
	if f.Skill != "" {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM json_each(skills) WHERE value = ?)")
		args = append(args, f.Skill)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *SQLiteRegistry) queryAgents(ctx context.Context, query string, args ...any) ([]*agentdomain.Agent, error) {
	const op = "agent.query"

	rows, err := r.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*agentdomain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agentdomain.Agent, error) {
	var (
		a            agentdomain.Agent
		skills       string
		canTests     int
		canBuild     int
		canBrowser   int
		status       string
		currentTask  sql.NullString
		lastActiveAt int64
		machineInfo  sql.NullString
		registeredAt int64
		updatedAt    int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &skills,
		&a.Capabilities.MaxTaskMinutes, &canTests, &canBuild, &canBrowser,
		&status, &currentTask, &a.CurrentTaskProgress, &a.CurrentPhase,
		&lastActiveAt, &a.HeartbeatCount,
		&a.TasksCompleted, &a.TasksFailed, &a.TotalRuntimeMinutes,
		&machineInfo, &registeredAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Capabilities.Skills = storage.UnmarshalStrings(skills)
	a.Capabilities.CanRunTests = canTests != 0
	a.Capabilities.CanRunBuild = canBuild != 0
	a.Capabilities.CanAccessBrowser = canBrowser != 0
	a.Status = agentdomain.Status(status)
	a.CurrentTaskID = storage.StringOr(currentTask)
	a.LastActiveAt = storage.TimeAt(lastActiveAt)
	if machineInfo.Valid && machineInfo.String != "" {
		a.MachineInfo = []byte(machineInfo.String)
	}
	a.RegisteredAt = storage.TimeAt(registeredAt)
	a.UpdatedAt = storage.TimeAt(updatedAt)
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
