package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	eventdomain "hive/internal/domain/event"
	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
	eventinfra "hive/internal/infra/event"
	"hive/internal/storage"
)

// priorityRank orders claim selection inside SQL: critical first, low last.
const priorityRank = `CASE priority
WHEN 'critical' THEN 0
WHEN 'high' THEN 1
WHEN 'medium' THEN 2
WHEN 'low' THEN 3
ELSE 4 END`

// Claim atomically selects and assigns the best ready task for the agent.
//
// Inside one immediate transaction: select the highest-priority ready task
// whose required skills are a subset of the agent's, then flip it to claimed
// with a guarded update. rows_affected = 0 means another claimer took the
// row between select and update, so the selection repeats, bounded.
func (s *SQLiteStore) Claim(ctx context.Context, req taskdomain.ClaimRequest) (*taskdomain.Task, error) {
	const op = "task.claim"

	if req.AgentID == "" {
		return nil, errkind.New(errkind.KindValidation, op, "agent id is required")
	}

	query, args := buildClaimQuery(req)
	now := s.clock.Now()

	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (*taskdomain.Task, error) {
		for attempt := 0; attempt < claimAttempts; attempt++ {
			row := tx.QueryRowContext(ctx, query, args...)
			candidate, err := scanTask(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}

			res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, assigned_agent = ?, claimed_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
				string(taskdomain.StatusClaimed), req.AgentID,
				storage.Millis(now), storage.Millis(now),
				candidate.ID, string(taskdomain.StatusReady),
			)
			if err != nil {
				return nil, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected == 0 {
				// Stolen by a concurrent claimer; pick again.
				s.logger.Debug("claim of %s lost to a concurrent agent, retrying", candidate.ID)
				continue
			}

			candidate.Status = taskdomain.StatusClaimed
			candidate.AssignedAgent = req.AgentID
			stamped := now.UTC()
			candidate.ClaimedAt = &stamped
			candidate.UpdatedAt = stamped

			if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
				Type:    eventdomain.TypeTaskClaimed,
				TaskID:  candidate.ID,
				AgentID: req.AgentID,
			}); err != nil {
				return nil, err
			}
			return candidate, nil
		}
		return nil, errkind.New(errkind.KindTransaction, op,
			"claim lost %d consecutive races", claimAttempts)
	})
}

// buildClaimQuery assembles the candidate selection. The skill predicate is
// subset containment: no required skill may fall outside the agent's set.
// Empty required_skills trivially satisfies it and matches every agent.
func buildClaimQuery(req taskdomain.ClaimRequest) (string, []any) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(taskdomain.StatusReady)}

	if len(req.Skills) > 0 {
		ph := placeholders(len(req.Skills))
		query += ` AND NOT EXISTS (
SELECT 1 FROM json_each(tasks.required_skills) WHERE json_each.value NOT IN (` + ph + `))`
		args = append(args, toArgs(req.Skills)...)
	} else {
		// An agent with no declared skills can only take unrestricted tasks.
		query += ` AND NOT EXISTS (SELECT 1 FROM json_each(tasks.required_skills))`
	}
	if len(req.Types) > 0 {
		ph := placeholders(len(req.Types))
		query += ` AND task_type IN (` + ph + `)`
		args = append(args, toArgs(req.Types)...)
	}
	if req.Branch != "" {
		query += ` AND branch_id = ?`
		args = append(args, req.Branch)
	}
	if len(req.ExcludeIDs) > 0 {
		ph := placeholders(len(req.ExcludeIDs))
		query += ` AND id NOT IN (` + ph + `)`
		args = append(args, toArgs(req.ExcludeIDs)...)
	}

	query += ` ORDER BY ` + priorityRank + `, created_at ASC, id ASC LIMIT 1`
	return query, args
}

// Release returns a claimed or in_progress task to ready, recording why.
func (s *SQLiteStore) Release(ctx context.Context, id, reason string) (bool, error) {
	const op = "task.release"

	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (bool, error) {
		current, err := getTaskTx(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return false, errkind.New(errkind.KindNotFound, op, "task %s not found", id)
		}
		if err != nil {
			return false, err
		}
		if !current.Status.IsActive() {
			return false, nil
		}

		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, assigned_agent = NULL, claimed_at = NULL,
    last_error = ?, previous_agents = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
			string(taskdomain.StatusReady), reason,
			appendAgent(current.PreviousAgents, current.AssignedAgent),
			storage.Millis(now), id,
			string(taskdomain.StatusClaimed), string(taskdomain.StatusInProgress),
		)
		if err != nil {
			return false, err
		}

		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeTaskReleased,
			TaskID:  id,
			AgentID: current.AssignedAgent,
			Payload: json.RawMessage(fmt.Sprintf(`{"reason":%q}`, reason)),
		}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// UpdateProgress stamps a progress report from the assigned agent. The first
// report promotes claimed to in_progress; the percent and phase travel on
// the change feed, while the agent registry carries the live values.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, percent int, phase string) (bool, error) {
	const op = "task.update_progress"

	if percent < 0 || percent > 100 {
		return false, errkind.New(errkind.KindValidation, op, "percent must be 0-100, got %d", percent)
	}

	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
			string(taskdomain.StatusInProgress), storage.Millis(now), id,
			string(taskdomain.StatusClaimed), string(taskdomain.StatusInProgress),
		)
		if err != nil {
			return false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if affected == 0 {
			return false, nil
		}

		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeTaskProgress,
			TaskID:  id,
			Payload: progressPayload(percent, phase),
		}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Complete finishes a claimed or in_progress task with an opaque result.
func (s *SQLiteStore) Complete(ctx context.Context, id string, result json.RawMessage) (*taskdomain.Task, error) {
	const op = "task.complete"

	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (*taskdomain.Task, error) {
		current, err := getTaskTx(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.New(errkind.KindNotFound, op, "task %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		if !current.Status.IsActive() {
			return nil, errkind.New(errkind.KindPrecondition, op,
				"cannot complete %s task %s", current.Status, id)
		}

		var resultArg any
		if len(result) > 0 {
			resultArg = string(result)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, result = ?, completed_at = ?, updated_at = ?
WHERE id = ?`,
			string(taskdomain.StatusCompleted), resultArg,
			storage.Millis(now), storage.Millis(now), id,
		)
		if err != nil {
			return nil, err
		}

		stamped := now.UTC()
		current.Status = taskdomain.StatusCompleted
		current.Result = result
		current.CompletedAt = &stamped
		current.UpdatedAt = stamped

		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventdomain.TypeTaskCompleted,
			TaskID:  id,
			AgentID: current.AssignedAgent,
		}); err != nil {
			return nil, err
		}
		return current, nil
	})
}

// Fail records an executor failure and applies the retry rule. A recoverable
// failure under the retry budget schedules pending_retry at
// now + 30 s x 2^retry_count; anything else is terminal. The retry counter
// increments in both branches.
func (s *SQLiteStore) Fail(ctx context.Context, id string, failure taskdomain.Failure) (*taskdomain.Task, error) {
	const op = "task.fail"

	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (*taskdomain.Task, error) {
		current, err := getTaskTx(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.New(errkind.KindNotFound, op, "task %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		if !current.Status.IsActive() {
			return nil, errkind.New(errkind.KindPrecondition, op,
				"cannot fail %s task %s", current.Status, id)
		}

		willRetry := failure.Recoverable && current.RetryCount < current.MaxRetries
		eventType := eventdomain.TypeTaskFailed
		status := taskdomain.StatusFailed
		var nextRetry *time.Time
		if willRetry {
			eventType = eventdomain.TypeTaskRetryScheduled
			status = taskdomain.StatusPendingRetry
			at := now.Add(taskdomain.RetryDelay(current.RetryCount)).UTC()
			nextRetry = &at
		}

		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, retry_count = retry_count + 1,
    last_error = ?, failure_type = ?, next_retry_at = ?,
    assigned_agent = NULL, claimed_at = NULL,
    previous_agents = ?, updated_at = ?
WHERE id = ?`,
			string(status), failure.Message, storage.NullString(failure.Type),
			storage.NullMillis(nextRetry),
			appendAgent(current.PreviousAgents, current.AssignedAgent),
			storage.Millis(now), id,
		)
		if err != nil {
			return nil, err
		}

		failedAgent := current.AssignedAgent
		current.Status = status
		current.RetryCount++
		current.LastError = failure.Message
		current.FailureType = failure.Type
		current.NextRetryAt = nextRetry
		current.AssignedAgent = ""
		current.ClaimedAt = nil
		current.PreviousAgents = storage.UnmarshalStrings(appendAgent(current.PreviousAgents, failedAgent))
		current.UpdatedAt = now.UTC()

		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:    eventType,
			TaskID:  id,
			AgentID: failedAgent,
			Payload: json.RawMessage(fmt.Sprintf(`{"recoverable":%t,"retry_count":%d}`,
				failure.Recoverable, current.RetryCount)),
		}); err != nil {
			return nil, err
		}
		return current, nil
	})
}

// FindRetryEligible lists pending_retry tasks whose backoff has elapsed.
func (s *SQLiteStore) FindRetryEligible(ctx context.Context) ([]*taskdomain.Task, error) {
	const op = "task.find_retry_eligible"

	rows, err := s.engine.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status = ? AND next_retry_at <= ?
ORDER BY next_retry_at ASC`,
		string(taskdomain.StatusPendingRetry), storage.Millis(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*taskdomain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

// ResetForRetry moves one pending_retry task back to ready. pending_retry is
// invisible to Claim, so this promotion is the only path back into rotation.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, id string) (bool, error) {
	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, next_retry_at = NULL,
    assigned_agent = NULL, claimed_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
			string(taskdomain.StatusReady), storage.Millis(now), id,
			string(taskdomain.StatusPendingRetry),
		)
		if err != nil {
			return false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if affected == 0 {
			return false, nil
		}
		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:   eventdomain.TypeTaskRetryReady,
			TaskID: id,
		}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Reopen resets a failed task to ready, clearing its error state and retry
// counter. This is the explicit reset, the only exit from a terminal state.
func (s *SQLiteStore) Reopen(ctx context.Context, id string) (bool, error) {
	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, retry_count = 0, last_error = NULL,
    failure_type = NULL, next_retry_at = NULL,
    assigned_agent = NULL, claimed_at = NULL, result = NULL,
    completed_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
			string(taskdomain.StatusReady), storage.Millis(now), id,
			string(taskdomain.StatusFailed),
		)
		if err != nil {
			return false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if affected == 0 {
			return false, nil
		}
		if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
			Type:   eventdomain.TypeTaskReopened,
			TaskID: id,
		}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// UpdateBlockedToReady promotes every pending or blocked task whose
// dependencies are all completed. The dependency predicate runs inside the
// guarded update, so the sweep is idempotent and safe alongside claims.
func (s *SQLiteStore) UpdateBlockedToReady(ctx context.Context) (int, error) {
	now := s.clock.Now()
	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, `
SELECT id FROM tasks
WHERE status IN (?, ?)
AND NOT EXISTS (
    SELECT 1 FROM json_each(tasks.dependencies) AS dep
    WHERE NOT EXISTS (
        SELECT 1 FROM tasks done WHERE done.id = dep.value AND done.status = ?
    )
)`,
			string(taskdomain.StatusPending), string(taskdomain.StatusBlocked),
			string(taskdomain.StatusCompleted),
		)
		if err != nil {
			return 0, err
		}
		var eligible []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			eligible = append(eligible, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()

		promoted := 0
		for _, id := range eligible {
			res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, blockers = '[]', updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
				string(taskdomain.StatusReady), storage.Millis(now), id,
				string(taskdomain.StatusPending), string(taskdomain.StatusBlocked),
			)
			if err != nil {
				return 0, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return 0, err
			}
			if affected == 0 {
				continue
			}
			if err := eventinfra.InsertTx(ctx, tx, now, eventdomain.Event{
				Type:   eventdomain.TypeTaskReady,
				TaskID: id,
			}); err != nil {
				return 0, err
			}
			promoted++
		}
		return promoted, nil
	})
}
