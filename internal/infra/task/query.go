package task

import (
	"context"
	"strings"

	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
)

// List returns tasks matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f taskdomain.Filter) ([]*taskdomain.Task, error) {
	const op = "task.list"

	where, args := buildFilter(f)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.engine.Query(ctx, query, args...)
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

// Count returns the number of tasks matching the filter.
func (s *SQLiteStore) Count(ctx context.Context, f taskdomain.Filter) (int, error) {
	const op = "task.count"

	where, args := buildFilter(f)
	var n int
	if err := s.engine.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return n, nil
}

// GetAgentTasks lists the tasks assigned to an agent, newest first.
func (s *SQLiteStore) GetAgentTasks(ctx context.Context, agentID string) ([]*taskdomain.Task, error) {
	return s.List(ctx, taskdomain.Filter{AssignedAgent: agentID})
}

// buildFilter translates a Filter into a WHERE clause. Skills match is an
// OR-intersection: any overlap between the filter set and required_skills.
func buildFilter(f taskdomain.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if len(f.Statuses) > 0 {
		ph := placeholders(len(f.Statuses))
		clauses = append(clauses, `status IN (`+ph+`)`)
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Priorities) > 0 {
		ph := placeholders(len(f.Priorities))
		clauses = append(clauses, `priority IN (`+ph+`)`)
		for _, p := range f.Priorities {
			args = append(args, string(p))
		}
	}
	if f.AssignedAgent != "" {
		clauses = append(clauses, `assigned_agent = ?`)
		args = append(args, f.AssignedAgent)
	}
	if len(f.Skills) > 0 {
		ph := placeholders(len(f.Skills))
		clauses = append(clauses,
			`EXISTS (SELECT 1 FROM json_each(tasks.required_skills) WHERE json_each.value IN (`+ph+`))`)
		args = append(args, toArgs(f.Skills)...)
	}
	if f.Type != "" {
		clauses = append(clauses, `task_type = ?`)
		args = append(args, f.Type)
	}
	if f.Branch != "" {
		clauses = append(clauses, `branch_id = ?`)
		args = append(args, f.Branch)
	}
	if len(f.ExcludeIDs) > 0 {
		ph := placeholders(len(f.ExcludeIDs))
		clauses = append(clauses, `id NOT IN (`+ph+`)`)
		args = append(args, toArgs(f.ExcludeIDs)...)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}
