// Package swarm drives the worker side of the runtime: each worker runs
// one agent's claim-execute-report loop, a pool runs N workers, and the
// janitor runs the background maintenance the loops rely on (stale
// reaping, retry sweeping, expiry cleanup).
package swarm

import (
	"context"
	"encoding/json"

	taskdomain "hive/internal/domain/task"
)

// Progress is one executor progress report.
type Progress struct {
	Percent int
	Phase   string
}

// Executor performs the actual work of a task. The swarm specifies nothing
// about how; the reference subprocess implementation lives in
// internal/runner, tests use in-process fakes.
type Executor interface {
	// Execute runs the task to completion, calling report as work
	// advances. The returned payload is stored opaquely on the task.
	// Failures should be *ExecError so the retry rule sees the
	// recoverable flag; any other error is treated as recoverable.
	Execute(ctx context.Context, t *taskdomain.Task, report func(Progress)) (json.RawMessage, error)
}

// ExecError carries a task failure out of an executor.
type ExecError struct {
	Failure taskdomain.Failure
}

func (e *ExecError) Error() string {
	return e.Failure.Message
}

// FailureFor maps an executor error onto the task failure record.
func FailureFor(err error) taskdomain.Failure {
	if execErr, ok := err.(*ExecError); ok {
		return execErr.Failure
	}
	return taskdomain.Failure{
		Type:        "executor_error",
		Message:     err.Error(),
		Recoverable: true,
	}
}
