package task

import (
	"context"
	"encoding/json"
)

// Store is the task persistence port. Implementations must make every
// transition atomic under concurrent callers.
type Store interface {
	// Create persists a new task. An empty id is assigned; initial status
	// is blocked when dependencies are present, pending otherwise.
	// Dependencies must reference existing tasks and stay acyclic.
	Create(ctx context.Context, t *Task) (*Task, error)

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// Update applies partial field changes and stamps updated_at.
	Update(ctx context.Context, id string, upd Update) (*Task, error)

	// Delete removes a task.
	Delete(ctx context.Context, id string) error

	// List returns tasks matching the filter, newest first by default.
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Count returns the number of tasks matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Claim atomically selects the highest-priority ready task the agent
	// can work, marks it claimed, and returns it. Returns (nil, nil) when
	// nothing is claimable.
	Claim(ctx context.Context, req ClaimRequest) (*Task, error)

	// Release returns a claimed or in_progress task to ready, recording
	// the reason. Reports whether a task changed state.
	Release(ctx context.Context, id, reason string) (bool, error)

	// UpdateProgress stamps percent and phase; the first report promotes
	// claimed to in_progress. Reports whether the task accepted it.
	UpdateProgress(ctx context.Context, id string, percent int, phase string) (bool, error)

	// Complete finishes a claimed or in_progress task with an opaque result.
	Complete(ctx context.Context, id string, result json.RawMessage) (*Task, error)

	// Fail records an executor failure and applies the retry rule:
	// recoverable failures under the retry budget go to pending_retry with
	// the deterministic 30 s × 2^k backoff, everything else to failed.
	Fail(ctx context.Context, id string, failure Failure) (*Task, error)

	// FindRetryEligible lists pending_retry tasks whose backoff has elapsed.
	FindRetryEligible(ctx context.Context) ([]*Task, error)

	// ResetForRetry moves one pending_retry task back to ready, clearing
	// assignment and timing. Reports whether the task changed state.
	ResetForRetry(ctx context.Context, id string) (bool, error)

	// Reopen explicitly resets a failed task to ready, clearing its error
	// state and retry counter. This is the only path out of a terminal
	// state.
	Reopen(ctx context.Context, id string) (bool, error)

	// UpdateBlockedToReady promotes every pending or blocked task whose
	// dependencies are all completed. Idempotent and safe to run
	// concurrently with claims; returns the number promoted.
	UpdateBlockedToReady(ctx context.Context) (int, error)

	// GetAgentTasks lists the tasks assigned to an agent, newest first.
	GetAgentTasks(ctx context.Context, agentID string) ([]*Task, error)
}
