// Package event defines the append-only change feed.
//
// Stores append an event inside the same transaction as the state change
// it describes, so the feed is an ordered, gap-free record of what
// happened. Dashboards and `hive events --follow` poll it by sequence.
package event

import (
	"context"
	"encoding/json"
	"time"
)

// Type tags what happened.
type Type string

const (
	TypeTaskCreated        Type = "task_created"
	TypeTaskUpdated        Type = "task_updated"
	TypeTaskDeleted        Type = "task_deleted"
	TypeTaskClaimed        Type = "task_claimed"
	TypeTaskReleased       Type = "task_released"
	TypeTaskProgress       Type = "task_progress"
	TypeTaskCompleted      Type = "task_completed"
	TypeTaskFailed         Type = "task_failed"
	TypeTaskRetryScheduled Type = "task_retry_scheduled"
	TypeTaskRetryReady     Type = "task_retry_ready"
	TypeTaskReopened       Type = "task_reopened"
	TypeTaskReady          Type = "task_ready"

	TypeAgentRegistered   Type = "agent_registered"
	TypeAgentDeregistered Type = "agent_deregistered"
	TypeAgentReaped       Type = "agent_reaped"

	TypeBaselineChanged Type = "baseline_changed"
)

// Event is one row of the change feed.
type Event struct {
	// Seq is the feed position, assigned by the store.
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Feed is the change feed port.
type Feed interface {
	// Append writes one event and assigns its sequence number.
	Append(ctx context.Context, ev Event) (int64, error)

	// ListSince returns events with Seq > after, oldest first, up to limit.
	ListSince(ctx context.Context, after int64, limit int) ([]Event, error)

	// LatestSeq returns the sequence number of the newest event, 0 when empty.
	LatestSeq(ctx context.Context) (int64, error)

	// Prune deletes events created before the cutoff, returning the count.
	Prune(ctx context.Context, before time.Time) (int, error)
}
