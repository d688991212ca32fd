// Package agent defines worker identities and the registry port.
//
// An agent is one worker process: it registers with its capabilities,
// heartbeats while alive, and accrues completion stats. Agents whose
// heartbeats lapse are reaped — their claims released and status forced
// to offline — so a crashed worker never strands work.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"hive/internal/errkind"
)

// Status is the registry's view of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusOffline, StatusError:
		return true
	}
	return false
}

// Capabilities describe what work an agent can take on. Skills gate claim
// matching; the booleans gate task types the executor refuses outright.
type Capabilities struct {
	Skills           []string `json:"skills,omitempty"`
	MaxTaskMinutes   int      `json:"max_task_minutes,omitempty"`
	CanRunTests      bool     `json:"can_run_tests,omitempty"`
	CanRunBuild      bool     `json:"can_run_build,omitempty"`
	CanAccessBrowser bool     `json:"can_access_browser,omitempty"`
}

// Agent is one registered worker.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`

	Capabilities Capabilities `json:"capabilities"`

	Status              Status `json:"status"`
	CurrentTaskID       string `json:"current_task_id,omitempty"`
	CurrentTaskProgress int    `json:"current_task_progress,omitempty"`
	CurrentPhase        string `json:"current_phase,omitempty"`

	LastActiveAt   time.Time `json:"last_active_at"`
	HeartbeatCount int64     `json:"heartbeat_count"`

	TasksCompleted      int     `json:"tasks_completed"`
	TasksFailed         int     `json:"tasks_failed"`
	TotalRuntimeMinutes float64 `json:"total_runtime_minutes"`

	MachineInfo json.RawMessage `json:"machine_info,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stale reports whether the agent's last heartbeat is older than threshold.
func (a *Agent) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastActiveAt) > threshold
}

// Validate checks caller-controlled registration fields.
func (a *Agent) Validate() error {
	const op = "agent.validate"

	if strings.TrimSpace(a.Name) == "" {
		return errkind.New(errkind.KindValidation, op, "name is required")
	}
	if a.Status != "" && !a.Status.Valid() {
		return errkind.New(errkind.KindValidation, op, "unknown status %q", a.Status)
	}
	return nil
}

// Heartbeat carries the optional state piggybacked on a liveness ping.
type Heartbeat struct {
	Status Status

	// CurrentTaskID updates the agent's task link when Set is true; an
	// empty value with Set clears it.
	CurrentTaskID    string
	CurrentTaskIDSet bool

	Progress *int
	Phase    *string
}

// Filter narrows registry listings.
type Filter struct {
	Statuses []Status
	Type     string
	Skill    string
	Limit    int
}

// Registry is the agent persistence port.
type Registry interface {
	// Register inserts a new agent or refreshes an existing id. Returns
	// the stored agent with timestamps stamped.
	Register(ctx context.Context, a *Agent) (*Agent, error)

	// Get returns an agent by id, NOT_FOUND when absent.
	Get(ctx context.Context, id string) (*Agent, error)

	// Heartbeat bumps last_active_at and heartbeat_count and applies any
	// state carried on the ping. NOT_FOUND for unknown agents.
	Heartbeat(ctx context.Context, id string, hb Heartbeat) error

	// Deregister removes the agent row.
	Deregister(ctx context.Context, id string) error

	// List returns agents matching the filter, most recently active first.
	List(ctx context.Context, f Filter) ([]*Agent, error)

	// Count returns the number of agents matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// FindStale returns non-offline agents silent for longer than
	// threshold.
	FindStale(ctx context.Context, threshold time.Duration) ([]*Agent, error)

	// UpdateStats accumulates one finished task into the agent's
	// counters.
	UpdateStats(ctx context.Context, id string, completed bool, runtimeMinutes float64) error

	// SetCurrentTask links or, with an empty taskID, clears the agent's
	// current task. Linking marks the agent busy; clearing marks it idle.
	SetCurrentTask(ctx context.Context, id, taskID string) error

	// MarkOffline forces the agent's status to offline and clears its
	// task link. Used by the reaper.
	MarkOffline(ctx context.Context, id string) error
}
