// Package task defines the task domain model and store port.
//
// A task is the unit of work agents claim, execute, and report on. The
// store port is the only write path for task state; every transition is
// guarded so that concurrent agents cannot double-claim or resurrect
// terminal work.
package task

import (
	"encoding/json"
	"strings"
	"time"

	"hive/internal/errkind"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending - created without dependencies, awaiting the readiness sweep.
	StatusPending Status = "pending"
	// StatusBlocked - at least one dependency is not completed.
	StatusBlocked Status = "blocked"
	// StatusReady - claimable by any matching agent.
	StatusReady Status = "ready"
	// StatusClaimed - atomically assigned to an agent, work not yet started.
	StatusClaimed Status = "claimed"
	// StatusInProgress - the assigned agent has reported progress.
	StatusInProgress Status = "in_progress"
	// StatusPendingRetry - failed recoverably, waiting for its backoff to elapse.
	StatusPendingRetry Status = "pending_retry"
	// StatusCompleted - finished with a result.
	StatusCompleted Status = "completed"
	// StatusFailed - finished without a result; retries exhausted or unrecoverable.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether an agent currently owns the task.
func (s Status) IsActive() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusReady, StatusClaimed,
		StatusInProgress, StatusPendingRetry, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority orders claim selection.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps priority to its claim order; lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// DefaultMaxRetries is applied by New when the caller does not choose.
const DefaultMaxRetries = 2

// RetryBase is the first retry delay; each further retry doubles it.
const RetryBase = 30 * time.Second

// Task is the unit of work.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Type        string   `json:"type,omitempty"`
	Status      Status   `json:"status"`

	RequiredSkills   []string `json:"required_skills,omitempty"`
	Files            []string `json:"files,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`

	AssignedAgent string     `json:"assigned_agent,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	FailureType string     `json:"failure_type,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	PreviousAgents []string        `json:"previous_agents,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`

	BranchID          string `json:"branch_id,omitempty"`
	QualitySnapshotID string `json:"quality_snapshot_id,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`
	Blockers     []string `json:"blockers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a task with defaults filled in. The store assigns the id,
// status, and timestamps at create time.
func New(title string) *Task {
	return &Task{
		Title:      strings.TrimSpace(title),
		Priority:   PriorityMedium,
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate checks the fields a caller controls at create time.
func (t *Task) Validate() error {
	const op = "task.validate"

	if strings.TrimSpace(t.Title) == "" {
		return errkind.New(errkind.KindValidation, op, "title is required")
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return errkind.New(errkind.KindValidation, op, "unknown priority %q", t.Priority)
	}
	if t.MaxRetries < 0 {
		return errkind.New(errkind.KindValidation, op, "max_retries must be >= 0, got %d", t.MaxRetries)
	}
	if t.EstimatedMinutes < 0 {
		return errkind.New(errkind.KindValidation, op, "estimated_minutes must be >= 0, got %d", t.EstimatedMinutes)
	}
	return nil
}

// Failure describes why an executor could not finish a task.
type Failure struct {
	Type        string `json:"type,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// RetryDelay returns the backoff before retry attempt k (zero-based):
// 30 s, 60 s, 120 s, ... The schedule carries no jitter so retry timing
// stays deterministic.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		retryCount = 20 // beyond this the shift would overflow any sane schedule
	}
	return RetryBase << uint(retryCount)
}

// Filter narrows List, Count, and GetAgentTasks.
type Filter struct {
	Statuses      []Status
	Priorities    []Priority
	AssignedAgent string
	// Skills matches tasks whose required_skills intersect this set.
	Skills     []string
	Type       string
	Branch     string
	ExcludeIDs []string
	Limit      int
	Offset     int
}

// ClaimRequest asks for the best ready task this agent can work.
type ClaimRequest struct {
	AgentID string
	// Skills is the agent's capability set; a task matches when its
	// required_skills are a subset of this set. Empty required_skills
	// matches every agent.
	Skills []string
	// Types optionally restricts the claim to given task types.
	Types []string
	// Branch optionally restricts the claim to one branch.
	Branch string
	// ExcludeIDs skips tasks this agent already refused.
	ExcludeIDs []string
}

// Update carries partial field updates; nil fields are left unchanged.
type Update struct {
	Title             *string
	Description       *string
	Priority          *Priority
	Type              *string
	RequiredSkills    *[]string
	Files             *[]string
	EstimatedMinutes  *int
	MaxRetries        *int
	BranchID          *string
	QualitySnapshotID *string
	Dependencies      *[]string
}
