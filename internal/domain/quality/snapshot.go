// Package quality tracks build health over time.
//
// A snapshot is a point-in-time measurement of lint, type, test, coverage,
// and build metrics. One snapshot is flagged as the baseline; later
// snapshots are compared against it to detect regressions, and a gate set
// decides whether the current metrics are acceptable at all.
package quality

import (
	"context"
	"time"
)

// Metrics are the measured values of one quality run.
type Metrics struct {
	LintErrors   int     `json:"lint_errors"`
	LintWarnings int     `json:"lint_warnings"`
	TypeErrors   int     `json:"type_errors"`
	TestsPassing int     `json:"tests_passing"`
	TestsFailing int     `json:"tests_failing"`
	TestCoverage float64 `json:"test_coverage"`
	BuildSuccess bool    `json:"build_success"`
	BuildTimeMS  int64   `json:"build_time_ms,omitempty"`
}

// TestPassRate is the percentage of passing tests. A run with no tests at
// all passes by definition.
func (m Metrics) TestPassRate() float64 {
	total := m.TestsPassing + m.TestsFailing
	if total == 0 {
		return 100
	}
	return 100 * float64(m.TestsPassing) / float64(total)
}

// Snapshot is a persisted quality measurement, optionally linked to the
// task and agent that produced it.
type Snapshot struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	Metrics

	IsBaseline bool      `json:"is_baseline"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Engine is the quality persistence port.
type Engine interface {
	// RecordSnapshot persists a snapshot, assigning id and timestamp.
	RecordSnapshot(ctx context.Context, s *Snapshot) (*Snapshot, error)

	// GetSnapshot returns a snapshot by id, NOT_FOUND when absent.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// GetLatestSnapshot returns the most recently recorded snapshot, or
	// nil when none exist.
	GetLatestSnapshot(ctx context.Context) (*Snapshot, error)

	// GetTaskSnapshots returns all snapshots linked to a task, newest
	// first.
	GetTaskSnapshots(ctx context.Context, taskID string) ([]*Snapshot, error)

	// GetBaseline returns the current baseline snapshot, or nil when no
	// baseline has been set.
	GetBaseline(ctx context.Context) (*Snapshot, error)

	// SetBaseline flags the given snapshot as baseline, clearing any
	// previous flag in the same transaction. NOT_FOUND when the id is
	// unknown.
	SetBaseline(ctx context.Context, id string) (*Snapshot, error)
}
