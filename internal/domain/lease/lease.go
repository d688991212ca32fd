// Package lease defines exclusive time-bounded holds on file paths.
//
// A lease keys on the file path: one path, one holder. Expiry is passive;
// an expired lease simply loses to the next acquire, and the janitor sweeps
// the leftover rows.
package lease

import (
	"context"
	"time"
)

// Lease is an exclusive hold on a file path.
type Lease struct {
	FilePath     string    `json:"file_path"`
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewedCount int       `json:"renewed_count"`
}

// Active reports whether the lease is held at the given instant.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

// Manager is the lease persistence port. Acquire and Extend must be single
// atomic statements; no read-then-write across transaction boundaries.
type Manager interface {
	// Acquire takes the lease on path for the agent. It succeeds when the
	// path is free, already held by the same agent, or held expired.
	// Reports whether the requesting agent holds the lease afterwards.
	Acquire(ctx context.Context, path, agentID, taskID string, duration time.Duration) (bool, error)

	// Release drops the lease only when the agent owns it.
	Release(ctx context.Context, path, agentID string) (bool, error)

	// ForceRelease drops the lease unconditionally. Reaper use only.
	ForceRelease(ctx context.Context, path string) error

	// Check returns the active lease on path, or nil when the path is free
	// or the lease has expired.
	Check(ctx context.Context, path string) (*Lease, error)

	// Extend pushes expires_at out by duration from now, only when the
	// agent owns the lease. Increments renewed_count.
	Extend(ctx context.Context, path, agentID string, duration time.Duration) (bool, error)

	// GetAgentLeases lists the leases an agent currently holds.
	GetAgentLeases(ctx context.Context, agentID string) ([]*Lease, error)

	// FindExpired lists leases whose expiry has passed.
	FindExpired(ctx context.Context) ([]*Lease, error)

	// ReleaseAll drops every lease an agent holds, returning the count.
	ReleaseAll(ctx context.Context, agentID string) (int, error)

	// CountActive returns the number of unexpired leases.
	CountActive(ctx context.Context) (int, error)

	// DeleteExpired removes expired lease rows, returning the count.
	DeleteExpired(ctx context.Context) (int, error)
}
