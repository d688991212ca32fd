package swarm

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	busdomain "hive/internal/domain/bus"
	leasedomain "hive/internal/domain/lease"
	memorydomain "hive/internal/domain/memory"
	qualitydomain "hive/internal/domain/quality"
	taskdomain "hive/internal/domain/task"
)

// SwarmStatus is the read model a dashboard polls: one consistent-enough
// picture of the whole runtime. Each section is gathered independently;
// the status is advisory, not transactional.
type SwarmStatus struct {
	Tasks  map[taskdomain.Status]int  `json:"tasks"`
	Agents map[agentdomain.Status]int `json:"agents"`

	ActiveLeases    int `json:"active_leases"`
	UnackedMessages int `json:"unacked_messages"`

	Memory *memorydomain.Stats `json:"memory,omitempty"`

	LatestSnapshot *qualitydomain.Snapshot `json:"latest_snapshot,omitempty"`
	Baseline       *qualitydomain.Snapshot `json:"baseline,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// StatusReporter aggregates SwarmStatus from the stores. Nil collaborators
// leave their section empty.
type StatusReporter struct {
	tasks    taskdomain.Store
	registry agentdomain.Registry
	leases   leasedomain.Manager
	bus      busdomain.Bus
	memory   memorydomain.Store
	quality  qualitydomain.Engine
	clock    clock.PassiveClock
}

// NewStatusReporter wires a reporter over the stores.
func NewStatusReporter(tasks taskdomain.Store, registry agentdomain.Registry,
	leases leasedomain.Manager, bus busdomain.Bus, memory memorydomain.Store,
	quality qualitydomain.Engine, clk clock.PassiveClock) *StatusReporter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StatusReporter{
		tasks:    tasks,
		registry: registry,
		leases:   leases,
		bus:      bus,
		memory:   memory,
		quality:  quality,
		clock:    clk,
	}
}

// Report gathers the current swarm status.
func (r *StatusReporter) Report(ctx context.Context) (*SwarmStatus, error) {
	status := &SwarmStatus{
		Tasks:       make(map[taskdomain.Status]int),
		Agents:      make(map[agentdomain.Status]int),
		GeneratedAt: r.clock.Now().UTC(),
	}

	if r.tasks != nil {
		for _, s := range []taskdomain.Status{
			taskdomain.StatusPending, taskdomain.StatusBlocked,
			taskdomain.StatusReady, taskdomain.StatusClaimed,
			taskdomain.StatusInProgress, taskdomain.StatusPendingRetry,
			taskdomain.StatusCompleted, taskdomain.StatusFailed,
		} {
			n, err := r.tasks.Count(ctx, taskdomain.Filter{Statuses: []taskdomain.Status{s}})
			if err != nil {
				return nil, err
			}
			if n > 0 {
				status.Tasks[s] = n
			}
		}
	}

	if r.registry != nil {
		for _, s := range []agentdomain.Status{
			agentdomain.StatusIdle, agentdomain.StatusBusy,
			agentdomain.StatusOffline, agentdomain.StatusError,
		} {
			n, err := r.registry.Count(ctx, agentdomain.Filter{Statuses: []agentdomain.Status{s}})
			if err != nil {
				return nil, err
			}
			if n > 0 {
				status.Agents[s] = n
			}
		}
	}

	if r.leases != nil {
		n, err := r.leases.CountActive(ctx)
		if err != nil {
			return nil, err
		}
		status.ActiveLeases = n
	}

	if r.bus != nil {
		waiting, err := r.bus.GetUnacknowledged(ctx, nil)
		if err != nil {
			return nil, err
		}
		status.UnackedMessages = len(waiting)
	}

	if r.memory != nil {
		stats, err := r.memory.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		status.Memory = stats
	}

	if r.quality != nil {
		latest, err := r.quality.GetLatestSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		status.LatestSnapshot = latest

		baseline, err := r.quality.GetBaseline(ctx)
		if err != nil {
			return nil, err
		}
		status.Baseline = baseline
	}

	return status, nil
}
