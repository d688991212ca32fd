package swarm

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	leasedomain "hive/internal/domain/lease"
	taskdomain "hive/internal/domain/task"
	"hive/internal/logging"
	"hive/internal/observability"
)

// Reaper recovers work abandoned by agents whose heartbeats lapsed. A hard
// kill leaves claims and leases behind; the reaper returns both to the
// pool and marks the agent offline.
type Reaper struct {
	registry agentdomain.Registry
	tasks    taskdomain.Store
	leases   leasedomain.Manager
	clock    clock.PassiveClock
	metrics  *observability.MetricsCollector
	logger   logging.Logger

	// threshold is how long an agent may stay silent; by policy three
	// heartbeat intervals.
	threshold time.Duration
}

// NewReaper builds a reaper with the given silence threshold.
func NewReaper(registry agentdomain.Registry, tasks taskdomain.Store, leases leasedomain.Manager,
	clk clock.PassiveClock, threshold time.Duration, metrics *observability.MetricsCollector,
	logger logging.Logger) *Reaper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Reaper{
		registry:  registry,
		tasks:     tasks,
		leases:    leases,
		clock:     clk,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		threshold: threshold,
	}
}

// Reap finds every stale agent and recovers its work: leases released,
// claimed and in-progress tasks returned to ready, agent marked offline.
// Returns the number of agents reaped.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	stale, err := r.registry.FindStale(ctx, r.threshold)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, a := range stale {
		r.logger.Warn("reaping agent %s, silent for %v",
			a.ID, r.clock.Now().Sub(a.LastActiveAt).Round(time.Second))

		if n, err := r.leases.ReleaseAll(ctx, a.ID); err != nil {
			r.logger.Error("reaper lease release for %s failed: %v", a.ID, err)
		} else if n > 0 {
			r.logger.Info("reaper released %d leases held by %s", n, a.ID)
		}

		inFlight, err := r.tasks.GetAgentTasks(ctx, a.ID)
		if err != nil {
			r.logger.Error("reaper task lookup for %s failed: %v", a.ID, err)
			continue
		}
		for _, t := range inFlight {
			if t.Status != taskdomain.StatusClaimed && t.Status != taskdomain.StatusInProgress {
				continue
			}
			if _, err := r.tasks.Release(ctx, t.ID, "agent heartbeat lost"); err != nil {
				r.logger.Error("reaper release of %s failed: %v", t.ID, err)
			} else {
				r.logger.Info("reaper returned %s to ready", t.ID)
			}
		}

		if err := r.registry.MarkOffline(ctx, a.ID); err != nil {
			r.logger.Error("reaper offline mark for %s failed: %v", a.ID, err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.metrics.RecordAgentsReaped(ctx, reaped)
	}
	return reaped, nil
}
