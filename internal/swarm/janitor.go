package swarm

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	busdomain "hive/internal/domain/bus"
	memorydomain "hive/internal/domain/memory"
	taskdomain "hive/internal/domain/task"
	"hive/internal/logging"
)

// EventPruner is the slice of the change feed the janitor needs.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// JanitorOptions tune the maintenance cadence.
type JanitorOptions struct {
	// Interval runs every job on one shared cadence.
	Interval time.Duration

	// EventRetention bounds the change feed; zero disables pruning.
	EventRetention time.Duration

	// BackfillBatch embeds that many unembedded memories per run; zero
	// disables backfill.
	BackfillBatch int
}

// Janitor runs the background maintenance every worker loop relies on:
// stale-agent reaping, retry and dependency sweeps, and expiry cleanup
// across the bus, leases, memories, and the change feed. Jobs that
// overlap their own previous run are skipped, not queued.
type Janitor struct {
	cron   *cron.Cron
	reaper *Reaper
	tasks  taskdomain.Store
	bus    busdomain.Bus
	memory memorydomain.Store
	leases leaseDeleter
	events EventPruner
	opts   JanitorOptions
	logger logging.Logger
}

// NewJanitor wires the maintenance jobs. bus, memory, leases, and events
// may be nil; their jobs are skipped.
func NewJanitor(reaper *Reaper, tasks taskdomain.Store, bus busdomain.Bus,
	memory memorydomain.Store, leases leaseDeleter, events EventPruner,
	opts JanitorOptions, logger logging.Logger) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Janitor{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger))),
		reaper: reaper,
		tasks:  tasks,
		bus:    bus,
		memory: memory,
		leases: leases,
		events: events,
		opts:   opts,
		logger: logging.OrNop(logger),
	}
}

type leaseDeleter interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// Start registers the jobs and starts the cron loop. Stops when ctx ends.
func (j *Janitor) Start(ctx context.Context) error {
	spec := "@every " + j.opts.Interval.String()
	if _, err := j.cron.AddFunc(spec, func() { j.RunOnce(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started, cadence %v", j.opts.Interval)

	go func() {
		<-ctx.Done()
		stopped := j.cron.Stop()
		<-stopped.Done()
		j.logger.Info("janitor stopped")
	}()
	return nil
}

// RunOnce executes one maintenance pass. Exposed so tests and the CLI can
// trigger maintenance without waiting for the cron cadence.
func (j *Janitor) RunOnce(ctx context.Context) {
	if j.reaper != nil {
		if n, err := j.reaper.Reap(ctx); err != nil {
			j.logger.Error("janitor reap failed: %v", err)
		} else if n > 0 {
			j.logger.Info("janitor reaped %d stale agents", n)
		}
	}

	if j.tasks != nil {
		if n, err := j.tasks.UpdateBlockedToReady(ctx); err != nil {
			j.logger.Error("janitor blocked sweep failed: %v", err)
		} else if n > 0 {
			j.logger.Info("janitor promoted %d blocked tasks", n)
		}
		j.sweepRetries(ctx)
	}

	if j.bus != nil {
		if n, err := j.bus.DeleteExpired(ctx); err != nil {
			j.logger.Error("janitor message expiry failed: %v", err)
		} else if n > 0 {
			j.logger.Debug("janitor dropped %d expired messages", n)
		}
	}

	if j.leases != nil {
		if n, err := j.leases.DeleteExpired(ctx); err != nil {
			j.logger.Error("janitor lease expiry failed: %v", err)
		} else if n > 0 {
			j.logger.Debug("janitor dropped %d expired leases", n)
		}
	}

	if j.memory != nil {
		if n, err := j.memory.DeleteExpired(ctx); err != nil {
			j.logger.Error("janitor memory expiry failed: %v", err)
		} else if n > 0 {
			j.logger.Debug("janitor dropped %d expired memories", n)
		}
		if j.opts.BackfillBatch > 0 {
			if n, err := j.memory.BackfillEmbeddings(ctx, j.opts.BackfillBatch); err != nil {
				j.logger.Warn("janitor embedding backfill failed: %v", err)
			} else if n > 0 {
				j.logger.Info("janitor backfilled %d embeddings", n)
			}
		}
	}

	if j.events != nil && j.opts.EventRetention > 0 {
		cutoff := time.Now().Add(-j.opts.EventRetention)
		if n, err := j.events.Prune(ctx, cutoff); err != nil {
			j.logger.Error("janitor event prune failed: %v", err)
		} else if n > 0 {
			j.logger.Debug("janitor pruned %d feed events", n)
		}
	}
}

func (j *Janitor) sweepRetries(ctx context.Context) {
	eligible, err := j.tasks.FindRetryEligible(ctx)
	if err != nil {
		j.logger.Error("janitor retry sweep failed: %v", err)
		return
	}
	for _, t := range eligible {
		if _, err := j.tasks.ResetForRetry(ctx, t.ID); err != nil {
			j.logger.Warn("janitor retry reset of %s failed: %v", t.ID, err)
		}
	}
}
