package swarm

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	leasedomain "hive/internal/domain/lease"
	taskdomain "hive/internal/domain/task"
	"hive/internal/logging"
	"hive/internal/observability"
)

// Deps are the shared collaborators a worker needs.
type Deps struct {
	Tasks    taskdomain.Store
	Registry agentdomain.Registry
	Leases   leasedomain.Manager
	Executor Executor
	Clock    clock.WithTicker
	Metrics  *observability.MetricsCollector
	Logger   logging.Logger
}

func (d *Deps) fill() {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Metrics == nil {
		d.Metrics = &observability.MetricsCollector{}
	}
	d.Logger = logging.OrNop(d.Logger)
}

// WorkerOptions tune one worker's loop.
type WorkerOptions struct {
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	// Types and Branch optionally narrow what the worker claims.
	Types  []string
	Branch string
}

func (o *WorkerOptions) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 5 * time.Second
	}
}

// Worker runs one agent's claim-execute-report loop.
type Worker struct {
	agent *agentdomain.Agent
	deps  Deps
	opts  WorkerOptions
}

// NewWorker builds a worker for an already registered agent.
func NewWorker(a *agentdomain.Agent, deps Deps, opts WorkerOptions) *Worker {
	deps.fill()
	opts.fill()
	return &Worker{agent: a, deps: deps, opts: opts}
}

// Run loops until ctx is canceled: sweep eligibility, claim, execute,
// report. A nil claim backs off exponentially from BackoffMin to
// BackoffMax; any successful claim resets the backoff. Shutdown is
// cooperative — an in-flight task is released, never abandoned.
func (w *Worker) Run(ctx context.Context) error {
	w.deps.Logger.Info("worker %s starting (skills %v)",
		w.agent.ID, w.agent.Capabilities.Skills)
	backoff := w.opts.BackoffMin

	for {
		if ctx.Err() != nil {
			w.deps.Logger.Info("worker %s stopping", w.agent.ID)
			return nil
		}
		w.sweep(ctx)

		claimedAt := w.deps.Clock.Now()
		claimed, err := w.deps.Tasks.Claim(ctx, taskdomain.ClaimRequest{
			AgentID: w.agent.ID,
			Skills:  w.agent.Capabilities.Skills,
			Types:   w.opts.Types,
			Branch:  w.opts.Branch,
		})
		if err != nil {
			w.deps.Logger.Error("worker %s claim failed: %v", w.agent.ID, err)
			if !w.idle(ctx, backoff) {
				return nil
			}
			continue
		}
		if claimed == nil {
			if !w.idle(ctx, backoff) {
				return nil
			}
			if backoff *= 2; backoff > w.opts.BackoffMax {
				backoff = w.opts.BackoffMax
			}
			continue
		}

		backoff = w.opts.BackoffMin
		w.deps.Metrics.RecordClaim(ctx, w.agent.ID, w.deps.Clock.Since(claimedAt), 0)
		w.work(ctx, claimed)
	}
}

// sweep promotes whatever became eligible since the last iteration: tasks
// whose dependencies completed, and retries whose backoff elapsed.
func (w *Worker) sweep(ctx context.Context) {
	if n, err := w.deps.Tasks.UpdateBlockedToReady(ctx); err != nil {
		w.deps.Logger.Warn("worker %s blocked sweep failed: %v", w.agent.ID, err)
	} else if n > 0 {
		w.deps.Logger.Debug("worker %s promoted %d blocked tasks", w.agent.ID, n)
	}

	eligible, err := w.deps.Tasks.FindRetryEligible(ctx)
	if err != nil {
		w.deps.Logger.Warn("worker %s retry sweep failed: %v", w.agent.ID, err)
		return
	}
	for _, t := range eligible {
		if _, err := w.deps.Tasks.ResetForRetry(ctx, t.ID); err != nil {
			w.deps.Logger.Warn("worker %s retry reset of %s failed: %v", w.agent.ID, t.ID, err)
		}
	}
}

// work drives one claimed task through the executor and reports the
// outcome. Cleanup runs on a detached context so a canceled ctx still
// lets the worker release its claim and leases.
func (w *Worker) work(ctx context.Context, t *taskdomain.Task) {
	w.deps.Logger.Info("worker %s executing %s (%s)", w.agent.ID, t.ID, t.Title)
	started := w.deps.Clock.Now()

	if err := w.deps.Registry.SetCurrentTask(ctx, w.agent.ID, t.ID); err != nil {
		w.deps.Logger.Warn("worker %s task link failed: %v", w.agent.ID, err)
	}
	w.deps.Metrics.AgentStartedWork(ctx)
	defer w.deps.Metrics.AgentStoppedWork(ctx)

	var lastPercent atomic.Int64
	pumpDone := make(chan struct{})
	go w.heartbeatPump(ctx, &lastPercent, pumpDone)

	result, execErr := w.deps.Executor.Execute(ctx, t, func(p Progress) {
		lastPercent.Store(int64(p.Percent))
		if _, err := w.deps.Tasks.UpdateProgress(ctx, t.ID, p.Percent, p.Phase); err != nil {
			w.deps.Logger.Warn("worker %s progress report failed: %v", w.agent.ID, err)
		}
	})
	close(pumpDone)

	cleanup, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runtimeMinutes := w.deps.Clock.Since(started).Minutes()

	switch {
	case ctx.Err() != nil:
		// Shutdown beat the executor; put the task back.
		if _, err := w.deps.Tasks.Release(cleanup, t.ID, "worker shutdown"); err != nil {
			w.deps.Logger.Error("worker %s release of %s failed: %v", w.agent.ID, t.ID, err)
		} else {
			w.deps.Logger.Info("worker %s released %s on shutdown", w.agent.ID, t.ID)
		}

	case execErr != nil:
		failure := FailureFor(execErr)
		failed, err := w.deps.Tasks.Fail(cleanup, t.ID, failure)
		if err != nil {
			w.deps.Logger.Error("worker %s fail of %s failed: %v", w.agent.ID, t.ID, err)
		} else {
			w.deps.Logger.Warn("worker %s task %s failed (%s): %s",
				w.agent.ID, t.ID, failed.Status, failure.Message)
			w.deps.Metrics.RecordTaskFailed(cleanup, w.agent.ID,
				failed.Status == taskdomain.StatusPendingRetry)
		}
		if err := w.deps.Registry.UpdateStats(cleanup, w.agent.ID, false, runtimeMinutes); err != nil {
			w.deps.Logger.Warn("worker %s stats update failed: %v", w.agent.ID, err)
		}

	default:
		if _, err := w.deps.Tasks.Complete(cleanup, t.ID, result); err != nil {
			w.deps.Logger.Error("worker %s complete of %s failed: %v", w.agent.ID, t.ID, err)
		} else {
			w.deps.Logger.Info("worker %s completed %s in %.1f min",
				w.agent.ID, t.ID, runtimeMinutes)
			w.deps.Metrics.RecordTaskCompleted(cleanup, w.agent.ID)
		}
		if err := w.deps.Registry.UpdateStats(cleanup, w.agent.ID, true, runtimeMinutes); err != nil {
			w.deps.Logger.Warn("worker %s stats update failed: %v", w.agent.ID, err)
		}
	}

	if _, err := w.deps.Leases.ReleaseAll(cleanup, w.agent.ID); err != nil {
		w.deps.Logger.Warn("worker %s lease cleanup failed: %v", w.agent.ID, err)
	}
	if err := w.deps.Registry.SetCurrentTask(cleanup, w.agent.ID, ""); err != nil {
		w.deps.Logger.Warn("worker %s task unlink failed: %v", w.agent.ID, err)
	}
}

// heartbeatPump keeps the agent alive while the executor runs, carrying
// the latest reported progress on each ping.
func (w *Worker) heartbeatPump(ctx context.Context, lastPercent *atomic.Int64, done <-chan struct{}) {
	ticker := w.deps.Clock.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			percent := int(lastPercent.Load())
			if err := w.deps.Registry.Heartbeat(ctx, w.agent.ID, agentdomain.Heartbeat{
				Status:   agentdomain.StatusBusy,
				Progress: &percent,
			}); err != nil {
				w.deps.Logger.Warn("worker %s heartbeat failed: %v", w.agent.ID, err)
				continue
			}
			w.deps.Metrics.RecordHeartbeat(ctx)
		}
	}
}

// idle heartbeats once and sleeps, returning false when ctx ended first.
func (w *Worker) idle(ctx context.Context, d time.Duration) bool {
	if err := w.deps.Registry.Heartbeat(ctx, w.agent.ID, agentdomain.Heartbeat{
		Status: agentdomain.StatusIdle,
	}); err != nil {
		w.deps.Logger.Warn("worker %s heartbeat failed: %v", w.agent.ID, err)
	}
	select {
	case <-ctx.Done():
		return false
	case <-w.deps.Clock.After(d):
		return true
	}
}
