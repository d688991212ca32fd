package swarm

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	agentdomain "hive/internal/domain/agent"
	"hive/internal/logging"
)

// Pool runs N workers, one registered agent each, until the context ends
// or a worker returns an error.
type Pool struct {
	workers []*Worker
	logger  logging.Logger
}

// NewPool registers count agents from the template and builds their
// workers. The template's Name is suffixed with the worker index; its ID,
// when set, must be empty so each worker gets a distinct identity.
func NewPool(ctx context.Context, template agentdomain.Agent, count int, deps Deps, opts WorkerOptions) (*Pool, error) {
	deps.fill()
	p := &Pool{logger: deps.Logger}

	for i := 0; i < count; i++ {
		a := template
		a.ID = ""
		if count > 1 {
			a.Name = template.Name + "-" + strconv.Itoa(i+1)
		}
		registered, err := deps.Registry.Register(ctx, &a)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, NewWorker(registered, deps, opts))
	}
	return p, nil
}

// Run blocks until every worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("swarm pool starting %d workers", len(p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	err := g.Wait()
	p.logger.Info("swarm pool stopped")
	return err
}

// Agents returns the registered identities the pool runs.
func (p *Pool) Agents() []*agentdomain.Agent {
	out := make([]*agentdomain.Agent, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.agent
	}
	return out
}
