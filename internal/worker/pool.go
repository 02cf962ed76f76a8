package worker

import (
	"context"
	"fmt"
	"sync"

	"conveyor/internal/dedup"
	"conveyor/internal/lease"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/pkg/id"
	logpkg "conveyor/pkg/log"
)

// Pool runs a fixed number of workers against the same queues. Workers share
// no in-process state; coordination happens through the lease coordinator
// and dedup store, so the same Pool code runs whether replicas share a
// process or a fleet.
type Pool struct {
	workers []*Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds n workers with distinct ids derived from nodeID.
func NewPool(n int, nodeID string, opts Options, q queue.Queue, reg *stage.Registry, topo stage.Topology, ds *dedup.Store, lc *lease.Coordinator, store stage.ContentStore, logger logpkg.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	gen := id.NewGenerator()
	p := &Pool{}
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("%s-%s", nodeID, gen.Next())
		p.workers = append(p.workers, New(workerID, opts, q, reg, topo, ds, lc, store, logger))
	}
	return p
}

// Start launches the workers. Idempotent until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Stop cancels the workers and waits for in-flight messages to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

// Size reports the worker count.
func (p *Pool) Size() int { return len(p.workers) }
