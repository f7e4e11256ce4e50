package jobs

import (
	"context"
	"sync"
)

// Pool is a fixed set of workers fed through a bounded buffer. Its size bounds
// the number of concurrent remote calls.
type Pool struct {
	tasks   chan func()
	workers int
	wg      sync.WaitGroup
}

// NewPool creates a pool of workers goroutines accepting up to queueSize
// tasks that are waiting for a free worker.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		tasks:   make(chan func(), queueSize),
		workers: workers,
	}
}

// Submit hands a task to the pool without blocking. It returns false when the
// buffer is full.
func (p *Pool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Start launches the workers. They stop when ctx is cancelled; tasks still
// buffered at that point are dropped.
func (p *Pool) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			task()
		}
	}
}
