// Package workpool runs blocking tasks on a small fixed set of worker
// goroutines. This is the only place in the system where true blocking
// work happens (pulling a file off a camera socket, writing it to disk,
// pushing it to the analytics service).
package workpool

import (
	"sync"

	"github.com/cyclopcam/logs"
)

type Pool struct {
	log     logs.Log
	tasks   chan func()
	workers sync.WaitGroup
	closed  bool
}

// NewPool starts nWorkers goroutines. queueDepth bounds the number of
// tasks waiting to run; Submit blocks once the queue is full.
func NewPool(logger logs.Log, nWorkers, queueDepth int) *Pool {
	p := &Pool{
		log:   logger,
		tasks: make(chan func(), queueDepth),
	}
	for i := 0; i < nWorkers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a task for execution. There is no cancellation; a
// submitted task always runs to completion, even during shutdown.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close waits for all queued tasks to finish. Submit must not be called
// after Close.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
	p.workers.Wait()
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
	}
}
