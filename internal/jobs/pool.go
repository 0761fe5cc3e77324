package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Shutdown has started.
var ErrPoolClosed = errors.New("jobs: pool closed")

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 2

// Pool runs ingestion tasks on a fixed set of goroutines so long-running
// ingests never block the surface that accepted them. Tasks are plain
// closures; the pool does no job bookkeeping of its own.
type Pool struct {
	tasks chan func(context.Context)
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	logf   func(format string, v ...any)
}

// NewPool starts workers goroutines pulling from a bounded queue.
// workers <= 0 falls back to DefaultWorkers.
func NewPool(workers int, logger Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan func(context.Context), workers*2),
		cancel: cancel,
		logf:   func(string, ...any) {},
	}
	if logger != nil {
		p.logf = logger.Printf
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logf("stage=pool_start workers=%d", workers)
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		task(ctx)
	}
}

// Submit enqueues a task, blocking while the queue is full. The context
// passed to the task is cancelled by Shutdown.
func (p *Pool) Submit(task func(context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	// Enqueue under the lock so Shutdown cannot close the channel between
	// the check and the send.
	p.tasks <- task
	p.mu.Unlock()
	return nil
}

// Shutdown stops accepting work, cancels the context seen by running
// tasks, and waits for in-flight tasks to drain. Safe to call once.
func (p *Pool) Shutdown() {
	if !p.stop() {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logf("stage=pool_stop")
}

// Drain stops accepting work and waits for queued and running tasks to
// finish. Unlike Shutdown it leaves the task context alive until the
// last task returns, so in-flight ingests complete instead of failing.
func (p *Pool) Drain() {
	if !p.stop() {
		return
	}
	p.wg.Wait()
	p.cancel()
	p.logf("stage=pool_drain")
}

// stop closes the queue once; false means another call got there first.
func (p *Pool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.tasks)
	return true
}
