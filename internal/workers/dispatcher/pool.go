// Package dispatcher runs reconciliation work on a fixed set of goroutines
// fed by a bounded queue. Webhook deliveries and poller checks share it, so work
// for different transactions runs in parallel while the engine serializes each one.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pix-service/pix_service/pkg/metrics"
)

// ErrPoolClosed is returned for work submitted after Stop
var ErrPoolClosed = errors.New("dispatcher: pool is closed")

// ErrQueueFull is returned by TrySubmit when the queue has no room
var ErrQueueFull = errors.New("dispatcher: queue is full")

// Job is one unit of work. It runs with the context it was submitted with.
type Job func(ctx context.Context) error

type task struct {
	ctx    context.Context
	job    Job
	result chan error
}

// Pool is a fixed-size worker pool
type Pool struct {
	queue   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *zap.Logger
	workers int
}

// New creates and starts a pool with n workers and a queue of depth entries
func New(n, depth int, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if depth < 0 {
		depth = 0
	}
	p := &Pool{
		queue:   make(chan task, depth),
		logger:  logger,
		workers: n,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	return p
}

func (p *Pool) run() {
	for t := range p.queue {
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		t.result <- p.execute(t)
		close(t.result)
	}
}

func (p *Pool) execute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Dispatcher job panicked", zap.Any("panic", r))
			err = fmt.Errorf("dispatcher: job panicked: %v", r)
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.job(t.ctx)
}

// Submit enqueues job, blocking while the queue is full. The returned channel
// receives the job's error exactly once.
func (p *Pool) Submit(ctx context.Context, job Job) <-chan error {
	result := make(chan error, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		result <- ErrPoolClosed
		close(result)
		return result
	}

	select {
	case p.queue <- task{ctx: ctx, job: job, result: result}:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
	case <-ctx.Done():
		result <- ctx.Err()
		close(result)
	}
	return result
}

// TrySubmit enqueues job without blocking
func (p *Pool) TrySubmit(ctx context.Context, job Job) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	result := make(chan error, 1)
	select {
	case p.queue <- task{ctx: ctx, job: job, result: result}:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		return result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do submits job and waits for its result
func (p *Pool) Do(ctx context.Context, job Job) error {
	select {
	case err := <-p.Submit(ctx, job):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work, lets queued jobs finish and waits for the workers
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	metrics.WorkerQueueDepth.Set(0)
	p.logger.Info("Dispatcher stopped", zap.Int("workers", p.workers))
}

// QueueLen returns how many jobs are waiting
func (p *Pool) QueueLen() int {
	return len(p.queue)
}
