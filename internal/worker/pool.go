// Package worker runs sync jobs on a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"driveup/internal/mirror"
)

const (
	DefaultWorkers = 2
	DefaultGrace   = 2 * time.Second
)

var (
	ErrDuplicateTask = errors.New("task already submitted")
	ErrPoolClosed    = errors.New("worker pool is shut down")
)

// Task is one unit of work. Tasks with the same Key may not be pending at
// the same time.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Result is the outcome of a finished task.
type Result struct {
	Key string
	Err error
}

// Pool runs submitted tasks with at most size of them in flight.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	clock  clockwork.Clock
	logger mirror.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	results []Result
	closed  bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of the given size. A non-positive size uses DefaultWorkers.
func NewPool(size int, clock clockwork.Clock, logger mirror.Logger) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(int64(size)),
		clock:   clock,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Submit queues task. It fails when a task with the same key is still
// pending or the pool has been shut down.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("%w: task %q has nothing to run", mirror.ErrInvalidArgument, task.Key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.pending[task.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Key)
	}
	p.pending[task.Key] = struct{}{}
	index := len(p.results)
	p.results = append(p.results, Result{Key: task.Key})

	p.wg.Add(1)
	go p.run(index, task)
	return nil
}

func (p *Pool) run(index int, task Task) {
	defer p.wg.Done()

	err := p.sem.Acquire(p.ctx, 1)
	if err == nil {
		p.logger.Info("task started", "task", task.Key)
		err = task.Run(p.ctx)
		p.sem.Release(1)
	}

	if err != nil {
		p.logger.Error("task failed", "task", task.Key, "error", err)
	} else {
		p.logger.Info("task finished", "task", task.Key)
	}

	p.mu.Lock()
	p.results[index].Err = err
	delete(p.pending, task.Key)
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished and returns their
// results in submission order.
func (p *Pool) Wait() []Result {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

// Shutdown stops accepting tasks and gives running ones grace to finish.
// After that the pool context is cancelled, which aborts in-flight calls.
// It reports whether every task finished within the grace period.
func (p *Pool) Shutdown(grace time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return true
	case <-p.clock.After(grace):
	}

	p.logger.Warn("grace period expired, cancelling running tasks", "grace", grace.String())
	p.cancel()
	<-done
	return false
}

// Close stops accepting tasks and releases the pool context. Call it once
// Wait has returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}
