// Package worker provides a bounded goroutine pool with a buffered task queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolFull is returned by TrySubmit when the queue has no room.
	ErrPoolFull = errors.New("worker: pool queue is full")
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("worker: pool is closed")
)

// Task is one unit of work. ctx is cancelled when the pool stops.
type Task func(ctx context.Context)

// Logger receives recovered task panics.
type Logger interface {
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}

// Pool runs tasks on a fixed number of goroutines.
type Pool struct {
	name       string
	maxWorkers int
	taskCh     chan Task
	logger     Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	tasksProcessed atomic.Int64
	tasksPanicked  atomic.Int64
}

// NewPool creates a pool with maxWorkers goroutines and a queue of queueSize.
func NewPool(name string, maxWorkers, queueSize int, logger Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		taskCh:     make(chan Task, queueSize),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.ctx.Err() != nil {
		return
	}
	p.running = true
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop stops accepting tasks, drains the queue and waits for workers.
// Tasks still running observe a cancelled context once ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		close(p.taskCh)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.cancel()
		case <-ctx.Done():
			p.cancel()
			<-done
			err = fmt.Errorf("worker pool %s stop: %w", p.name, ctx.Err())
		}
	})
	return err
}

// Submit queues task, blocking until there is room or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.taskCh {
		p.processTask(task)
	}
}

func (p *Pool) processTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.tasksPanicked.Add(1)
			p.logger.Error("worker task panicked", "pool", p.name, "panic", fmt.Sprint(r))
		}
	}()

	task(p.ctx)
	p.tasksProcessed.Add(1)
}

// TasksProcessed returns the number of tasks that returned normally.
func (p *Pool) TasksProcessed() int64 {
	return p.tasksProcessed.Load()
}

// TasksPanicked returns the number of tasks that panicked.
func (p *Pool) TasksPanicked() int64 {
	return p.tasksPanicked.Load()
}

// QueueLength returns the number of queued tasks.
func (p *Pool) QueueLength() int {
	return len(p.taskCh)
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
