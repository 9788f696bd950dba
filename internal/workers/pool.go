// Package workers provides a bounded goroutine pool for running
// independent simulation jobs concurrently.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned when submitting to a pool that is not running.
	ErrPoolStopped = errors.New("worker pool is not running")
	// ErrQueueFull is returned when the task queue is at capacity.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name       string
	NumWorkers int
	QueueSize  int
}

// DefaultPoolConfig returns defaults sized for CPU-bound simulation work.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  64,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	TasksSubmitted  int64 `json:"tasksSubmitted"`
	TasksCompleted  int64 `json:"tasksCompleted"`
	TasksFailed     int64 `json:"tasksFailed"`
	PanicsRecovered int64 `json:"panicsRecovered"`
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64
}

// NewPool creates a pool. A nil config gets defaults.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("workers"),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("workerId", id))

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.recovered.Add(1)
			p.failed.Add(1)
			logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		logger.Debug("task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// RunAll submits every task and blocks until all of them finish or the
// context is cancelled. The first task error is returned.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) error {
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for _, task := range tasks {
		task := task
		wg.Add(1)
		err := p.Submit(TaskFunc(func() error {
			defer wg.Done()
			err := task.Execute()
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return err
		}))
		if err != nil {
			wg.Done()
			return fmt.Errorf("submit: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted:  p.submitted.Load(),
		TasksCompleted:  p.completed.Load(),
		TasksFailed:     p.failed.Load(),
		PanicsRecovered: p.recovered.Load(),
	}
}

// Stop shuts the pool down and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()
	p.wg.Wait()
}
