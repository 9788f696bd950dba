package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolRunAll(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 4, QueueSize: 16})
	pool.Start()
	defer pool.Stop()

	var counter atomic.Int64
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = TaskFunc(func() error {
			counter.Add(1)
			return nil
		})
	}

	if err := pool.RunAll(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	if got := counter.Load(); got != 10 {
		t.Errorf("executed = %d, want 10", got)
	}
}

func TestPoolRunAllReturnsTaskError(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 2, QueueSize: 8})
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	tasks := []Task{
		TaskFunc(func() error { return nil }),
		TaskFunc(func() error { return boom }),
	}

	if err := pool.RunAll(context.Background(), tasks); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	stats := pool.Stats()
	if stats.TasksFailed != 1 {
		t.Errorf("failed = %d, want 1", stats.TasksFailed)
	}
}

func TestPoolSubmitWhenStopped(t *testing.T) {
	pool := NewPool(zap.NewNop(), nil)
	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 4})
	pool.Start()
	defer pool.Stop()

	if err := pool.SubmitFunc(func() error { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := pool.SubmitFunc(func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for pool.Stats().TasksCompleted < 1 {
		select {
		case <-deadline:
			t.Fatal("pool did not keep working after a panic")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if got := pool.Stats().PanicsRecovered; got != 1 {
		t.Errorf("recovered = %d, want 1", got)
	}
}
