package jsbind

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor runs native work. Spawn must run each task exactly once and must
// not block the caller on the task.
type Executor interface {
	Spawn(task func())
}

// HostBound is implemented by executors that guarantee their tasks run on
// the host thread.
type HostBound interface {
	RunsOnHostThread() bool
}

// GoExecutor runs every task on its own goroutine.
type GoExecutor struct{}

func (GoExecutor) Spawn(task func()) { go task() }

// PoolExecutor runs tasks on goroutines, at most n at a time.
type PoolExecutor struct {
	sem *semaphore.Weighted
}

// NewPoolExecutor creates an executor running at most n tasks concurrently.
func NewPoolExecutor(n int) *PoolExecutor {
	if n < 1 {
		n = 1
	}
	return &PoolExecutor{sem: semaphore.NewWeighted(int64(n))}
}

func (p *PoolExecutor) Spawn(task func()) {
	go func() {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		task()
	}()
}

// HostExecutor runs tasks on the host thread of one environment. Tasks are
// queued through a thread-safe function, so Spawn may be called from any
// goroutine, including the host thread itself.
type HostExecutor struct {
	sender *Sender[func()]
}

// NewHostExecutor creates an executor bound to env. It must be called on the
// host thread. Close it when done.
func NewHostExecutor(env Env) (*HostExecutor, error) {
	s, err := NewSender(env, "host_executor", Value{}, func(_ Env, _ Value, task func()) error {
		task()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &HostExecutor{sender: s}, nil
}

func (h *HostExecutor) Spawn(task func()) {
	if err := h.sender.Send(task); err != nil {
		Logger().Error("host executor: task dropped", zap.Error(err))
	}
}

func (h *HostExecutor) RunsOnHostThread() bool { return true }

// Close releases the executor. Tasks already spawned still run.
func (h *HostExecutor) Close() error { return h.sender.Close() }
