// Package loop runs a host runtime on one dedicated goroutine.
//
// JavaScript engines are single threaded. Every host call made on behalf of
// native code has to happen on the goroutine that owns the engine; the loop
// gives other goroutines a way to get work onto it and gives everyone a way
// to ask whether they are on it.
package loop

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ErrLoopTerminated is returned when work is submitted to a stopped loop.
var ErrLoopTerminated = errors.New("loop: loop has been terminated")

const (
	stateIdle int32 = iota
	stateRunning
	stateTerminating
	stateTerminated
)

// Loop executes submitted tasks in FIFO order on a single goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	state  atomic.Int32
	gid    atomic.Int64
	after  func()
	onExit func()
}

// Option configures a Loop.
type Option func(*Loop)

// WithAfterTask runs fn on the loop after every task, for example to drain
// an engine's microtask queue.
func WithAfterTask(fn func()) Option {
	return func(l *Loop) { l.after = fn }
}

// WithExit runs fn on the loop goroutine right before it exits.
func WithExit(fn func()) Option {
	return func(l *Loop) { l.onExit = fn }
}

// New creates a loop. Call Start to begin processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop goroutine. It is a no-op if already started.
func (l *Loop) Start() {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		return
	}
	started := make(chan struct{})
	go l.run(started)
	<-started
}

func (l *Loop) run(started chan<- struct{}) {
	l.gid.Store(goid.Get())
	close(started)
	defer func() {
		if l.onExit != nil {
			l.onExit()
		}
		l.gid.Store(0)
		l.state.Store(stateTerminated)
		close(l.done)
	}()

	for {
		batch := l.take()
		if len(batch) == 0 {
			if l.state.Load() != stateTerminating {
				<-l.wake
				continue
			}
			// Submit refuses work once terminating, so this take sees the rest.
			if batch = l.take(); len(batch) == 0 {
				return
			}
		}
		for _, task := range batch {
			task()
			if l.after != nil {
				l.after()
			}
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit queues fn. It never blocks and may be called from any goroutine,
// including the loop itself.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if s := l.state.Load(); s == stateTerminating || s == stateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return nil
}

// Do runs fn on the loop and waits for it. Called from the loop itself it
// runs fn inline.
func (l *Loop) Do(fn func() error) error {
	if l.OnLoop() {
		return fn()
	}
	errc := make(chan error, 1)
	if err := l.Submit(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrLoopTerminated
		}
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	id := l.gid.Load()
	return id != 0 && goid.Get() == id
}

// Stop rejects further submissions, lets already queued tasks finish and
// waits for the loop goroutine to exit. Calling Stop from the loop itself
// does not wait.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state.Load() {
	case stateIdle:
		l.state.Store(stateTerminated)
		l.mu.Unlock()
		close(l.done)
		return
	case stateRunning:
		l.state.Store(stateTerminating)
	}
	l.mu.Unlock()
	l.signal()
	if !l.OnLoop() {
		<-l.done
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Terminated reports whether the loop rejects new work.
func (l *Loop) Terminated() bool {
	s := l.state.Load()
	return s == stateTerminating || s == stateTerminated
}
