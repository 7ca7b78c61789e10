// Package tsq implements the queue semantics of thread-safe functions for
// host runtimes: bounded queues, blocking and nonblocking calls, release with
// drain-then-finalize, and teardown delivery with a null environment.
//
// A host supplies the loop it runs on and the two host-thread steps that need
// engine access: invoking the completion routine with a live function handle,
// and running a finalizer.
package tsq

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// Func is one thread-safe function. V is the host's engine value type.
type Func[V any] struct {
	id       abi.ThreadsafeFunction
	name     string
	fn       V
	hasFn    bool
	maxQueue int
	context  uintptr
	fin      abi.Finalize
	call     abi.ThreadsafeCall

	// Guarded by Registry.mu.
	queued    int
	released  bool
	finalized bool
}

// Name returns the diagnostic name.
func (f *Func[V]) Name() string { return f.name }

// Fn returns the JS function the queue delivers to, if any.
func (f *Func[V]) Fn() (V, bool) { return f.fn, f.hasFn }

// Dispatch runs the completion routine.
func (f *Func[V]) Dispatch(env abi.Env, fn abi.Value, data uintptr) {
	f.call(env, fn, f.context, data)
}

// Finalize runs the finalizer, if there is one, with data set to the context.
func (f *Func[V]) Finalize(env abi.Env) {
	if f.fin != nil {
		f.fin(env, f.context, 0)
	}
}

// Config binds a registry to its host.
type Config[V any] struct {
	Env    abi.Env
	Submit func(task func()) error
	OnLoop func() bool
	// Invoke runs on the host thread. It must make f's function available
	// as a value handle and call f.Dispatch.
	Invoke func(f *Func[V], data uintptr)
	// RunFinalizer runs on the host thread once per function, with or
	// without a finalizer, and must call f.Finalize.
	RunFinalizer func(f *Func[V], env abi.Env)
	Logger       *zap.Logger
}

// Registry holds the thread-safe functions of one environment.
type Registry[V any] struct {
	cfg Config[V]

	mu     sync.Mutex
	cond   *sync.Cond
	funcs  map[abi.ThreadsafeFunction]*Func[V]
	next   abi.ThreadsafeFunction
	closed bool
}

// New creates a registry.
func New[V any](cfg Config[V]) *Registry[V] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Registry[V]{cfg: cfg, funcs: make(map[abi.ThreadsafeFunction]*Func[V])}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Create registers a function. hasFn reports whether fn is set.
func (r *Registry[V]) Create(fn V, hasFn bool, name string, maxQueue int, context uintptr, fin abi.Finalize, call abi.ThreadsafeCall) (abi.ThreadsafeFunction, abi.Status) {
	if call == nil || maxQueue < 0 {
		return 0, abi.InvalidArg
	}
	f := &Func[V]{name: name, fn: fn, hasFn: hasFn, maxQueue: maxQueue, context: context, fin: fin, call: call}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, abi.Closing
	}
	r.next++
	f.id = r.next
	r.funcs[f.id] = f
	return f.id, abi.OK
}

// Call queues data for delivery on the host thread. A blocking call on a
// full queue waits for room, unless it is made from the host thread itself.
func (r *Registry[V]) Call(id abi.ThreadsafeFunction, data uintptr, mode abi.ThreadsafeCallMode) abi.Status {
	r.mu.Lock()
	f, ok := r.funcs[id]
	if !ok {
		r.mu.Unlock()
		return abi.InvalidArg
	}
	for {
		if r.closed || f.released || f.finalized {
			r.mu.Unlock()
			return abi.Closing
		}
		if f.maxQueue == 0 || f.queued < f.maxQueue {
			break
		}
		if mode == abi.Nonblocking {
			r.mu.Unlock()
			return abi.QueueFull
		}
		if r.cfg.OnLoop() {
			r.mu.Unlock()
			return abi.WouldDeadlock
		}
		r.cond.Wait()
	}
	f.queued++
	r.mu.Unlock()

	if err := r.cfg.Submit(func() { r.deliver(f, data) }); err != nil {
		r.mu.Lock()
		f.queued--
		r.cond.Broadcast()
		r.mu.Unlock()
		return abi.Closing
	}
	return abi.OK
}

func (r *Registry[V]) deliver(f *Func[V], data uintptr) {
	r.mu.Lock()
	f.queued--
	r.cond.Broadcast()
	teardown := r.closed
	finalize := !teardown && f.released && f.queued == 0
	r.mu.Unlock()

	if teardown {
		// The environment is going away: the routine only releases data.
		f.call(0, 0, f.context, data)
		return
	}
	r.cfg.Invoke(f, data)
	if finalize {
		r.finalize(f, r.cfg.Env)
	}
}

// Release releases the function. It is finalized once every queued call
// has been delivered.
func (r *Registry[V]) Release(id abi.ThreadsafeFunction) abi.Status {
	r.mu.Lock()
	f, ok := r.funcs[id]
	if !ok {
		r.mu.Unlock()
		return abi.InvalidArg
	}
	if r.closed || f.finalized {
		r.mu.Unlock()
		return abi.Closing
	}
	if f.released {
		r.mu.Unlock()
		return abi.InvalidArg
	}
	f.released = true
	r.cond.Broadcast()
	drained := f.queued == 0
	r.mu.Unlock()

	if drained {
		if err := r.cfg.Submit(func() { r.finalize(f, r.cfg.Env) }); err != nil {
			r.cfg.Logger.Debug("threadsafe function finalized by teardown", zap.String("name", f.name))
		}
	}
	return abi.OK
}

// finalize runs the finalizer of f at most once. The entry is kept after
// teardown so late calls report Closing.
func (r *Registry[V]) finalize(f *Func[V], env abi.Env) {
	r.mu.Lock()
	if f.finalized {
		r.mu.Unlock()
		return
	}
	f.finalized = true
	if !env.IsNull() {
		delete(r.funcs, f.id)
	}
	r.mu.Unlock()

	r.cfg.RunFinalizer(f, env)
}

// Close rejects further calls and wakes blocked callers. It reports whether
// this was the first Close.
func (r *Registry[V]) Close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	r.cond.Broadcast()
	return true
}

// Closed reports whether Close has been called.
func (r *Registry[V]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Teardown finalizes every remaining function with a null environment and
// returns how many it found. It runs on the host thread after Close.
func (r *Registry[V]) Teardown() int {
	r.mu.Lock()
	pending := make([]*Func[V], 0, len(r.funcs))
	for _, f := range r.funcs {
		pending = append(pending, f)
	}
	r.mu.Unlock()
	for _, f := range pending {
		r.finalize(f, 0)
	}
	return len(pending)
}

// Each calls fn with the JS function of every function not yet finalized.
func (r *Registry[V]) Each(fn func(V)) {
	r.mu.Lock()
	var live []V
	for _, f := range r.funcs {
		if !f.finalized && f.hasFn {
			live = append(live, f.fn)
		}
	}
	r.mu.Unlock()
	for _, v := range live {
		fn(v)
	}
}

// Live returns the number of functions not yet finalized.
func (r *Registry[V]) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.funcs {
		if !f.finalized {
			n++
		}
	}
	return n
}
