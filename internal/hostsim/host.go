// Package hostsim is a deterministic in-process JavaScript host.
//
// It models just enough of a real engine to exercise a native bridge: a heap
// with reachability-based collection, call frames with new.target, weak and
// strong references, wrapped objects and their finalizers, promises that
// count their settle attempts, thread-safe function queues and environment
// teardown. All host calls run on one loop goroutine, as in a real engine.
package hostsim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/arena"
	"github.com/Gaurav-Gosain/jsbind/internal/loop"
	"github.com/Gaurav-Gosain/jsbind/internal/tsq"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("hostsim: host is closed")

type frame struct {
	this      any
	args      []any
	newTarget any
	data      uintptr
}

type reference struct {
	target any
	count  uint32
}

// Host implements abi.Host.
type Host struct {
	env    abi.Env
	loop   *loop.Loop
	arena  *arena.Arena[any]
	log    *zap.Logger
	global *object

	// Host-thread state.
	heap       []*object
	frames     []frame
	refs       map[abi.Ref]*reference
	nextRef    abi.Ref
	deferreds  map[abi.Deferred]*object
	nextDefer  abi.Deferred
	exception  any
	hasPending bool
	hooks      []func()
	uncaught   []string

	queues *tsq.Registry[any]

	finalized atomic.Int64
	gcRuns    atomic.Int64
}

var _ abi.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for host events.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New creates a host and starts its loop.
func New(opts ...Option) *Host {
	h := &Host{
		env:       abi.NewEnv(),
		arena:     arena.New[any](nil),
		log:       zap.NewNop(),
		refs:      make(map[abi.Ref]*reference),
		deferreds: make(map[abi.Deferred]*object),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.global = h.alloc(kindObject)
	h.loop = loop.New()
	h.queues = h.newQueues()
	h.loop.Start()
	return h
}

// Env returns the environment identity of the host.
func (h *Host) Env() abi.Env { return h.env }

// Do runs fn on the host thread inside a fresh value scope. An exception
// left pending by fn is cleared and reported as an error.
func (h *Host) Do(fn func() error) error {
	err := h.loop.Do(func() error {
		depth := h.arena.Open()
		defer h.arena.Close(depth)
		err := fn()
		if exc, ok := h.takeException(); ok && err == nil {
			err = fmt.Errorf("uncaught exception: %s", describe(exc))
		}
		return err
	})
	if errors.Is(err, loop.ErrLoopTerminated) {
		return ErrClosed
	}
	return err
}

// Done is closed once the host has been torn down.
func (h *Host) Done() <-chan struct{} { return h.loop.Done() }

// GC collects every object unreachable from the global object, live value
// handles, strong references, pending promises and unreleased thread-safe
// functions, then runs the finalizers of collected wrapped objects.
func (h *Host) GC() error {
	return h.Do(func() error {
		h.collect()
		return nil
	})
}

func (h *Host) collect() {
	h.gcRuns.Add(1)
	var stack []any
	push := func(v any) {
		if o, ok := v.(*object); ok && o != nil && !o.marked {
			o.marked = true
			stack = append(stack, o)
		}
	}

	push(h.global)
	h.arena.Each(push)
	for _, f := range h.frames {
		push(f.this)
		push(f.newTarget)
		for _, a := range f.args {
			push(a)
		}
	}
	for _, r := range h.refs {
		if r.count > 0 {
			push(r.target)
		}
	}
	for _, o := range h.deferreds {
		if o.promise.State() == Pending {
			push(o)
		}
	}
	h.queues.Each(push)
	if h.hasPending {
		push(h.exception)
	}

	for len(stack) > 0 {
		o := stack[len(stack)-1].(*object)
		stack = stack[:len(stack)-1]
		for _, p := range o.props {
			push(p)
		}
		for _, e := range o.elems {
			push(e)
		}
		if o.proto != nil {
			push(o.proto)
		}
		if o.promise != nil {
			push(o.promise.raw)
		}
	}

	var dead []*object
	live := h.heap[:0]
	for _, o := range h.heap {
		if o.marked {
			o.marked = false
			live = append(live, o)
			continue
		}
		o.collected = true
		dead = append(dead, o)
	}
	clear(h.heap[len(live):])
	h.heap = live

	for _, r := range h.refs {
		if o, ok := r.target.(*object); ok && o.collected {
			r.target = nil
		}
	}

	depth := h.arena.Open()
	defer h.arena.Close(depth)
	n := 0
	for _, o := range dead {
		w := o.wrap
		o.wrap = nil
		if w == nil || w.fin == nil {
			continue
		}
		n++
		w.fin(h.env, w.data, w.hint)
	}
	h.finalized.Add(int64(n))
	h.log.Debug("gc", zap.Int("collected", len(dead)), zap.Int("finalized", n), zap.Int("live", len(h.heap)))
}

// Close tears the environment down: queued thread-safe calls are delivered
// with a null environment so their payloads are released, remaining
// thread-safe functions and wrapped objects are finalized, cleanup hooks run
// in reverse order, and the loop stops. Close may be called on the host
// thread, in which case it does not wait.
func (h *Host) Close() error {
	if !h.queues.Close() {
		if !h.loop.OnLoop() {
			<-h.loop.Done()
		}
		return nil
	}

	if err := h.loop.Submit(h.teardown); err != nil {
		return err
	}
	h.loop.Stop()
	return nil
}

func (h *Host) teardown() {
	depth := h.arena.Open()
	defer h.arena.Close(depth)

	pending := h.queues.Teardown()

	n := 0
	for _, o := range h.heap {
		w := o.wrap
		o.wrap = nil
		if w == nil || w.fin == nil {
			continue
		}
		n++
		w.fin(0, w.data, w.hint)
	}
	h.finalized.Add(int64(n))

	for i := len(h.hooks) - 1; i >= 0; i-- {
		h.hooks[i]()
	}
	h.hooks = nil
	h.log.Debug("teardown", zap.Int("threadsafe_functions", pending), zap.Int("finalized", n))
}

// Finalized returns the number of wrap finalizers the host has run.
func (h *Host) Finalized() int { return int(h.finalized.Load()) }

// Objects returns the number of heap objects. It must be called on the
// host thread.
func (h *Host) Objects() int { return len(h.heap) }

// Refs returns the number of undeleted references. It must be called on the
// host thread.
func (h *Host) Refs() int { return len(h.refs) }

// Uncaught returns the messages of exceptions that escaped thread-safe
// calls and teardown.
func (h *Host) Uncaught() []string {
	var out []string
	_ = h.loop.Do(func() error {
		out = append(out, h.uncaught...)
		return nil
	})
	return out
}

// Func creates a script function. It must be called on the host thread.
func (h *Host) Func(name string, fn ScriptFunc) abi.Value {
	return h.arena.Push(h.newFunction(name, &function{script: fn}))
}

// Export converts a live value handle into plain Go data.
func (h *Host) Export(v abi.Value) any {
	x, ok := h.arena.Get(v)
	if !ok {
		return nil
	}
	return h.export(x)
}

// Import creates a host value from plain Go data.
func (h *Host) Import(x any) abi.Value { return h.arena.Push(h.importValue(x)) }

// SetGlobal sets a property on the global object.
func (h *Host) SetGlobal(name string, v abi.Value) {
	x, _ := h.arena.Get(v)
	h.global.put(name, x)
}

// Track returns the settle record of a promise.
func (h *Host) Track(v abi.Value) (*Promise, bool) {
	x, _ := h.arena.Get(v)
	if o, ok := x.(*object); ok && o.kind == kindPromise {
		return o.promise, true
	}
	return nil, false
}

func (h *Host) value(v abi.Value) (any, bool) {
	if v == 0 {
		return nil, false
	}
	return h.arena.Get(v)
}

func (h *Host) objectArg(v abi.Value) (*object, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return nil, abi.InvalidArg
	}
	o, ok := x.(*object)
	if !ok {
		return nil, abi.ObjectExpected
	}
	return o, abi.OK
}

func (h *Host) push(x any) (abi.Value, abi.Status) {
	return h.arena.Push(x), abi.OK
}

func (h *Host) throw(v any) {
	h.exception = v
	h.hasPending = true
}

func (h *Host) takeException() (any, bool) {
	if !h.hasPending {
		return nil, false
	}
	exc := h.exception
	h.exception = nil
	h.hasPending = false
	return exc, true
}

// invoke calls f. ok is false when the call threw.
func (h *Host) invoke(f *function, this any, args []any, newTarget any) (any, bool) {
	if f.script != nil {
		exported := make([]any, len(args))
		for i, a := range args {
			exported[i] = h.export(a)
		}
		out, err := f.script(h.export(this), exported)
		if err != nil {
			h.throw(h.importValue(err))
			return nil, false
		}
		return h.importValue(out), true
	}

	h.frames = append(h.frames, frame{this: this, args: args, newTarget: newTarget, data: f.data})
	info := abi.CallInfo(len(h.frames))
	depth := h.arena.Open()
	raw := f.cb(h.env, info)
	var result any = undefined
	if x, ok := h.arena.Get(raw); ok && raw != 0 {
		result = x
	}
	h.arena.Close(depth)
	h.frames = h.frames[:len(h.frames)-1]

	if h.hasPending {
		return nil, false
	}
	return result, true
}

func (h *Host) construct(ctor *object, args []any) (any, bool) {
	obj := h.alloc(kindObject)
	if p, ok := ctor.props["prototype"].(*object); ok {
		obj.proto = p
	}
	res, ok := h.invoke(ctor.fn, obj, args, ctor)
	if !ok {
		return nil, false
	}
	if r, isObj := res.(*object); isObj {
		return r, true
	}
	return obj, true
}

func (h *Host) frame(info abi.CallInfo) (*frame, abi.Status) {
	i := int(info) - 1
	if i < 0 || i >= len(h.frames) {
		return nil, abi.InvalidArg
	}
	return &h.frames[i], abi.OK
}

// Promise is the settle record of a host promise.
type Promise struct {
	mu      sync.Mutex
	state   PromiseState
	raw     any
	value   any
	settles int
	done    chan struct{}
}

// PromiseState is the state of a promise.
type PromiseState int

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	}
	return "pending"
}

// Done is closed when the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// State returns the current state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Value returns the exported fulfillment value or rejection reason.
func (p *Promise) Value() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Settles returns how many times resolve or reject was attempted.
func (p *Promise) Settles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settles
}

// Wait blocks until the promise settles or the timeout elapses.
func (p *Promise) Wait(timeout time.Duration) (PromiseState, any, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.state, p.value, nil
	case <-time.After(timeout):
		return Pending, nil, fmt.Errorf("hostsim: promise still pending after %v", timeout)
	}
}
