// Package gojahost runs the bridge on the pure-Go goja JavaScript engine.
//
// The engine is driven by one loop goroutine. Values handed to native code
// live in an arena scope that closes when the host call returns. Wrapped
// objects are tracked through weak pointers and runtime cleanups, so the
// native finalizer runs once Go's collector has proven the object
// unreachable from script.
package gojahost

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"weak"

	"github.com/dop251/goja"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/arena"
	"github.com/Gaurav-Gosain/jsbind/internal/loop"
	"github.com/Gaurav-Gosain/jsbind/internal/tsq"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("gojahost: host is closed")

type frame struct {
	this      goja.Value
	args      []goja.Value
	newTarget *goja.Object
	data      uintptr
}

type reference struct {
	strong goja.Value
	weak   weak.Pointer[goja.Object]
	object bool
	count  uint32
	wrap   *wrapRecord
}

type wrapRecord struct {
	id      uint64
	key     weak.Pointer[goja.Object]
	data    uintptr
	hint    uintptr
	fin     abi.Finalize
	cleanup runtime.Cleanup
	done    bool
}

type deferred struct {
	resolve func(goja.Value)
	reject  func(goja.Value)
	settled bool
}

// Host implements abi.Host over a goja runtime.
type Host struct {
	env    abi.Env
	rt     *goja.Runtime
	loop   *loop.Loop
	arena  *arena.Arena[goja.Value]
	queues *tsq.Registry[goja.Value]
	log    *zap.Logger
	flush  goja.Callable

	// Host-thread state.
	frames     []frame
	refs       map[abi.Ref]*reference
	nextRef    abi.Ref
	wraps      map[weak.Pointer[goja.Object]]*wrapRecord
	wrapIDs    map[uint64]*wrapRecord
	nextWrap   uint64
	deferreds  map[abi.Deferred]*deferred
	nextDefer  abi.Deferred
	exception  goja.Value
	hasPending bool
	hooks      []func()
	uncaught   []string

	finalized atomic.Int64
	teardown  chan error
}

var _ abi.Host = (*Host)(nil)

type options struct {
	log      *zap.Logger
	console  io.Writer
	maxStack int
}

// Option configures a Host.
type Option func(*options)

// WithLogger sets the logger for host events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithConsole installs console.log and console.error writing to w.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithMaxCallStackSize limits the script call stack depth.
func WithMaxCallStackSize(n int) Option {
	return func(o *options) { o.maxStack = n }
}

// New creates a host and starts its loop.
func New(opts ...Option) (*Host, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{
		env:       abi.NewEnv(),
		rt:        goja.New(),
		arena:     arena.New[goja.Value](nil),
		log:       o.log,
		refs:      make(map[abi.Ref]*reference),
		wraps:     make(map[weak.Pointer[goja.Object]]*wrapRecord),
		wrapIDs:   make(map[uint64]*wrapRecord),
		deferreds: make(map[abi.Deferred]*deferred),
		teardown:  make(chan error, 1),
	}
	if o.maxStack > 0 {
		h.rt.SetMaxCallStackSize(o.maxStack)
	}
	if o.console != nil {
		if err := h.installConsole(o.console); err != nil {
			return nil, err
		}
	}

	// Calling into the engine from Go runs queued promise jobs on the way out.
	noop, err := h.rt.RunString("(function () {})")
	if err != nil {
		return nil, fmt.Errorf("gojahost: %w", err)
	}
	h.flush, _ = goja.AssertFunction(noop)

	h.loop = loop.New(loop.WithAfterTask(h.runJobs))
	h.queues = tsq.New(tsq.Config[goja.Value]{
		Env:          h.env,
		Submit:       h.loop.Submit,
		OnLoop:       h.loop.OnLoop,
		Invoke:       h.invokeQueued,
		RunFinalizer: h.runQueueFinalizer,
		Logger:       h.log,
	})
	h.loop.Start()
	return h, nil
}

func (h *Host) installConsole(w io.Writer) error {
	console := h.rt.NewObject()
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, write); err != nil {
			return err
		}
	}
	return h.rt.Set("console", console)
}

func (h *Host) runJobs() {
	if h.flush != nil {
		_, _ = h.flush(goja.Undefined())
	}
}

// Env returns the environment identity of the host.
func (h *Host) Env() abi.Env { return h.env }

// Runtime returns the engine. It may only be used on the host thread.
func (h *Host) Runtime() *goja.Runtime { return h.rt }

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

// Eval runs a script on the host thread and exports its completion value.
// A thrown exception is returned as a *ScriptError.
func (h *Host) Eval(name, src string) (any, error) {
	var out any
	err := h.Do(func() error {
		v, err := h.rt.RunScript(name, src)
		if err != nil {
			return scriptError(err)
		}
		out = export(v)
		return nil
	})
	return out, err
}

// Await runs a script and, when it completes with a promise, waits for the
// promise to settle. A rejection is returned as a *ScriptError.
func (h *Host) Await(name, src string, timeout time.Duration) (any, error) {
	var p *goja.Promise
	var out any
	err := h.Do(func() error {
		v, err := h.rt.RunScript(name, src)
		if err != nil {
			return scriptError(err)
		}
		if o, ok := v.(*goja.Object); ok {
			p, _ = o.Export().(*goja.Promise)
		}
		if p == nil {
			out = export(v)
		}
		return nil
	})
	if err != nil || p == nil {
		return out, err
	}

	deadline := time.Now().Add(timeout)
	for {
		var state goja.PromiseState
		var rejected error
		if err := h.Do(func() error {
			switch state = p.State(); state {
			case goja.PromiseStateFulfilled:
				out = export(p.Result())
			case goja.PromiseStateRejected:
				rejected = thrown(p.Result())
			}
			return nil
		}); err != nil {
			return nil, err
		}
		switch state {
		case goja.PromiseStateFulfilled:
			return out, nil
		case goja.PromiseStateRejected:
			return nil, rejected
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("gojahost: %s still pending after %v", name, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// GC asks the Go collector to reclaim unreachable script objects. Wrap
// finalizers of collected objects are queued to the host thread.
func (h *Host) GC() {
	runtime.GC()
	runtime.GC()
}

// Finalized returns the number of wrap finalizers the host has run.
func (h *Host) Finalized() int { return int(h.finalized.Load()) }

// Wrapped returns the number of wrapped objects whose finalizer has not run.
// It must be called on the host thread.
func (h *Host) Wrapped() int { return len(h.wrapIDs) }

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

// Close tears the environment down: queued thread-safe calls are delivered
// with a null environment, remaining thread-safe functions and wrapped
// objects are finalized, cleanup hooks run in reverse order, and the loop
// stops. Panics raised by finalizers and hooks are collected into the
// returned error. Called on the host thread, Close does not wait.
func (h *Host) Close() error {
	if !h.queues.Close() {
		if !h.loop.OnLoop() {
			<-h.loop.Done()
		}
		return nil
	}
	if err := h.loop.Submit(func() { h.teardown <- h.tearDown() }); err != nil {
		return err
	}
	h.loop.Stop()
	if h.loop.OnLoop() {
		return nil
	}
	return <-h.teardown
}

func (h *Host) tearDown() (errs error) {
	depth := h.arena.Open()
	defer h.arena.Close(depth)

	pending := h.queues.Teardown()

	n := 0
	for _, w := range h.wrapIDs {
		if w.done {
			continue
		}
		n++
		errs = multierr.Append(errs, h.guard("finalizer", func() { h.finalizeWrap(w, 0) }))
	}

	for i := len(h.hooks) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, h.guard("cleanup hook", h.hooks[i]))
	}
	h.hooks = nil
	h.log.Debug("teardown", zap.Int("threadsafe_functions", pending), zap.Int("finalized", n))
	return errs
}

func (h *Host) guard(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gojahost: %s panicked: %v", what, r)
		}
	}()
	fn()
	return nil
}

func (h *Host) invokeQueued(f *tsq.Func[goja.Value], data uintptr) {
	depth := h.arena.Open()
	var fn abi.Value
	if v, ok := f.Fn(); ok {
		fn = h.arena.Push(v)
	}
	f.Dispatch(h.env, fn, data)
	h.arena.Close(depth)
	h.reportUncaught(f.Name())
}

func (h *Host) runQueueFinalizer(f *tsq.Func[goja.Value], env abi.Env) {
	depth := h.arena.Open()
	f.Finalize(env)
	h.arena.Close(depth)
}

func (h *Host) reportUncaught(where string) {
	exc, ok := h.takeException()
	if !ok {
		return
	}
	msg := where + ": " + describe(exc)
	h.uncaught = append(h.uncaught, msg)
	h.log.Warn("uncaught exception", zap.String("where", where), zap.String("exception", describe(exc)))
}

// onCollected runs on the runtime's cleanup goroutine.
func (h *Host) onCollected(id uint64) {
	err := h.loop.Submit(func() {
		if w, ok := h.wrapIDs[id]; ok {
			h.finalizeWrap(w, h.env)
		}
	})
	if err != nil {
		h.log.Debug("wrap collected after teardown", zap.Uint64("id", id))
	}
}

func (h *Host) finalizeWrap(w *wrapRecord, env abi.Env) {
	if w.done {
		return
	}
	w.done = true
	w.cleanup.Stop()
	delete(h.wraps, w.key)
	delete(h.wrapIDs, w.id)
	if w.fin == nil {
		return
	}
	depth := h.arena.Open()
	defer h.arena.Close(depth)
	h.finalized.Add(1)
	w.fin(env, w.data, w.hint)
}

func (h *Host) value(v abi.Value) (goja.Value, bool) {
	if v == 0 {
		return nil, false
	}
	return h.arena.Get(v)
}

func (h *Host) object(v abi.Value) (*goja.Object, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return nil, abi.InvalidArg
	}
	o, ok := x.(*goja.Object)
	if !ok {
		return nil, abi.ObjectExpected
	}
	return o, abi.OK
}

func (h *Host) push(v goja.Value) (abi.Value, abi.Status) {
	if v == nil {
		v = goja.Undefined()
	}
	return h.arena.Push(v), abi.OK
}

func (h *Host) throw(v goja.Value) {
	h.exception = v
	h.hasPending = true
}

func (h *Host) takeException() (goja.Value, bool) {
	if !h.hasPending {
		return nil, false
	}
	exc := h.exception
	h.exception = nil
	h.hasPending = false
	return exc, true
}

// fail records err as the pending exception when it is a script exception.
func (h *Host) fail(err error) abi.Status {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		h.throw(ex.Value())
		return abi.PendingException
	}
	h.log.Debug("host call failed", zap.Error(err))
	return abi.GenericFailure
}

// try runs fn, turning a thrown script exception into a pending one.
func (h *Host) try(fn func()) (st abi.Status) {
	defer func() {
		if r := recover(); r != nil {
			switch r := r.(type) {
			case *goja.Exception:
				h.throw(r.Value())
			case goja.Value:
				h.throw(r)
			default:
				panic(r)
			}
			st = abi.PendingException
		}
	}()
	fn()
	return abi.OK
}

// invoke runs a native callback for a script call. A pending exception is
// rethrown into the engine, which accepts a panicking value as a throw.
func (h *Host) invoke(cb abi.Callback, data uintptr, this goja.Value, args []goja.Value, newTarget *goja.Object) goja.Value {
	h.frames = append(h.frames, frame{this: this, args: args, newTarget: newTarget, data: data})
	depth := h.arena.Open()
	raw := cb(h.env, abi.CallInfo(len(h.frames)))
	result := goja.Undefined()
	if v, ok := h.arena.Get(raw); ok && raw != 0 {
		result = v
	}
	h.arena.Close(depth)
	h.frames = h.frames[:len(h.frames)-1]

	if exc, ok := h.takeException(); ok {
		panic(exc)
	}
	return result
}

func (h *Host) frame(info abi.CallInfo) (*frame, abi.Status) {
	i := int(info) - 1
	if i < 0 || i >= len(h.frames) {
		return nil, abi.InvalidArg
	}
	return &h.frames[i], abi.OK
}
