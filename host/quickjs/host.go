// Package quickjshost runs the bridge on QuickJS-ng compiled to WebAssembly
// and executed by wazero.
//
// Every engine value is a boxed pointer into the module heap. Handles given
// to native code own one box each and are freed when their arena scope
// closes. A small script shim supplies what the module's C API does not
// expose: this and new.target for native functions, wrap bookkeeping through
// a WeakMap with a FinalizationRegistry, weak references and promise
// capabilities.
package quickjshost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/arena"
	"github.com/Gaurav-Gosain/jsbind/internal/loop"
	"github.com/Gaurav-Gosain/jsbind/internal/qjs"
	"github.com/Gaurav-Gosain/jsbind/internal/tsq"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("quickjshost: host is closed")

// collected is the binding id the finalization registry reports with.
const collected = 0

const shimSource = `(function (call) {
	"use strict";
	const wraps = new WeakMap();
	const registry = new FinalizationRegistry((id) => call(0, undefined, undefined, id));
	return {
		bind(id, name) {
			const f = function (...args) { return call(id, this, new.target, ...args); };
			Object.defineProperty(f, "name", { value: name });
			return f;
		},
		wrap(obj, id) {
			if (wraps.has(obj)) return false;
			wraps.set(obj, id);
			registry.register(obj, id, obj);
			return true;
		},
		unwrap(obj) { return wraps.has(obj) ? wraps.get(obj) : -1; },
		forget(obj) { wraps.delete(obj); registry.unregister(obj); },
		weak(obj) { return new WeakRef(obj); },
		deref(ref) { return ref.deref(); },
		error(ctor, message, code) {
			const e = new globalThis[ctor](message);
			if (code) e.code = code;
			return e;
		},
		deferred() {
			const d = {};
			d.promise = new Promise((resolve, reject) => { d.resolve = resolve; d.reject = reject; });
			return d;
		},
		watch(p) {
			const r = { state: 0, value: undefined };
			p.then((v) => { r.state = 1; r.value = v; }, (e) => { r.state = 2; r.value = e; });
			return r;
		},
		keys(obj) { return Object.keys(obj); },
		setLength(arr, n) { arr.length = n; },
		define(obj, name, value, get, set, flags) {
			const d = { enumerable: (flags & 2) !== 0, configurable: (flags & 4) !== 0 };
			if (get !== undefined || set !== undefined) {
				d.get = get;
				d.set = set;
			} else {
				d.value = value;
				d.writable = (flags & 1) !== 0;
			}
			Object.defineProperty(obj, name, d);
		},
	};
})`

type binding struct {
	cb   abi.Callback
	data uintptr
}

type frame struct {
	this      uint32
	args      []uint32
	newTarget uint32
	data      uintptr
}

// reference owns its strong and weak boxes.
type reference struct {
	strong  uint32
	weakRef uint32
	object  bool
	count   uint32
	wrap    *wrapRecord
}

type wrapRecord struct {
	id   uint64
	data uintptr
	hint uintptr
	fin  abi.Finalize
	done bool
}

type deferred struct {
	resolve uint32
	reject  uint32
}

// Host implements abi.Host over a QuickJS-ng module.
type Host struct {
	env    abi.Env
	ctx    context.Context
	loop   *loop.Loop
	arena  *arena.Arena[uint32]
	queues *tsq.Registry[uint32]
	log    *zap.Logger

	// Host-thread state.
	b           *qjs.Bridge
	rtPtr       uint32
	ctxPtr      uint32
	shim        uint32
	callID      uint32
	bindings    map[uint32]binding
	nextBinding uint32
	frames      []frame
	refs        map[abi.Ref]*reference
	nextRef     abi.Ref
	wraps       map[uint64]*wrapRecord
	nextWrap    uint64
	deferreds   map[abi.Deferred]*deferred
	nextDefer   abi.Deferred
	exception   uint32
	hasPending  bool
	hooks       []func()
	uncaught    []string

	finalized atomic.Int64
	teardown  chan error
}

var _ abi.Host = (*Host)(nil)

type options struct {
	log         *zap.Logger
	wasm        []byte
	path        string
	console     io.Writer
	memoryLimit uint32
	maxStack    uint32
}

// Option configures a Host.
type Option func(*options)

// WithLogger sets the logger for host events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithModule supplies the QuickJS-ng WebAssembly module.
func WithModule(wasm []byte) Option {
	return func(o *options) { o.wasm = wasm }
}

// WithModulePath reads the module from path. Without WithModule or
// WithModulePath the module is read from $JSBIND_QUICKJS_WASM.
func WithModulePath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithConsole sends console output to w instead of the logger.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithMemoryLimit caps the engine heap in bytes.
func WithMemoryLimit(n uint32) Option {
	return func(o *options) { o.memoryLimit = n }
}

// WithMaxStackSize caps the engine stack in bytes.
func WithMaxStackSize(n uint32) Option {
	return func(o *options) { o.maxStack = n }
}

// New loads the module, creates a runtime and context, and starts the loop.
func New(opts ...Option) (*Host, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	wasm := o.wasm
	if wasm == nil {
		var err error
		if wasm, err = qjs.ReadModule(o.path); err != nil {
			return nil, err
		}
	}

	h := &Host{
		env:       abi.NewEnv(),
		ctx:       context.Background(),
		log:       o.log,
		bindings:  make(map[uint32]binding),
		refs:      make(map[abi.Ref]*reference),
		wraps:     make(map[uint64]*wrapRecord),
		deferreds: make(map[abi.Deferred]*deferred),
		teardown:  make(chan error, 1),
	}
	h.arena = arena.New(h.free)
	h.loop = loop.New(loop.WithAfterTask(h.runJobs), loop.WithExit(h.release))
	h.queues = tsq.New(tsq.Config[uint32]{
		Env:          h.env,
		Submit:       h.loop.Submit,
		OnLoop:       h.loop.OnLoop,
		Invoke:       h.invokeQueued,
		RunFinalizer: h.runQueueFinalizer,
		Logger:       h.log,
	})
	h.loop.Start()
	if err := h.loop.Do(func() error { return h.boot(wasm, o) }); err != nil {
		h.loop.Stop()
		<-h.loop.Done()
		return nil, err
	}
	return h, nil
}

func (h *Host) boot(wasm []byte, o options) error {
	b, err := qjs.New(h.ctx, wasm)
	if err != nil {
		return fmt.Errorf("quickjshost: %w", err)
	}
	h.b = b
	if o.console != nil {
		b.SetLogFunc(func(msg string) { _, _ = io.WriteString(o.console, msg) })
	} else {
		b.SetLogFunc(func(msg string) { h.log.Info("console", zap.String("message", msg)) })
	}
	if h.rtPtr, err = b.NewRuntime(h.ctx); err != nil {
		return fmt.Errorf("quickjshost: %w", err)
	}
	if o.memoryLimit > 0 {
		if err := b.SetMemoryLimit(h.ctx, h.rtPtr, o.memoryLimit); err != nil {
			return err
		}
	}
	if o.maxStack > 0 {
		if err := b.SetMaxStackSize(h.ctx, h.rtPtr, o.maxStack); err != nil {
			return err
		}
	}
	if h.ctxPtr, err = b.NewContext(h.ctx, h.rtPtr); err != nil {
		return fmt.Errorf("quickjshost: %w", err)
	}

	depth := h.arena.Open()
	defer h.arena.Close(depth)
	h.callID = b.RegisterGoFunc(h.dispatch)
	call, _, st := h.result(b.NewCFunction(h.ctx, h.ctxPtr, h.callID, "__jsbind_call", -1))
	if st != abi.OK {
		return fmt.Errorf("quickjshost: create dispatcher: %v", st)
	}
	_, factory, st := h.result(b.Eval(h.ctx, h.ctxPtr, shimSource, "<jsbind>"))
	if st != abi.OK {
		return fmt.Errorf("quickjshost: load shim: %v", st)
	}
	callPtr, _ := h.arena.Get(call)
	shim, err := b.Call(h.ctx, h.ctxPtr, factory, h.undefined(), []uint32{callPtr})
	if err != nil {
		return fmt.Errorf("quickjshost: %w", err)
	}
	_, shimPtr, st := h.result(shim, nil)
	if st != abi.OK {
		return fmt.Errorf("quickjshost: build shim: %v", st)
	}
	h.shim = h.dup(shimPtr)
	return nil
}

// free releases a box. It is the arena's release function.
func (h *Host) free(p uint32) {
	if p != 0 && h.b != nil {
		_ = h.b.FreeValue(h.ctx, h.ctxPtr, p)
	}
}

func (h *Host) dup(p uint32) uint32 {
	d, err := h.b.DupValue(h.ctx, h.ctxPtr, p)
	if err != nil {
		h.log.Debug("dup failed", zap.Error(err))
		return 0
	}
	return d
}

func (h *Host) runJobs() {
	if h.rtPtr == 0 {
		return
	}
	depth := h.arena.Open()
	defer h.arena.Close(depth)
	for {
		n, err := h.b.ExecutePendingJobs(h.ctx, h.rtPtr)
		if err != nil {
			h.log.Error("pending jobs", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}
		if n < 0 {
			if e, err := h.b.GetException(h.ctx, h.ctxPtr); err == nil {
				h.setPending(e)
				h.reportUncaught("job")
			}
		}
	}
}

// release frees the engine when the loop exits.
func (h *Host) release() {
	if h.b == nil {
		return
	}
	for _, r := range h.refs {
		h.free(r.strong)
		h.free(r.weakRef)
	}
	for _, d := range h.deferreds {
		h.free(d.resolve)
		h.free(d.reject)
	}
	if h.hasPending {
		h.free(h.exception)
	}
	h.free(h.shim)
	h.refs, h.deferreds = nil, nil

	var errs error
	if h.ctxPtr != 0 {
		errs = multierr.Append(errs, h.b.FreeContext(h.ctx, h.ctxPtr))
	}
	if h.rtPtr != 0 {
		errs = multierr.Append(errs, h.b.FreeRuntime(h.ctx, h.rtPtr))
	}
	errs = multierr.Append(errs, h.b.Close(h.ctx))
	if errs != nil {
		h.log.Warn("engine release", zap.Error(errs))
	}
	h.b, h.rtPtr, h.ctxPtr = nil, 0, 0
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
		if exc, ok := h.takeException(); ok {
			h.arena.Push(exc)
			if err == nil {
				err = fmt.Errorf("uncaught exception: %s", h.describe(exc))
			}
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

// Eval runs a script and exports its completion value. A thrown exception
// is returned as a *ScriptError.
func (h *Host) Eval(name, src string) (any, error) {
	var out any
	err := h.Do(func() error {
		_, v, err := h.eval(name, src)
		if err != nil {
			return err
		}
		out = h.export(v, 0)
		return nil
	})
	return out, err
}

func (h *Host) eval(name, src string) (abi.Value, uint32, error) {
	hv, v, st := h.result(h.b.Eval(h.ctx, h.ctxPtr, src, name))
	switch st {
	case abi.OK:
		return hv, v, nil
	case abi.PendingException:
		exc, _ := h.takeException()
		h.arena.Push(exc)
		return 0, 0, h.thrown(exc)
	}
	return 0, 0, fmt.Errorf("quickjshost: eval %s: %v", name, st)
}

// Await runs a script and, when it completes with a promise, waits for the
// promise to settle. A rejection is returned as a *ScriptError.
func (h *Host) Await(name, src string, timeout time.Duration) (any, error) {
	var watch uint32
	var out any
	err := h.Do(func() error {
		_, v, err := h.eval(name, src)
		if err != nil {
			return err
		}
		if ok, _ := h.b.IsPromise(h.ctx, h.ctxPtr, v); !ok {
			out = h.export(v, 0)
			return nil
		}
		_, w, st := h.shimCall("watch", v)
		if st != abi.OK {
			return fmt.Errorf("quickjshost: watch %s: %v", name, st)
		}
		watch = h.dup(w)
		return nil
	})
	if err != nil || watch == 0 {
		return out, err
	}
	defer func() { _ = h.loop.Do(func() error { h.free(watch); return nil }) }()

	deadline := time.Now().Add(timeout)
	for {
		var state float64
		var rejected error
		if err := h.Do(func() error {
			state, _ = h.b.ToFloat64(h.ctx, h.ctxPtr, h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, watch, "state")))
			if state == 0 {
				return nil
			}
			value := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, watch, "value"))
			if state == 1 {
				out = h.export(value, 0)
			} else {
				rejected = h.thrown(value)
			}
			return nil
		}); err != nil {
			return nil, err
		}
		switch state {
		case 1:
			return out, nil
		case 2:
			return nil, rejected
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("quickjshost: %s still pending after %v", name, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// GC runs the engine's collector. Finalizers of collected wrapped objects
// run right after on the host thread.
func (h *Host) GC() error {
	return h.Do(func() error { return h.b.RunGC(h.ctx, h.rtPtr) })
}

// Finalized returns the number of wrap finalizers the host has run.
func (h *Host) Finalized() int { return int(h.finalized.Load()) }

// Uncaught returns the messages of exceptions that escaped thread-safe
// calls, promise jobs and teardown.
func (h *Host) Uncaught() []string {
	var out []string
	_ = h.loop.Do(func() error {
		out = append(out, h.uncaught...)
		return nil
	})
	return out
}

// Close tears the environment down the same way every host does: queued
// thread-safe calls are delivered with a null environment, remaining
// functions and wrapped objects are finalized, cleanup hooks run in reverse
// order, then the engine is freed. Called on the host thread, Close does not
// wait.
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
	err := <-h.teardown
	<-h.loop.Done()
	return err
}

func (h *Host) tearDown() (errs error) {
	depth := h.arena.Open()
	defer h.arena.Close(depth)

	pending := h.queues.Teardown()
	n := 0
	for _, w := range h.wraps {
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
			err = fmt.Errorf("quickjshost: %s panicked: %v", what, r)
		}
	}()
	fn()
	return nil
}

// dispatch is the single native entry point. Script passes the binding id,
// this and new.target ahead of the call's arguments.
func (h *Host) dispatch(ctxPtr uint32, raw []uint32) uint32 {
	depth := h.arena.Open()
	defer h.arena.Close(depth)
	if len(raw) < 3 {
		return h.dup(h.undefined())
	}
	id, _ := h.b.ToFloat64(h.ctx, ctxPtr, raw[0])
	if id == collected {
		if len(raw) > 3 {
			wid, _ := h.b.ToFloat64(h.ctx, ctxPtr, raw[3])
			if w, ok := h.wraps[uint64(wid)]; ok {
				h.finalizeWrap(w, h.env)
			}
		}
		return h.dup(h.undefined())
	}
	bnd, ok := h.bindings[uint32(id)]
	if !ok {
		return h.dup(h.undefined())
	}

	f := frame{this: h.keep(h.dup(raw[1])), data: bnd.data}
	if undef, _ := h.b.Is(h.ctx, "undefined", raw[2]); !undef {
		f.newTarget = h.keep(h.dup(raw[2]))
	}
	for _, a := range raw[3:] {
		f.args = append(f.args, h.keep(h.dup(a)))
	}
	h.frames = append(h.frames, f)
	res := bnd.cb(h.env, abi.CallInfo(len(h.frames)))
	h.frames = h.frames[:len(h.frames)-1]

	if exc, ok := h.takeException(); ok {
		marker, err := h.b.Throw(h.ctx, ctxPtr, exc)
		if err != nil {
			h.log.Error("rethrow failed", zap.Error(err))
			return h.dup(h.undefined())
		}
		return marker
	}
	if p, ok := h.arena.Get(res); ok && res != 0 {
		return h.dup(p)
	}
	return h.dup(h.undefined())
}

func (h *Host) frame(info abi.CallInfo) (*frame, abi.Status) {
	i := int(info) - 1
	if i < 0 || i >= len(h.frames) {
		return nil, abi.InvalidArg
	}
	return &h.frames[i], abi.OK
}

func (h *Host) invokeQueued(f *tsq.Func[uint32], data uintptr) {
	depth := h.arena.Open()
	var fn abi.Value
	if p, ok := f.Fn(); ok {
		fn = h.arena.Push(h.dup(p))
	}
	f.Dispatch(h.env, fn, data)
	h.arena.Close(depth)
	h.reportUncaught(f.Name())
}

// runQueueFinalizer also drops the function box the queue held.
func (h *Host) runQueueFinalizer(f *tsq.Func[uint32], env abi.Env) {
	depth := h.arena.Open()
	f.Finalize(env)
	h.arena.Close(depth)
	if p, ok := f.Fn(); ok {
		h.free(p)
	}
}

func (h *Host) reportUncaught(where string) {
	exc, ok := h.takeException()
	if !ok {
		return
	}
	depth := h.arena.Open()
	defer h.arena.Close(depth)
	h.arena.Push(exc)
	msg := h.describe(exc)
	h.uncaught = append(h.uncaught, where+": "+msg)
	h.log.Warn("uncaught exception", zap.String("where", where), zap.String("exception", msg))
}

func (h *Host) finalizeWrap(w *wrapRecord, env abi.Env) {
	if w.done {
		return
	}
	w.done = true
	delete(h.wraps, w.id)
	if w.fin == nil {
		return
	}
	depth := h.arena.Open()
	defer h.arena.Close(depth)
	h.finalized.Add(1)
	w.fin(env, w.data, w.hint)
}
