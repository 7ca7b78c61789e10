package quickjshost

import (
	"math"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

func (h *Host) GetUndefined(abi.Env) (abi.Value, abi.Status) { return h.handle(h.b.NewUndefined(h.ctx)) }
func (h *Host) GetNull(abi.Env) (abi.Value, abi.Status)      { return h.handle(h.b.NewNull(h.ctx)) }

func (h *Host) GetGlobal(abi.Env) (abi.Value, abi.Status) {
	return h.handle(h.b.GetGlobalObject(h.ctx, h.ctxPtr))
}

func (h *Host) GetBoolean(_ abi.Env, b bool) (abi.Value, abi.Status) {
	return h.handle(h.b.NewBool(h.ctx, b))
}

func (h *Host) CreateDouble(_ abi.Env, f float64) (abi.Value, abi.Status) {
	return h.handle(h.b.NewFloat64(h.ctx, f))
}

func (h *Host) CreateString(_ abi.Env, s string) (abi.Value, abi.Status) {
	return h.handle(h.b.NewString(h.ctx, h.ctxPtr, s))
}

func (h *Host) CreateObject(abi.Env) (abi.Value, abi.Status) {
	return h.handle(h.b.NewObject(h.ctx, h.ctxPtr))
}

func (h *Host) CreateArray(_ abi.Env, length int) (abi.Value, abi.Status) {
	if length < 0 {
		return 0, abi.InvalidArg
	}
	v, arr, st := h.result(h.b.NewArray(h.ctx, h.ctxPtr))
	if st != abi.OK || length == 0 {
		return v, st
	}
	if _, _, st := h.shimCall("setLength", arr, h.number(float64(length))); st != abi.OK {
		return 0, st
	}
	return v, abi.OK
}

func (h *Host) newError(ctor, code, msg string) (abi.Value, uint32, abi.Status) {
	c := h.undefined()
	if code != "" {
		c = h.text(code)
	}
	return h.shimCall("error", h.text(ctor), h.text(msg), c)
}

func (h *Host) CreateError(_ abi.Env, code, msg string) (abi.Value, abi.Status) {
	v, _, st := h.newError("Error", code, msg)
	return v, st
}

func (h *Host) TypeOf(_ abi.Env, v abi.Value) (abi.ValueType, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	return h.typeOf(p), abi.OK
}

func (h *Host) GetValueBool(_ abi.Env, v abi.Value) (bool, abi.Status) {
	p, ok := h.value(v)
	if !ok || h.typeOf(p) != abi.Boolean {
		return false, abi.BooleanExpected
	}
	b, err := h.b.ToBool(h.ctx, h.ctxPtr, p)
	if err != nil {
		return false, abi.GenericFailure
	}
	return b, abi.OK
}

func (h *Host) GetValueDouble(_ abi.Env, v abi.Value) (float64, abi.Status) {
	p, ok := h.value(v)
	if !ok || h.typeOf(p) != abi.Number {
		return math.NaN(), abi.NumberExpected
	}
	f, err := h.b.ToFloat64(h.ctx, h.ctxPtr, p)
	if err != nil {
		return math.NaN(), abi.GenericFailure
	}
	return f, abi.OK
}

func (h *Host) GetValueString(_ abi.Env, v abi.Value) (string, abi.Status) {
	p, ok := h.value(v)
	if !ok || h.typeOf(p) != abi.String {
		return "", abi.StringExpected
	}
	s, err := h.b.ToString(h.ctx, h.ctxPtr, p)
	if err != nil {
		return "", abi.GenericFailure
	}
	return s, abi.OK
}

func (h *Host) is(v abi.Value, kind string) (bool, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return false, abi.InvalidArg
	}
	r, err := h.b.Is(h.ctx, kind, p)
	if err != nil {
		return false, abi.GenericFailure
	}
	return r, abi.OK
}

func (h *Host) IsArray(_ abi.Env, v abi.Value) (bool, abi.Status) { return h.is(v, "array") }
func (h *Host) IsError(_ abi.Env, v abi.Value) (bool, abi.Status) { return h.is(v, "error") }

func (h *Host) IsPromise(_ abi.Env, v abi.Value) (bool, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return false, abi.InvalidArg
	}
	r, err := h.b.IsPromise(h.ctx, h.ctxPtr, p)
	if err != nil {
		return false, abi.GenericFailure
	}
	return r, abi.OK
}

func (h *Host) GetArrayLength(_ abi.Env, v abi.Value) (int, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return 0, abi.ArrayExpected
	}
	if arr, _ := h.b.Is(h.ctx, "array", p); !arr {
		return 0, abi.ArrayExpected
	}
	n, err := h.b.ToFloat64(h.ctx, h.ctxPtr, h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, "length")))
	if err != nil {
		return 0, abi.GenericFailure
	}
	return int(n), abi.OK
}

func (h *Host) GetElement(_ abi.Env, arr abi.Value, i int) (abi.Value, abi.Status) {
	p, st := h.object(arr)
	if st != abi.OK {
		return 0, st
	}
	if i < 0 {
		return 0, abi.InvalidArg
	}
	return h.handle(h.b.GetPropertyUint32(h.ctx, h.ctxPtr, p, uint32(i)))
}

func (h *Host) SetElement(_ abi.Env, arr abi.Value, i int, v abi.Value) abi.Status {
	p, st := h.object(arr)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok || i < 0 {
		return abi.InvalidArg
	}
	return h.setResult(h.b.SetPropertyUint32(h.ctx, h.ctxPtr, p, uint32(i), x))
}

// setResult maps a property store to a status, taking any exception.
func (h *Host) setResult(ok bool, err error) abi.Status {
	if err != nil {
		return abi.GenericFailure
	}
	if !ok {
		e, err := h.b.GetException(h.ctx, h.ctxPtr)
		if err != nil {
			return abi.GenericFailure
		}
		h.setPending(e)
		return abi.PendingException
	}
	return abi.OK
}

func (h *Host) GetNamedProperty(_ abi.Env, obj abi.Value, name string) (abi.Value, abi.Status) {
	p, ok := h.value(obj)
	if !ok {
		return 0, abi.InvalidArg
	}
	return h.handle(h.b.GetProperty(h.ctx, h.ctxPtr, p, name))
}

func (h *Host) SetNamedProperty(_ abi.Env, obj abi.Value, name string, v abi.Value) abi.Status {
	p, st := h.object(obj)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	return h.setResult(h.b.SetProperty(h.ctx, h.ctxPtr, p, name, x))
}

func (h *Host) GetPropertyNames(_ abi.Env, obj abi.Value) ([]string, abi.Status) {
	p, st := h.object(obj)
	if st != abi.OK {
		return nil, st
	}
	return h.keys(p), abi.OK
}

func (h *Host) StrictEquals(_ abi.Env, a, b abi.Value) (bool, abi.Status) {
	x, ok1 := h.value(a)
	y, ok2 := h.value(b)
	if !ok1 || !ok2 {
		return false, abi.InvalidArg
	}
	eq, err := h.b.StrictEquals(h.ctx, h.ctxPtr, x, y)
	if err != nil {
		return false, abi.GenericFailure
	}
	return eq, abi.OK
}

// function binds cb and returns a script function that dispatches to it.
func (h *Host) function(name string, cb abi.Callback, data uintptr) (abi.Value, uint32, abi.Status) {
	h.nextBinding++
	id := h.nextBinding
	h.bindings[id] = binding{cb: cb, data: data}
	return h.shimCall("bind", h.number(float64(id)), h.text(name))
}

func (h *Host) CreateFunction(_ abi.Env, name string, cb abi.Callback, data uintptr) (abi.Value, abi.Status) {
	if cb == nil {
		return 0, abi.InvalidArg
	}
	v, _, st := h.function(name, cb, data)
	return v, st
}

func (h *Host) GetCallbackInfo(_ abi.Env, info abi.CallInfo) (abi.CallbackInfo, abi.Status) {
	f, st := h.frame(info)
	if st != abi.OK {
		return abi.CallbackInfo{}, st
	}
	out := abi.CallbackInfo{
		This: h.arena.Push(h.dup(f.this)),
		Args: make([]abi.Value, len(f.args)),
		Data: f.data,
	}
	for i, a := range f.args {
		out.Args[i] = h.arena.Push(h.dup(a))
	}
	return out, abi.OK
}

// GetNewTarget returns 0 for a plain call.
func (h *Host) GetNewTarget(_ abi.Env, info abi.CallInfo) (abi.Value, abi.Status) {
	f, st := h.frame(info)
	if st != abi.OK {
		return 0, st
	}
	if f.newTarget == 0 {
		return 0, abi.OK
	}
	return h.arena.Push(h.dup(f.newTarget)), abi.OK
}

func (h *Host) args(raw []abi.Value) ([]uint32, abi.Status) {
	out := make([]uint32, len(raw))
	for i, r := range raw {
		p, ok := h.value(r)
		if !ok {
			return nil, abi.InvalidArg
		}
		out[i] = p
	}
	return out, abi.OK
}

func (h *Host) CallFunction(_ abi.Env, recv, fn abi.Value, args []abi.Value) (abi.Value, abi.Status) {
	f, ok := h.value(fn)
	if !ok {
		return 0, abi.InvalidArg
	}
	if h.typeOf(f) != abi.Function {
		return 0, abi.FunctionExpected
	}
	this := h.undefined()
	if recv != 0 {
		if this, ok = h.value(recv); !ok {
			return 0, abi.InvalidArg
		}
	}
	argv, st := h.args(args)
	if st != abi.OK {
		return 0, st
	}
	return h.handle(h.b.Call(h.ctx, h.ctxPtr, f, this, argv))
}

func (h *Host) NewInstance(_ abi.Env, ctor abi.Value, args []abi.Value) (abi.Value, abi.Status) {
	c, ok := h.value(ctor)
	if !ok {
		return 0, abi.InvalidArg
	}
	argv, st := h.args(args)
	if st != abi.OK {
		return 0, st
	}
	return h.handle(h.b.CallConstructor(h.ctx, h.ctxPtr, c, argv))
}

// DefineClass builds the constructor from the shim's binder, which passes
// new.target through so a plain call reaches the callback without one.
func (h *Host) DefineClass(_ abi.Env, name string, ctor abi.Callback, data uintptr, props []abi.PropertyDescriptor) (abi.Value, abi.Status) {
	if ctor == nil {
		return 0, abi.InvalidArg
	}
	v, c, st := h.function(name, ctor, data)
	if st != abi.OK {
		return 0, st
	}
	proto := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, c, "prototype"))
	if proto == 0 {
		return 0, abi.GenericFailure
	}
	var static, instance []abi.PropertyDescriptor
	for _, p := range props {
		if p.Attributes&abi.Static != 0 {
			static = append(static, p)
		} else {
			instance = append(instance, p)
		}
	}
	if st := h.define(proto, instance); st != abi.OK {
		return 0, st
	}
	if st := h.define(c, static); st != abi.OK {
		return 0, st
	}
	return v, abi.OK
}

func (h *Host) DefineProperties(_ abi.Env, obj abi.Value, props []abi.PropertyDescriptor) abi.Status {
	p, st := h.object(obj)
	if st != abi.OK {
		return st
	}
	return h.define(p, props)
}

func (h *Host) define(obj uint32, props []abi.PropertyDescriptor) abi.Status {
	for _, p := range props {
		value, get, set := h.undefined(), h.undefined(), h.undefined()
		switch {
		case p.Method != nil:
			_, fn, st := h.function(p.Name, p.Method, p.Data)
			if st != abi.OK {
				return st
			}
			value = fn
		case p.Getter != nil || p.Setter != nil:
			if p.Getter != nil {
				_, fn, st := h.function(p.Name, p.Getter, p.Data)
				if st != abi.OK {
					return st
				}
				get = fn
			}
			if p.Setter != nil {
				_, fn, st := h.function(p.Name, p.Setter, p.Data)
				if st != abi.OK {
					return st
				}
				set = fn
			}
		default:
			v, ok := h.value(p.Value)
			if !ok {
				return abi.InvalidArg
			}
			value = v
		}
		flags := float64(p.Attributes & (abi.Writable | abi.Enumerable | abi.Configurable))
		if _, _, st := h.shimCall("define", obj, h.text(p.Name), value, get, set, h.number(flags)); st != abi.OK {
			return st
		}
	}
	return abi.OK
}

// Wrap associates data with obj. The engine's finalization registry reports
// the collection on the host thread; teardown finalizes the rest with a null
// environment.
func (h *Host) Wrap(_ abi.Env, obj abi.Value, data uintptr, fin abi.Finalize, hint uintptr) (abi.Ref, abi.Status) {
	o, st := h.object(obj)
	if st != abi.OK {
		return 0, st
	}
	h.nextWrap++
	id := h.nextWrap
	_, added, st := h.shimCall("wrap", o, h.number(float64(id)))
	if st != abi.OK {
		return 0, st
	}
	if ok, _ := h.b.ToBool(h.ctx, h.ctxPtr, added); !ok {
		return 0, abi.InvalidArg
	}
	_, weakRef, st := h.shimCall("weak", o)
	if st != abi.OK {
		return 0, st
	}
	w := &wrapRecord{id: id, data: data, hint: hint, fin: fin}
	h.wraps[id] = w
	h.nextRef++
	h.refs[h.nextRef] = &reference{weakRef: h.dup(weakRef), object: true, wrap: w}
	return h.nextRef, abi.OK
}

func (h *Host) Unwrap(_ abi.Env, obj abi.Value) (uintptr, abi.Status) {
	o, st := h.object(obj)
	if st != abi.OK {
		return 0, st
	}
	_, idv, st := h.shimCall("unwrap", o)
	if st != abi.OK {
		return 0, st
	}
	id, _ := h.b.ToFloat64(h.ctx, h.ctxPtr, idv)
	if id < 0 {
		return 0, abi.InvalidArg
	}
	w, ok := h.wraps[uint64(id)]
	if !ok || w.done {
		return 0, abi.InvalidArg
	}
	return w.data, abi.OK
}

// deref returns the target of a weak reference, or 0 once it is collected.
func (h *Host) deref(r *reference) uint32 {
	_, t, st := h.shimCall("deref", r.weakRef)
	if st != abi.OK {
		return 0
	}
	if undef, _ := h.b.Is(h.ctx, "undefined", t); undef {
		return 0
	}
	return t
}

func (h *Host) CreateReference(_ abi.Env, v abi.Value, initial uint32) (abi.Ref, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	r := &reference{count: initial}
	if t := h.typeOf(p); t == abi.Object || t == abi.Function {
		_, weakRef, st := h.shimCall("weak", p)
		if st != abi.OK {
			return 0, st
		}
		r.object = true
		r.weakRef = h.dup(weakRef)
		if initial > 0 {
			r.strong = h.dup(p)
		}
	} else {
		r.strong = h.dup(p)
	}
	h.nextRef++
	h.refs[h.nextRef] = r
	return h.nextRef, abi.OK
}

// DeleteReference deletes ref. Deleting the reference of a wrapped object
// that is still alive cancels its finalizer.
func (h *Host) DeleteReference(_ abi.Env, ref abi.Ref) abi.Status {
	r, ok := h.refs[ref]
	if !ok {
		return abi.InvalidArg
	}
	delete(h.refs, ref)
	if w := r.wrap; w != nil && !w.done {
		w.done = true
		delete(h.wraps, w.id)
		if target := h.deref(r); target != 0 {
			_, _, _ = h.shimCall("forget", target)
		}
	}
	h.free(r.strong)
	h.free(r.weakRef)
	return abi.OK
}

func (h *Host) ReferenceRef(_ abi.Env, ref abi.Ref) (uint32, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	r.count++
	if r.count == 1 && r.object && r.strong == 0 {
		if t := h.deref(r); t != 0 {
			r.strong = h.dup(t)
		}
	}
	return r.count, abi.OK
}

func (h *Host) ReferenceUnref(_ abi.Env, ref abi.Ref) (uint32, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	if r.count == 0 {
		return 0, abi.GenericFailure
	}
	r.count--
	if r.count == 0 && r.object {
		h.free(r.strong)
		r.strong = 0
	}
	return r.count, abi.OK
}

// GetReferenceValue returns 0 once the target of a weak reference has been
// collected.
func (h *Host) GetReferenceValue(_ abi.Env, ref abi.Ref) (abi.Value, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	if r.strong != 0 {
		return h.arena.Push(h.dup(r.strong)), abi.OK
	}
	if r.object {
		if t := h.deref(r); t != 0 {
			return h.arena.Push(h.dup(t)), abi.OK
		}
	}
	return 0, abi.OK
}

func (h *Host) Throw(_ abi.Env, v abi.Value) abi.Status {
	p, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	h.setPending(h.dup(p))
	return abi.OK
}

func (h *Host) throwNew(ctor, code, msg string) abi.Status {
	_, e, st := h.newError(ctor, code, msg)
	if st != abi.OK {
		return st
	}
	h.setPending(h.dup(e))
	return abi.OK
}

func (h *Host) ThrowError(_ abi.Env, code, msg string) abi.Status {
	return h.throwNew("Error", code, msg)
}

func (h *Host) ThrowTypeError(_ abi.Env, code, msg string) abi.Status {
	return h.throwNew("TypeError", code, msg)
}

func (h *Host) IsExceptionPending(abi.Env) (bool, abi.Status) { return h.hasPending, abi.OK }

func (h *Host) GetAndClearLastException(abi.Env) (abi.Value, abi.Status) {
	exc, ok := h.takeException()
	if !ok {
		return h.handle(h.b.NewUndefined(h.ctx))
	}
	return h.arena.Push(exc), abi.OK
}

func (h *Host) CreatePromise(abi.Env) (abi.Deferred, abi.Value, abi.Status) {
	_, d, st := h.shimCall("deferred")
	if st != abi.OK {
		return 0, 0, st
	}
	promise, _, st := h.result(h.b.GetProperty(h.ctx, h.ctxPtr, d, "promise"))
	if st != abi.OK {
		return 0, 0, st
	}
	resolve := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, d, "resolve"))
	reject := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, d, "reject"))
	if resolve == 0 || reject == 0 {
		return 0, 0, abi.GenericFailure
	}
	h.nextDefer++
	h.deferreds[h.nextDefer] = &deferred{resolve: h.dup(resolve), reject: h.dup(reject)}
	return h.nextDefer, promise, abi.OK
}

// settle fails for an unknown or already settled deferred.
func (h *Host) settle(id abi.Deferred, v abi.Value, resolve bool) abi.Status {
	d, ok := h.deferreds[id]
	if !ok {
		return abi.GenericFailure
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	delete(h.deferreds, id)
	fn := d.reject
	if resolve {
		fn = d.resolve
	}
	_, st := h.handle(h.b.Call(h.ctx, h.ctxPtr, fn, h.undefined(), []uint32{x}))
	h.free(d.resolve)
	h.free(d.reject)
	return st
}

func (h *Host) ResolveDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, true)
}

func (h *Host) RejectDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, false)
}

func (h *Host) CreateThreadsafeFunction(_ abi.Env, fn abi.Value, name string, maxQueue int, context uintptr, fin abi.Finalize, call abi.ThreadsafeCall) (abi.ThreadsafeFunction, abi.Status) {
	var held uint32
	if fn != 0 {
		p, ok := h.value(fn)
		if !ok {
			return 0, abi.InvalidArg
		}
		if h.typeOf(p) != abi.Function {
			return 0, abi.FunctionExpected
		}
		held = h.dup(p)
	}
	id, st := h.queues.Create(held, held != 0, name, maxQueue, context, fin, call)
	if st != abi.OK {
		h.free(held)
	}
	return id, st
}

func (h *Host) CallThreadsafeFunction(id abi.ThreadsafeFunction, data uintptr, mode abi.ThreadsafeCallMode) abi.Status {
	return h.queues.Call(id, data, mode)
}

func (h *Host) ReleaseThreadsafeFunction(id abi.ThreadsafeFunction) abi.Status {
	return h.queues.Release(id)
}

func (h *Host) AddCleanupHook(_ abi.Env, fn func()) abi.Status {
	if fn == nil {
		return abi.InvalidArg
	}
	h.hooks = append(h.hooks, fn)
	return abi.OK
}

func (h *Host) IsHostThread(abi.Env) bool { return h.loop.OnLoop() }
