package gojahost

import (
	"math"
	"runtime"
	"strconv"
	"weak"

	"github.com/dop251/goja"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

func (h *Host) GetUndefined(abi.Env) (abi.Value, abi.Status) { return h.push(goja.Undefined()) }
func (h *Host) GetNull(abi.Env) (abi.Value, abi.Status)      { return h.push(goja.Null()) }
func (h *Host) GetGlobal(abi.Env) (abi.Value, abi.Status)    { return h.push(h.rt.GlobalObject()) }

func (h *Host) GetBoolean(_ abi.Env, b bool) (abi.Value, abi.Status) {
	return h.push(h.rt.ToValue(b))
}

func (h *Host) CreateDouble(_ abi.Env, f float64) (abi.Value, abi.Status) {
	return h.push(h.rt.ToValue(f))
}

func (h *Host) CreateString(_ abi.Env, s string) (abi.Value, abi.Status) {
	return h.push(h.rt.ToValue(s))
}

func (h *Host) CreateObject(abi.Env) (abi.Value, abi.Status) { return h.push(h.rt.NewObject()) }

func (h *Host) CreateArray(_ abi.Env, length int) (abi.Value, abi.Status) {
	if length < 0 {
		return 0, abi.InvalidArg
	}
	arr := h.rt.NewArray()
	if err := arr.Set("length", length); err != nil {
		return 0, h.fail(err)
	}
	return h.push(arr)
}

func (h *Host) newError(ctor, code, msg string) (*goja.Object, abi.Status) {
	var obj *goja.Object
	var err error
	if st := h.try(func() { obj, err = h.rt.New(h.rt.Get(ctor), h.rt.ToValue(msg)) }); st != abi.OK {
		return nil, st
	}
	if err != nil {
		return nil, h.fail(err)
	}
	if code != "" {
		if err := obj.Set("code", code); err != nil {
			return nil, h.fail(err)
		}
	}
	return obj, abi.OK
}

func (h *Host) CreateError(_ abi.Env, code, msg string) (abi.Value, abi.Status) {
	obj, st := h.newError("Error", code, msg)
	if st != abi.OK {
		return 0, st
	}
	return h.push(obj)
}

func (h *Host) TypeOf(_ abi.Env, v abi.Value) (abi.ValueType, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	return typeOf(x), abi.OK
}

func (h *Host) GetValueBool(_ abi.Env, v abi.Value) (bool, abi.Status) {
	x, ok := h.value(v)
	if !ok || typeOf(x) != abi.Boolean {
		return false, abi.BooleanExpected
	}
	return x.ToBoolean(), abi.OK
}

func (h *Host) GetValueDouble(_ abi.Env, v abi.Value) (float64, abi.Status) {
	x, ok := h.value(v)
	if !ok || typeOf(x) != abi.Number {
		return math.NaN(), abi.NumberExpected
	}
	return x.ToFloat(), abi.OK
}

func (h *Host) GetValueString(_ abi.Env, v abi.Value) (string, abi.Status) {
	x, ok := h.value(v)
	if !ok || typeOf(x) != abi.String {
		return "", abi.StringExpected
	}
	return x.String(), abi.OK
}

func (h *Host) class(v abi.Value, name string) (bool, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return false, abi.InvalidArg
	}
	o, ok := x.(*goja.Object)
	return ok && o.ClassName() == name, abi.OK
}

func (h *Host) IsArray(_ abi.Env, v abi.Value) (bool, abi.Status) { return h.class(v, "Array") }
func (h *Host) IsError(_ abi.Env, v abi.Value) (bool, abi.Status) { return h.class(v, "Error") }

func (h *Host) IsPromise(_ abi.Env, v abi.Value) (bool, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return false, abi.InvalidArg
	}
	o, ok := x.(*goja.Object)
	if !ok {
		return false, abi.OK
	}
	_, ok = o.Export().(*goja.Promise)
	return ok, abi.OK
}

func (h *Host) GetArrayLength(_ abi.Env, v abi.Value) (int, abi.Status) {
	o, st := h.object(v)
	if st != abi.OK || o.ClassName() != "Array" {
		return 0, abi.ArrayExpected
	}
	return int(o.Get("length").ToInteger()), abi.OK
}

func (h *Host) get(o *goja.Object, name string) (abi.Value, abi.Status) {
	var v goja.Value
	if st := h.try(func() { v = o.Get(name) }); st != abi.OK {
		return 0, st
	}
	return h.push(v)
}

func (h *Host) GetElement(_ abi.Env, arr abi.Value, i int) (abi.Value, abi.Status) {
	o, st := h.object(arr)
	if st != abi.OK {
		return 0, st
	}
	return h.get(o, strconv.Itoa(i))
}

func (h *Host) SetElement(_ abi.Env, arr abi.Value, i int, v abi.Value) abi.Status {
	o, st := h.object(arr)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	if err := o.Set(strconv.Itoa(i), x); err != nil {
		return h.fail(err)
	}
	return abi.OK
}

func (h *Host) GetNamedProperty(_ abi.Env, obj abi.Value, name string) (abi.Value, abi.Status) {
	x, ok := h.value(obj)
	if !ok {
		return 0, abi.InvalidArg
	}
	var o *goja.Object
	if st := h.try(func() { o = x.ToObject(h.rt) }); st != abi.OK {
		return 0, st
	}
	return h.get(o, name)
}

func (h *Host) SetNamedProperty(_ abi.Env, obj abi.Value, name string, v abi.Value) abi.Status {
	o, st := h.object(obj)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	if err := o.Set(name, x); err != nil {
		return h.fail(err)
	}
	return abi.OK
}

func (h *Host) GetPropertyNames(_ abi.Env, obj abi.Value) ([]string, abi.Status) {
	o, st := h.object(obj)
	if st != abi.OK {
		return nil, st
	}
	return o.Keys(), abi.OK
}

func (h *Host) StrictEquals(_ abi.Env, a, b abi.Value) (bool, abi.Status) {
	x, ok1 := h.value(a)
	y, ok2 := h.value(b)
	if !ok1 || !ok2 {
		return false, abi.InvalidArg
	}
	return x.StrictEquals(y), abi.OK
}

func (h *Host) function(name string, cb abi.Callback, data uintptr) *goja.Object {
	fn := h.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		return h.invoke(cb, data, call.This, call.Arguments, nil)
	}).(*goja.Object)
	_ = fn.DefineDataProperty("name", h.rt.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return fn
}

func (h *Host) CreateFunction(_ abi.Env, name string, cb abi.Callback, data uintptr) (abi.Value, abi.Status) {
	if cb == nil {
		return 0, abi.InvalidArg
	}
	return h.push(h.function(name, cb, data))
}

func (h *Host) GetCallbackInfo(_ abi.Env, info abi.CallInfo) (abi.CallbackInfo, abi.Status) {
	f, st := h.frame(info)
	if st != abi.OK {
		return abi.CallbackInfo{}, st
	}
	this, _ := h.push(f.this)
	args := make([]abi.Value, len(f.args))
	for i, a := range f.args {
		args[i], _ = h.push(a)
	}
	return abi.CallbackInfo{This: this, Args: args, Data: f.data}, abi.OK
}

// GetNewTarget returns 0 for a plain call.
func (h *Host) GetNewTarget(_ abi.Env, info abi.CallInfo) (abi.Value, abi.Status) {
	f, st := h.frame(info)
	if st != abi.OK {
		return 0, st
	}
	if f.newTarget == nil {
		return 0, abi.OK
	}
	return h.push(f.newTarget)
}

func (h *Host) args(raw []abi.Value) ([]goja.Value, abi.Status) {
	out := make([]goja.Value, len(raw))
	for i, r := range raw {
		v, ok := h.value(r)
		if !ok {
			return nil, abi.InvalidArg
		}
		out[i] = v
	}
	return out, abi.OK
}

func (h *Host) CallFunction(_ abi.Env, recv, fn abi.Value, args []abi.Value) (abi.Value, abi.Status) {
	f, ok := h.value(fn)
	if !ok {
		return 0, abi.InvalidArg
	}
	callable, ok := goja.AssertFunction(f)
	if !ok {
		return 0, abi.FunctionExpected
	}
	this := goja.Undefined()
	if recv != 0 {
		if this, ok = h.value(recv); !ok {
			return 0, abi.InvalidArg
		}
	}
	argv, st := h.args(args)
	if st != abi.OK {
		return 0, st
	}
	out, err := callable(this, argv...)
	if err != nil {
		return 0, h.fail(err)
	}
	return h.push(out)
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
	obj, err := h.rt.New(c, argv...)
	if err != nil {
		return 0, h.fail(err)
	}
	return h.push(obj)
}

// DefineClass creates a constructor. Invoked without new it still reaches
// the callback, with no new.target, so the bridge can reject the call.
func (h *Host) DefineClass(_ abi.Env, name string, ctor abi.Callback, data uintptr, props []abi.PropertyDescriptor) (abi.Value, abi.Status) {
	if ctor == nil {
		return 0, abi.InvalidArg
	}
	c := h.rt.ToValue(func(call goja.ConstructorCall) *goja.Object {
		var this goja.Value = goja.Undefined()
		if call.This != nil {
			this = call.This
		}
		res := h.invoke(ctor, data, this, call.Arguments, call.NewTarget)
		if o, ok := res.(*goja.Object); ok {
			return o
		}
		return nil
	}).(*goja.Object)
	_ = c.DefineDataProperty("name", h.rt.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)

	proto, ok := c.Get("prototype").(*goja.Object)
	if !ok {
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
	return h.push(c)
}

func (h *Host) DefineProperties(_ abi.Env, obj abi.Value, props []abi.PropertyDescriptor) abi.Status {
	o, st := h.object(obj)
	if st != abi.OK {
		return st
	}
	return h.define(o, props)
}

func (h *Host) define(o *goja.Object, props []abi.PropertyDescriptor) abi.Status {
	for _, p := range props {
		writable := flag(p.Attributes&abi.Writable != 0)
		enumerable := flag(p.Attributes&abi.Enumerable != 0)
		configurable := flag(p.Attributes&abi.Configurable != 0)

		var err error
		switch {
		case p.Method != nil:
			err = o.DefineDataProperty(p.Name, h.function(p.Name, p.Method, p.Data), writable, configurable, enumerable)
		case p.Getter != nil || p.Setter != nil:
			var get, set goja.Value
			if p.Getter != nil {
				get = h.function(p.Name, p.Getter, p.Data)
			}
			if p.Setter != nil {
				set = h.function(p.Name, p.Setter, p.Data)
			}
			err = o.DefineAccessorProperty(p.Name, get, set, configurable, enumerable)
		default:
			v, ok := h.value(p.Value)
			if !ok {
				return abi.InvalidArg
			}
			err = o.DefineDataProperty(p.Name, v, writable, configurable, enumerable)
		}
		if err != nil {
			return h.fail(err)
		}
	}
	return abi.OK
}

// Wrap associates data with obj. The finalizer runs on the host thread after
// the collector reclaims obj, or at teardown with a null environment.
func (h *Host) Wrap(_ abi.Env, obj abi.Value, data uintptr, fin abi.Finalize, hint uintptr) (abi.Ref, abi.Status) {
	o, st := h.object(obj)
	if st != abi.OK {
		return 0, st
	}
	key := weak.Make(o)
	if _, dup := h.wraps[key]; dup {
		return 0, abi.InvalidArg
	}
	h.nextWrap++
	w := &wrapRecord{id: h.nextWrap, key: key, data: data, hint: hint, fin: fin}
	w.cleanup = runtime.AddCleanup(o, h.onCollected, w.id)
	h.wraps[key] = w
	h.wrapIDs[w.id] = w

	h.nextRef++
	h.refs[h.nextRef] = &reference{weak: key, object: true, wrap: w}
	return h.nextRef, abi.OK
}

func (h *Host) Unwrap(_ abi.Env, obj abi.Value) (uintptr, abi.Status) {
	o, st := h.object(obj)
	if st != abi.OK {
		return 0, st
	}
	w, ok := h.wraps[weak.Make(o)]
	if !ok || w.done {
		return 0, abi.InvalidArg
	}
	return w.data, abi.OK
}

func (h *Host) CreateReference(_ abi.Env, v abi.Value, initial uint32) (abi.Ref, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	r := &reference{strong: x, count: initial}
	if o, isObj := x.(*goja.Object); isObj {
		r.object = true
		r.weak = weak.Make(o)
		if initial == 0 {
			r.strong = nil
		}
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
		w.cleanup.Stop()
		delete(h.wraps, w.key)
		delete(h.wrapIDs, w.id)
	}
	return abi.OK
}

func (h *Host) ReferenceRef(_ abi.Env, ref abi.Ref) (uint32, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	r.count++
	if r.count == 1 && r.object {
		if o := r.weak.Value(); o != nil {
			r.strong = o
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
		r.strong = nil
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
	if r.strong != nil {
		return h.push(r.strong)
	}
	if r.object {
		if o := r.weak.Value(); o != nil {
			return h.push(o)
		}
	}
	return 0, abi.OK
}

func (h *Host) Throw(_ abi.Env, v abi.Value) abi.Status {
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	h.throw(x)
	return abi.OK
}

func (h *Host) ThrowError(_ abi.Env, code, msg string) abi.Status {
	obj, st := h.newError("Error", code, msg)
	if st != abi.OK {
		return st
	}
	h.throw(obj)
	return abi.OK
}

func (h *Host) ThrowTypeError(_ abi.Env, code, msg string) abi.Status {
	obj, st := h.newError("TypeError", code, msg)
	if st != abi.OK {
		return st
	}
	h.throw(obj)
	return abi.OK
}

func (h *Host) IsExceptionPending(abi.Env) (bool, abi.Status) { return h.hasPending, abi.OK }

func (h *Host) GetAndClearLastException(abi.Env) (abi.Value, abi.Status) {
	exc, ok := h.takeException()
	if !ok {
		return h.push(goja.Undefined())
	}
	return h.push(exc)
}

func (h *Host) CreatePromise(abi.Env) (abi.Deferred, abi.Value, abi.Status) {
	p, resolve, reject := h.rt.NewPromise()
	d := &deferred{
		resolve: func(v goja.Value) { resolve(v) },
		reject:  func(v goja.Value) { reject(v) },
	}
	h.nextDefer++
	h.deferreds[h.nextDefer] = d
	v, _ := h.push(h.rt.ToValue(p))
	return h.nextDefer, v, abi.OK
}

// settle fails for an unknown or already settled deferred.
func (h *Host) settle(id abi.Deferred, v abi.Value, resolve bool) abi.Status {
	d, ok := h.deferreds[id]
	if !ok || d.settled {
		return abi.GenericFailure
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	d.settled = true
	delete(h.deferreds, id)
	if resolve {
		d.resolve(x)
	} else {
		d.reject(x)
	}
	return abi.OK
}

func (h *Host) ResolveDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, true)
}

func (h *Host) RejectDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, false)
}

func (h *Host) CreateThreadsafeFunction(_ abi.Env, fn abi.Value, name string, maxQueue int, context uintptr, fin abi.Finalize, call abi.ThreadsafeCall) (abi.ThreadsafeFunction, abi.Status) {
	var x goja.Value
	if fn != 0 {
		var ok bool
		if x, ok = h.value(fn); !ok {
			return 0, abi.InvalidArg
		}
		if typeOf(x) != abi.Function {
			return 0, abi.FunctionExpected
		}
	}
	return h.queues.Create(x, x != nil, name, maxQueue, context, fin, call)
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
