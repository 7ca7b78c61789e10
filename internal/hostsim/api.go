package hostsim

import (
	"math"
	"strconv"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

func (h *Host) GetUndefined(abi.Env) (abi.Value, abi.Status) { return h.push(undefined) }
func (h *Host) GetNull(abi.Env) (abi.Value, abi.Status)      { return h.push(null) }
func (h *Host) GetGlobal(abi.Env) (abi.Value, abi.Status)    { return h.push(h.global) }

func (h *Host) GetBoolean(_ abi.Env, b bool) (abi.Value, abi.Status) { return h.push(b) }

func (h *Host) CreateDouble(_ abi.Env, f float64) (abi.Value, abi.Status) { return h.push(f) }

func (h *Host) CreateString(_ abi.Env, s string) (abi.Value, abi.Status) { return h.push(s) }

func (h *Host) CreateObject(abi.Env) (abi.Value, abi.Status) {
	return h.push(h.alloc(kindObject))
}

func (h *Host) CreateArray(_ abi.Env, length int) (abi.Value, abi.Status) {
	if length < 0 {
		return 0, abi.InvalidArg
	}
	arr := h.alloc(kindArray)
	arr.elems = make([]any, length)
	for i := range arr.elems {
		arr.elems[i] = undefined
	}
	return h.push(arr)
}

func (h *Host) CreateError(_ abi.Env, code, msg string) (abi.Value, abi.Status) {
	return h.push(h.newError("Error", code, msg))
}

func (h *Host) TypeOf(_ abi.Env, v abi.Value) (abi.ValueType, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	return typeOf(x), abi.OK
}

func (h *Host) GetValueBool(_ abi.Env, v abi.Value) (bool, abi.Status) {
	x, _ := h.value(v)
	b, ok := x.(bool)
	if !ok {
		return false, abi.BooleanExpected
	}
	return b, abi.OK
}

func (h *Host) GetValueDouble(_ abi.Env, v abi.Value) (float64, abi.Status) {
	x, _ := h.value(v)
	f, ok := x.(float64)
	if !ok {
		return math.NaN(), abi.NumberExpected
	}
	return f, abi.OK
}

func (h *Host) GetValueString(_ abi.Env, v abi.Value) (string, abi.Status) {
	x, _ := h.value(v)
	s, ok := x.(string)
	if !ok {
		return "", abi.StringExpected
	}
	return s, abi.OK
}

func (h *Host) is(v abi.Value, kind objectKind) (bool, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return false, abi.InvalidArg
	}
	o, ok := x.(*object)
	return ok && o.kind == kind, abi.OK
}

func (h *Host) IsArray(_ abi.Env, v abi.Value) (bool, abi.Status)   { return h.is(v, kindArray) }
func (h *Host) IsError(_ abi.Env, v abi.Value) (bool, abi.Status)   { return h.is(v, kindError) }
func (h *Host) IsPromise(_ abi.Env, v abi.Value) (bool, abi.Status) { return h.is(v, kindPromise) }

func (h *Host) GetArrayLength(_ abi.Env, v abi.Value) (int, abi.Status) {
	o, st := h.objectArg(v)
	if st != abi.OK || o.kind != kindArray {
		return 0, abi.ArrayExpected
	}
	return len(o.elems), abi.OK
}

func (h *Host) GetElement(_ abi.Env, arr abi.Value, i int) (abi.Value, abi.Status) {
	o, st := h.objectArg(arr)
	if st != abi.OK {
		return 0, st
	}
	if o.kind == kindArray {
		if i < 0 || i >= len(o.elems) {
			return h.push(undefined)
		}
		return h.push(o.elems[i])
	}
	return h.GetNamedProperty(h.env, arr, strconv.Itoa(i))
}

func (h *Host) SetElement(_ abi.Env, arr abi.Value, i int, v abi.Value) abi.Status {
	o, st := h.objectArg(arr)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok || i < 0 {
		return abi.InvalidArg
	}
	if o.kind == kindArray {
		h.setElement(o, i, x)
		return abi.OK
	}
	o.put(strconv.Itoa(i), x)
	return abi.OK
}

func (h *Host) GetNamedProperty(_ abi.Env, obj abi.Value, name string) (abi.Value, abi.Status) {
	x, ok := h.value(obj)
	if !ok {
		return 0, abi.InvalidArg
	}
	switch x.(type) {
	case undefinedValue, nullValue:
		return 0, abi.ObjectExpected
	}
	if h.hasPending {
		return 0, abi.PendingException
	}
	out, ok := h.get(x, name)
	if !ok {
		return 0, abi.PendingException
	}
	return h.push(out)
}

func (h *Host) SetNamedProperty(_ abi.Env, obj abi.Value, name string, v abi.Value) abi.Status {
	o, st := h.objectArg(obj)
	if st != abi.OK {
		return st
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	if h.hasPending {
		return abi.PendingException
	}
	if !h.set(o, name, x) {
		return abi.PendingException
	}
	return abi.OK
}

func (h *Host) GetPropertyNames(_ abi.Env, obj abi.Value) ([]string, abi.Status) {
	o, st := h.objectArg(obj)
	if st != abi.OK {
		return nil, st
	}
	return o.ownKeys(), abi.OK
}

func (h *Host) StrictEquals(_ abi.Env, a, b abi.Value) (bool, abi.Status) {
	x, ok1 := h.value(a)
	y, ok2 := h.value(b)
	if !ok1 || !ok2 {
		return false, abi.InvalidArg
	}
	return x == y, abi.OK
}

func (h *Host) CreateFunction(_ abi.Env, name string, cb abi.Callback, data uintptr) (abi.Value, abi.Status) {
	if cb == nil {
		return 0, abi.InvalidArg
	}
	return h.push(h.newFunction(name, &function{cb: cb, data: data}))
}

func (h *Host) GetCallbackInfo(_ abi.Env, info abi.CallInfo) (abi.CallbackInfo, abi.Status) {
	f, st := h.frame(info)
	if st != abi.OK {
		return abi.CallbackInfo{}, st
	}
	ci := abi.CallbackInfo{
		This: h.arena.Push(f.this),
		Args: make([]abi.Value, len(f.args)),
		Data: f.data,
	}
	for i, a := range f.args {
		ci.Args[i] = h.arena.Push(a)
	}
	return ci, abi.OK
}

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

func (h *Host) args(raw []abi.Value) ([]any, abi.Status) {
	out := make([]any, len(raw))
	for i, a := range raw {
		x, ok := h.value(a)
		if !ok {
			return nil, abi.InvalidArg
		}
		out[i] = x
	}
	return out, abi.OK
}

func (h *Host) CallFunction(_ abi.Env, recv, fn abi.Value, args []abi.Value) (abi.Value, abi.Status) {
	if h.hasPending {
		return 0, abi.PendingException
	}
	f, st := h.objectArg(fn)
	if st != abi.OK || f.kind != kindFunction {
		return 0, abi.FunctionExpected
	}
	this, ok := h.value(recv)
	if !ok {
		this = undefined
	}
	xs, st := h.args(args)
	if st != abi.OK {
		return 0, st
	}
	out, ok := h.invoke(f.fn, this, xs, nil)
	if !ok {
		return 0, abi.PendingException
	}
	return h.push(out)
}

func (h *Host) NewInstance(_ abi.Env, ctor abi.Value, args []abi.Value) (abi.Value, abi.Status) {
	if h.hasPending {
		return 0, abi.PendingException
	}
	c, st := h.objectArg(ctor)
	if st != abi.OK || c.kind != kindFunction {
		return 0, abi.FunctionExpected
	}
	xs, st := h.args(args)
	if st != abi.OK {
		return 0, st
	}
	out, ok := h.construct(c, xs)
	if !ok {
		return 0, abi.PendingException
	}
	return h.push(out)
}

func (h *Host) DefineClass(_ abi.Env, name string, ctor abi.Callback, data uintptr, props []abi.PropertyDescriptor) (abi.Value, abi.Status) {
	if ctor == nil {
		return 0, abi.InvalidArg
	}
	c := h.newFunction(name, &function{cb: ctor, data: data})
	proto := h.alloc(kindObject)
	c.put("prototype", proto)
	c.hide("prototype")
	proto.put("constructor", c)
	proto.hide("constructor")

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
	o, st := h.objectArg(obj)
	if st != abi.OK {
		return st
	}
	return h.define(o, props)
}

func (h *Host) define(o *object, props []abi.PropertyDescriptor) abi.Status {
	for _, p := range props {
		if p.Name == "" {
			return abi.NameExpected
		}
		switch {
		case p.Method != nil:
			o.put(p.Name, h.newFunction(p.Name, &function{cb: p.Method, data: p.Data}))
		case p.Getter != nil || p.Setter != nil:
			if o.accessors == nil {
				o.accessors = make(map[string]*accessor)
			}
			o.accessors[p.Name] = &accessor{get: p.Getter, set: p.Setter, data: p.Data}
			continue
		default:
			x, ok := h.value(p.Value)
			if !ok {
				return abi.InvalidArg
			}
			o.put(p.Name, x)
		}
		if p.Attributes&abi.Enumerable == 0 {
			o.hide(p.Name)
		}
	}
	return abi.OK
}

func (h *Host) Wrap(_ abi.Env, obj abi.Value, data uintptr, fin abi.Finalize, hint uintptr) (abi.Ref, abi.Status) {
	o, st := h.objectArg(obj)
	if st != abi.OK {
		return 0, st
	}
	if o.wrap != nil {
		return 0, abi.InvalidArg
	}
	h.nextRef++
	ref := h.nextRef
	h.refs[ref] = &reference{target: o}
	o.wrap = &wrapRecord{data: data, fin: fin, hint: hint, ref: ref}
	return ref, abi.OK
}

func (h *Host) Unwrap(_ abi.Env, obj abi.Value) (uintptr, abi.Status) {
	o, st := h.objectArg(obj)
	if st != abi.OK {
		return 0, st
	}
	if o.wrap == nil {
		return 0, abi.InvalidArg
	}
	return o.wrap.data, abi.OK
}

func (h *Host) CreateReference(_ abi.Env, v abi.Value, initial uint32) (abi.Ref, abi.Status) {
	x, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	h.nextRef++
	h.refs[h.nextRef] = &reference{target: x, count: initial}
	return h.nextRef, abi.OK
}

// DeleteReference deletes ref. Deleting the reference returned by Wrap
// while the object is still alive cancels its finalizer.
func (h *Host) DeleteReference(_ abi.Env, ref abi.Ref) abi.Status {
	r, ok := h.refs[ref]
	if !ok {
		return abi.InvalidArg
	}
	delete(h.refs, ref)
	if o, ok := r.target.(*object); ok && o.wrap != nil && o.wrap.ref == ref {
		o.wrap.fin = nil
		o.wrap.ref = 0
	}
	return abi.OK
}

func (h *Host) ReferenceRef(_ abi.Env, ref abi.Ref) (uint32, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	r.count++
	return r.count, abi.OK
}

func (h *Host) ReferenceUnref(_ abi.Env, ref abi.Ref) (uint32, abi.Status) {
	r, ok := h.refs[ref]
	if !ok || r.count == 0 {
		return 0, abi.GenericFailure
	}
	r.count--
	return r.count, abi.OK
}

func (h *Host) GetReferenceValue(_ abi.Env, ref abi.Ref) (abi.Value, abi.Status) {
	r, ok := h.refs[ref]
	if !ok {
		return 0, abi.InvalidArg
	}
	if r.target == nil {
		return 0, abi.OK
	}
	return h.push(r.target)
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
	h.throw(h.newError("Error", code, msg))
	return abi.OK
}

func (h *Host) ThrowTypeError(_ abi.Env, code, msg string) abi.Status {
	h.throw(h.newError("TypeError", code, msg))
	return abi.OK
}

func (h *Host) IsExceptionPending(abi.Env) (bool, abi.Status) { return h.hasPending, abi.OK }

func (h *Host) GetAndClearLastException(abi.Env) (abi.Value, abi.Status) {
	exc, ok := h.takeException()
	if !ok {
		return h.push(undefined)
	}
	return h.push(exc)
}

func (h *Host) CreatePromise(abi.Env) (abi.Deferred, abi.Value, abi.Status) {
	o := h.alloc(kindPromise)
	o.promise = &Promise{done: make(chan struct{})}
	h.nextDefer++
	h.deferreds[h.nextDefer] = o
	v, _ := h.push(o)
	return h.nextDefer, v, abi.OK
}

func (h *Host) settle(d abi.Deferred, v abi.Value, state PromiseState) abi.Status {
	o, ok := h.deferreds[d]
	if !ok {
		return abi.InvalidArg
	}
	x, ok := h.value(v)
	if !ok {
		return abi.InvalidArg
	}
	p := o.promise
	p.mu.Lock()
	p.settles++
	if p.state != Pending {
		p.mu.Unlock()
		return abi.GenericFailure
	}
	p.mu.Unlock()

	exported := h.export(x)
	p.mu.Lock()
	p.state = state
	p.raw = x
	p.value = exported
	close(p.done)
	p.mu.Unlock()
	return abi.OK
}

func (h *Host) ResolveDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, Fulfilled)
}

func (h *Host) RejectDeferred(_ abi.Env, d abi.Deferred, v abi.Value) abi.Status {
	return h.settle(d, v, Rejected)
}

func (h *Host) AddCleanupHook(_ abi.Env, fn func()) abi.Status {
	if fn == nil {
		return abi.InvalidArg
	}
	h.hooks = append(h.hooks, fn)
	return abi.OK
}

func (h *Host) IsHostThread(abi.Env) bool { return h.loop.OnLoop() }
