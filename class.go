package jsbind

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/handle"
)

// Finalizer is implemented by native values that need to release resources
// when their host object is collected.
type Finalizer interface {
	Finalize()
}

// State is the lifecycle state of a wrapped native value.
type State int32

const (
	Live State = iota
	PendingFinalize
	Finalized
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case PendingFinalize:
		return "pending_finalize"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// finalizable is what a wrapper's data ID resolves to in the finalizer.
type finalizable interface {
	finalize(raw abi.Env)
}

type wrapper[T any] struct {
	class *Class[T]
	id    handle.ID
	value *T
	env   Env
	ref   abi.Ref
	state atomic.Int32
}

func (w *wrapper[T]) finalize(raw abi.Env) {
	if !w.state.CompareAndSwap(int32(Live), int32(PendingFinalize)) {
		return
	}
	if f, ok := any(w.value).(Finalizer); ok {
		f.Finalize()
	}
	// The wrap reference may only be released here.
	if !raw.IsNull() && w.ref != 0 {
		if st := w.env.host.DeleteReference(raw, w.ref); st != abi.OK {
			Logger().Warn("delete wrap reference failed",
				zap.String("class", w.class.name), zap.Stringer("status", st))
		}
	}
	w.ref = 0
	if _, err := objects.Remove(w.id); err != nil {
		Logger().Error("finalize: release native value", zap.String("class", w.class.name), zap.Error(err))
	}
	w.value = nil
	w.state.Store(int32(Finalized))
	Logger().Debug("finalized", zap.String("class", w.class.name), zap.Uint64("id", uint64(w.id)))
}

func finalizeTrampoline(raw abi.Env, data, hint uintptr) {
	v, _, ok := objects.Get(handle.ID(data))
	if !ok {
		Logger().Error("finalize of unknown object", zap.Uint64("id", uint64(data)))
		return
	}
	f, ok := v.(finalizable)
	if !ok {
		Logger().Error("finalize of non-wrapper handle", zap.Uint64("id", uint64(data)))
		return
	}
	f.finalize(raw)
}

type classProp struct {
	name   string
	attrs  abi.PropertyAttributes
	method binding
	getter binding
	setter binding
}

// Class describes a host class backed by native values of type T.
type Class[T any] struct {
	name  string
	tag   handle.Tag
	ctor  func(c *Call) (*T, error)
	props []classProp

	mu       sync.Mutex
	adopting map[abi.Env]*T
}

// NewClass creates a class whose instances are built by ctor.
func NewClass[T any](name string, ctor func(c *Call) (*T, error)) *Class[T] {
	return &Class[T]{
		name:     name,
		tag:      objects.Register(name),
		ctor:     ctor,
		adopting: make(map[abi.Env]*T),
	}
}

// Name returns the class name.
func (cls *Class[T]) Name() string { return cls.name }

// Method adds a prototype method that borrows the receiver exclusively.
func (cls *Class[T]) Method(name string, fn func(c *Call, self *T) (any, error)) *Class[T] {
	return cls.addMethod(name, true, fn)
}

// ReadMethod adds a prototype method that borrows the receiver shared.
func (cls *Class[T]) ReadMethod(name string, fn func(c *Call, self *T) (any, error)) *Class[T] {
	return cls.addMethod(name, false, fn)
}

func (cls *Class[T]) addMethod(name string, exclusive bool, fn func(c *Call, self *T) (any, error)) *Class[T] {
	cls.props = append(cls.props, classProp{
		name:   name,
		attrs:  abi.DefaultMethod,
		method: cls.receiver(exclusive, fn),
	})
	return cls
}

// AsyncMethod adds a method returning a promise. fn runs on the host thread
// with the receiver borrowed shared and returns the future to run; the
// future must not touch self.
func (cls *Class[T]) AsyncMethod(name string, fn func(c *Call, self *T) (Future[any], error)) *Class[T] {
	return cls.addMethod(name, false, func(c *Call, self *T) (any, error) {
		fut, err := fn(c, self)
		if err != nil {
			return nil, err
		}
		return Begin(c.env, cls.name+"."+name, fut)
	})
}

// Getter adds a read-only accessor.
func (cls *Class[T]) Getter(name string, get func(c *Call, self *T) (any, error)) *Class[T] {
	cls.props = append(cls.props, classProp{
		name:   name,
		attrs:  abi.Enumerable | abi.Configurable,
		getter: cls.receiver(false, get),
	})
	return cls
}

// Accessor adds a read-write accessor.
func (cls *Class[T]) Accessor(name string, get func(c *Call, self *T) (any, error), set func(c *Call, self *T, v Value) error) *Class[T] {
	cls.props = append(cls.props, classProp{
		name:   name,
		attrs:  abi.Enumerable | abi.Configurable,
		getter: cls.receiver(false, get),
		setter: cls.receiver(true, func(c *Call, self *T) (any, error) {
			return nil, set(c, self, c.Arg(0))
		}),
	})
	return cls
}

// StaticMethod adds a method on the constructor itself.
func (cls *Class[T]) StaticMethod(name string, h Handler) *Class[T] {
	cls.props = append(cls.props, classProp{
		name:   name,
		attrs:  abi.DefaultMethod | abi.Static,
		method: h.binding(),
	})
	return cls
}

func (cls *Class[T]) receiver(exclusive bool, fn func(c *Call, self *T) (any, error)) binding {
	return func(c *Call) (Value, error) {
		self, err := cls.unwrap(c.scope, c.this, exclusive)
		if err != nil {
			return Value{}, err
		}
		out, err := fn(c, self)
		if err != nil {
			return Value{}, NativeError(err)
		}
		return Marshal(c.env, out)
	}
}

// construct is the constructor binding.
func (cls *Class[T]) construct(c *Call) (Value, error) {
	if c.newTarget.IsZero() || c.newTarget.IsUndefined() {
		return Value{}, NoPlainConstructor(cls.name)
	}

	cls.mu.Lock()
	v, adopted := cls.adopting[c.env.raw]
	delete(cls.adopting, c.env.raw)
	cls.mu.Unlock()

	if !adopted {
		var err error
		if v, err = cls.ctor(c); err != nil {
			return Value{}, NativeError(err)
		}
		if v == nil {
			return Value{}, NativeError(fmt.Errorf("%s: constructor returned no value", cls.name))
		}
	}
	return cls.attach(c.env, c.this, v)
}

// attach moves v into a wrapper bound to obj.
func (cls *Class[T]) attach(env Env, obj Value, v *T) (Value, error) {
	w := &wrapper[T]{class: cls, value: v, env: env}
	w.id = objects.Insert(cls.tag, w)

	ref, st := env.host.Wrap(env.raw, obj.raw, uintptr(w.id), finalizeTrampoline, 0)
	if st != abi.OK {
		_, _ = objects.Remove(w.id)
		return Value{}, env.check("wrap", st)
	}
	w.ref = ref
	Logger().Debug("constructed", zap.String("class", cls.name), zap.Uint64("id", uint64(w.id)))
	return obj, nil
}

// Define registers the class with the host and returns its constructor.
func (cls *Class[T]) Define(env Env) (Value, error) {
	props := make([]abi.PropertyDescriptor, 0, len(cls.props))
	for _, p := range cls.props {
		d := abi.PropertyDescriptor{Name: p.name, Attributes: p.attrs}
		if p.method != nil {
			d.Method = trampoline
			d.Data = uintptr(env.bind(p.method))
		} else {
			// Getter and setter share the data slot, so the binding dispatches.
			get, set := p.getter, p.setter
			d.Getter = trampoline
			if set != nil {
				d.Setter = trampoline
			}
			d.Data = uintptr(env.bind(func(c *Call) (Value, error) {
				if set != nil && c.Len() > 0 {
					return set(c)
				}
				return get(c)
			}))
		}
		props = append(props, d)
	}

	id := env.bind(cls.construct)
	raw, st := env.host.DefineClass(env.raw, cls.name, trampoline, uintptr(id), props)
	ctor, err := env.value("define_class", raw, st)
	if err != nil {
		return Value{}, fmt.Errorf("define class %s: %w", cls.name, err)
	}

	ref, st := env.host.CreateReference(env.raw, ctor.raw, 1)
	if err := env.check("create_reference", st); err != nil {
		return Value{}, err
	}
	if s := env.state(); s != nil {
		s.mu.Lock()
		old, redefined := s.ctors[cls]
		s.ctors[cls] = ref
		s.mu.Unlock()
		if redefined {
			env.host.DeleteReference(env.raw, old)
		}
	}
	return ctor, nil
}

// Install defines the class and sets its constructor on exports.
func (cls *Class[T]) Install(env Env, exports Value) error {
	ctor, err := cls.Define(env)
	if err != nil {
		return err
	}
	return exports.Set(cls.name, ctor)
}

// Constructor returns the constructor defined for env.
func (cls *Class[T]) Constructor(env Env) (Value, error) {
	s := env.state()
	if s == nil {
		return Value{}, fmt.Errorf("class %s: environment not bound", cls.name)
	}
	s.mu.Lock()
	ref, ok := s.ctors[cls]
	s.mu.Unlock()
	if !ok {
		return Value{}, fmt.Errorf("class %s is not defined in this environment", cls.name)
	}
	raw, st := env.host.GetReferenceValue(env.raw, ref)
	return env.value("get_reference_value", raw, st)
}

// NewInstance constructs an instance from native code, as `new` would.
func (cls *Class[T]) NewInstance(env Env, args ...any) (Value, error) {
	ctor, err := cls.Constructor(env)
	if err != nil {
		return Value{}, err
	}
	return ctor.New(args...)
}

// Wrap creates an instance that adopts v instead of running the constructor.
func (cls *Class[T]) Wrap(env Env, v *T) (Value, error) {
	ctor, err := cls.Constructor(env)
	if err != nil {
		return Value{}, err
	}
	cls.mu.Lock()
	cls.adopting[env.raw] = v
	cls.mu.Unlock()
	obj, err := ctor.New()
	cls.mu.Lock()
	delete(cls.adopting, env.raw)
	cls.mu.Unlock()
	return obj, err
}

// UnwrapShared resolves obj to its native value for reading. The borrow
// lasts until the host call owning s returns.
func (cls *Class[T]) UnwrapShared(s *Scope, obj Value) (*T, error) {
	return cls.unwrap(s, obj, false)
}

// UnwrapExclusive resolves obj to its native value for writing.
func (cls *Class[T]) UnwrapExclusive(s *Scope, obj Value) (*T, error) {
	return cls.unwrap(s, obj, true)
}

func (cls *Class[T]) unwrap(s *Scope, obj Value, exclusive bool) (*T, error) {
	if !obj.IsObject() {
		return nil, TypeMismatch(cls.name, obj.Type().String())
	}
	data, st := obj.env.host.Unwrap(obj.env.raw, obj.raw)
	if st != abi.OK {
		return nil, TypeMismatch(cls.name, "unwrapped object")
	}
	v, err := s.borrow(handle.ID(data), cls.tag, exclusive)
	if err != nil {
		return nil, err
	}
	w := v.(*wrapper[T])
	if State(w.state.Load()) != Live {
		return nil, TypeMismatch(cls.name, "finalized object")
	}
	return w.value, nil
}

// Live returns the number of wrapped values of this class that have not
// been finalized.
func (cls *Class[T]) Live() int { return objects.Count(cls.tag) }
