package jsbind

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/handle"
)

// objects owns every native value a host can reach: wrapped class
// instances, function bindings, thread-safe channels and queued payloads.
var objects = handle.NewTable()

var (
	tagBinding = objects.Register("binding")
	tagChannel = objects.Register("channel")
	tagPayload = objects.Register("payload")
)

func init() {
	objects.Observe(func(ev handle.Event) {
		if ce := Logger().Check(zap.DebugLevel, "handle"); ce != nil {
			ce.Write(
				zap.Stringer("event", ev.Kind),
				zap.Uint64("id", uint64(ev.ID)),
				zap.String("type", ev.Name),
			)
		}
	})
}

// envState is the bridge's bookkeeping for one host environment.
type envState struct {
	host     abi.Host
	mu       sync.Mutex
	bindings []handle.ID
	ctors    map[any]abi.Ref
}

var envs sync.Map // abi.Env -> *envState

// Env is the environment handle for the current call into the host. It is
// only valid on the host thread.
type Env struct {
	host abi.Host
	raw  abi.Env
}

// NewEnv binds a raw environment to its host. The first call for a raw
// environment registers a cleanup hook that releases every binding the
// bridge created for it.
func NewEnv(host abi.Host, raw abi.Env) Env {
	st := &envState{host: host, ctors: make(map[any]abi.Ref)}
	if _, loaded := envs.LoadOrStore(raw, st); !loaded {
		host.AddCleanupHook(raw, func() { releaseEnv(raw) })
	}
	return Env{host: host, raw: raw}
}

func lookupEnv(raw abi.Env) (Env, *envState, bool) {
	v, ok := envs.Load(raw)
	if !ok {
		return Env{}, nil, false
	}
	st := v.(*envState)
	return Env{host: st.host, raw: raw}, st, true
}

func releaseEnv(raw abi.Env) {
	v, ok := envs.LoadAndDelete(raw)
	if !ok {
		return
	}
	st := v.(*envState)
	st.mu.Lock()
	ids := st.bindings
	ctors := st.ctors
	st.bindings, st.ctors = nil, nil
	st.mu.Unlock()
	for _, ref := range ctors {
		st.host.DeleteReference(raw, ref)
	}
	for _, id := range ids {
		_, _ = objects.Remove(id)
	}
	Logger().Debug("environment released", zap.Stringer("env", raw),
		zap.Int("bindings", len(ids)), zap.Int("classes", len(ctors)))
}

func (e Env) state() *envState {
	_, st, _ := lookupEnv(e.raw)
	return st
}

// bind stores b in the handle table for the lifetime of the environment.
func (e Env) bind(b binding) handle.ID {
	id := objects.Insert(tagBinding, b)
	if st := e.state(); st != nil {
		st.mu.Lock()
		st.bindings = append(st.bindings, id)
		st.mu.Unlock()
	}
	return id
}

// Runtime is a host that owns its host thread.
type Runtime interface {
	abi.Host
	Env() abi.Env
	// Do runs fn on the host thread and waits for it.
	Do(fn func() error) error
	Close() error
}

// Run calls fn on the host thread of rt with its environment bound.
func Run(rt Runtime, fn func(env Env) error) error {
	return rt.Do(func() error {
		return fn(NewEnv(rt, rt.Env()))
	})
}

// Host returns the host runtime API.
func (e Env) Host() abi.Host { return e.host }

// Raw returns the raw environment identity. It is the only part of an Env
// that may be carried to another goroutine.
func (e Env) Raw() abi.Env { return e.raw }

// AddCleanupHook registers fn to run on the host thread when the
// environment is torn down. Hooks run in reverse order of registration.
func (e Env) AddCleanupHook(fn func()) error {
	if fn == nil {
		return e.check("add_cleanup_hook", abi.InvalidArg)
	}
	return e.check("add_cleanup_hook", e.host.AddCleanupHook(e.raw, fn))
}

// IsHostThread reports whether the caller runs on this environment's host thread.
func (e Env) IsHostThread() bool { return e.host.IsHostThread(e.raw) }

// check converts a host status into an error. A pending exception is
// cleared and captured in the returned error.
func (e Env) check(op string, st abi.Status) error {
	if st == abi.OK {
		return nil
	}
	err := HostCallFailed(op, st)
	if st == abi.PendingException {
		if exc, s := e.host.GetAndClearLastException(e.raw); s == abi.OK {
			err.Exception = exc
			err.Detail = Value{env: e, raw: exc}.errorMessage()
		}
	}
	return err
}

// throw raises err as a host exception. TypeMismatch and NoPlainConstructor
// become TypeErrors; a captured host exception is rethrown as is.
func (e Env) throw(err error) {
	var be *Error
	if errors.As(err, &be) {
		if be.Exception != 0 && e.host.Throw(e.raw, be.Exception) == abi.OK {
			return
		}
		switch be.Kind {
		case KindTypeMismatch, KindNoPlainConstructor:
			e.host.ThrowTypeError(e.raw, string(be.Kind), message(err))
			return
		}
		e.host.ThrowError(e.raw, string(be.Kind), message(err))
		return
	}
	e.host.ThrowError(e.raw, "", err.Error())
}

func (e Env) value(op string, raw abi.Value, st abi.Status) (Value, error) {
	if err := e.check(op, st); err != nil {
		return Value{}, err
	}
	return Value{env: e, raw: raw}, nil
}

// Undefined returns the undefined value.
func (e Env) Undefined() Value {
	raw, _ := e.host.GetUndefined(e.raw)
	return Value{env: e, raw: raw}
}

// Null returns the null value.
func (e Env) Null() Value {
	raw, _ := e.host.GetNull(e.raw)
	return Value{env: e, raw: raw}
}

// Global returns the global object.
func (e Env) Global() (Value, error) {
	raw, st := e.host.GetGlobal(e.raw)
	return e.value("get_global", raw, st)
}

// Bool creates a boolean.
func (e Env) Bool(b bool) (Value, error) {
	raw, st := e.host.GetBoolean(e.raw, b)
	return e.value("get_boolean", raw, st)
}

// Float64 creates a number.
func (e Env) Float64(f float64) (Value, error) {
	raw, st := e.host.CreateDouble(e.raw, f)
	return e.value("create_double", raw, st)
}

// Int creates a number from an integer.
func (e Env) Int(i int64) (Value, error) {
	return e.Float64(float64(i))
}

// String creates a string.
func (e Env) String(s string) (Value, error) {
	raw, st := e.host.CreateString(e.raw, s)
	return e.value("create_string", raw, st)
}

// Object creates an empty object.
func (e Env) Object() (Value, error) {
	raw, st := e.host.CreateObject(e.raw)
	return e.value("create_object", raw, st)
}

// Array creates an array of the given length.
func (e Env) Array(length int) (Value, error) {
	raw, st := e.host.CreateArray(e.raw, length)
	return e.value("create_array", raw, st)
}

// NewError creates an Error object with the given message.
func (e Env) NewError(msg string) (Value, error) {
	raw, st := e.host.CreateError(e.raw, "", msg)
	return e.value("create_error", raw, st)
}

// errorValue converts a native error into a host Error object whose
// message is the error's message and whose code is its kind.
func (e Env) errorValue(err error) (Value, error) {
	var be *Error
	if errors.As(err, &be) && be.Exception != 0 {
		return Value{env: e, raw: be.Exception}, nil
	}
	code := ""
	if be != nil {
		code = string(be.Kind)
	}
	raw, st := e.host.CreateError(e.raw, code, message(err))
	return e.value("create_error", raw, st)
}

// Throw raises err as a host exception. The calling trampoline must return
// right after.
func (e Env) Throw(err error) { e.throw(err) }
