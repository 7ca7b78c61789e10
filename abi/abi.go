// Package abi defines the raw boundary between native Go code and a
// JavaScript host runtime.
//
// Every handle crossing the boundary is an opaque integer owned by the host.
// Native code never holds Go pointers on the host side: wrapped objects,
// callback data and queued payloads are carried as handle-table IDs in the
// uintptr slots of the fixed trampoline signatures below.
package abi

import (
	"fmt"
	"sync/atomic"
)

// Env identifies one host environment (one JS realm bound to one host thread).
type Env uintptr

var envSeq atomic.Uintptr

// NewEnv allocates a process-unique environment identity. Hosts call it once
// per environment they create.
func NewEnv() Env { return Env(envSeq.Add(1)) }

// Value is a host value handle. It is valid only within the host call that
// produced it and only on the host thread.
type Value uintptr

// CallInfo identifies the arguments of one in-progress host call.
type CallInfo uintptr

// Ref is a counted reference to a host value. A zero count makes it weak.
type Ref uintptr

// Deferred is the settle capability of a host promise.
type Deferred uintptr

// ThreadsafeFunction is a host-provided queue for delivering work to the
// host thread from any goroutine.
type ThreadsafeFunction uintptr

func (e Env) IsNull() bool                { return e == 0 }
func (v Value) IsNull() bool              { return v == 0 }
func (c CallInfo) IsNull() bool           { return c == 0 }
func (r Ref) IsNull() bool                { return r == 0 }
func (d Deferred) IsNull() bool           { return d == 0 }
func (t ThreadsafeFunction) IsNull() bool { return t == 0 }

func (e Env) String() string                { return fmt.Sprintf("Env(%#x)", uintptr(e)) }
func (v Value) String() string              { return fmt.Sprintf("Value(%#x)", uintptr(v)) }
func (c CallInfo) String() string           { return fmt.Sprintf("CallInfo(%#x)", uintptr(c)) }
func (r Ref) String() string                { return fmt.Sprintf("Ref(%#x)", uintptr(r)) }
func (d Deferred) String() string           { return fmt.Sprintf("Deferred(%#x)", uintptr(d)) }
func (t ThreadsafeFunction) String() string { return fmt.Sprintf("ThreadsafeFunction(%#x)", uintptr(t)) }

// Callback is the trampoline for functions, methods, accessors and
// constructors. Returning 0 with an exception pending throws it.
type Callback func(env Env, info CallInfo) Value

// Finalize runs on the host thread when a wrapped object or a thread-safe
// function is collected. env is 0 during environment teardown.
type Finalize func(env Env, data, hint uintptr)

// ThreadsafeCall is the completion routine of a thread-safe function. It runs
// on the host thread. env and fn are 0 when the host is tearing down and the
// queued data must only be released.
type ThreadsafeCall func(env Env, fn Value, context, data uintptr)

// ThreadsafeCallMode selects the behaviour of CallThreadsafeFunction when the
// queue is full.
type ThreadsafeCallMode int

const (
	Nonblocking ThreadsafeCallMode = iota
	Blocking
)

// CallbackInfo is the resolved form of a CallInfo.
type CallbackInfo struct {
	This Value
	Args []Value
	Data uintptr
}

// PropertyAttributes mirror the host's property attribute bits.
type PropertyAttributes uint32

const (
	Writable     PropertyAttributes = 1 << 0
	Enumerable   PropertyAttributes = 1 << 1
	Configurable PropertyAttributes = 1 << 2

	// Static places a class property on the constructor instead of the prototype.
	Static PropertyAttributes = 1 << 10

	DefaultMethod   = Writable | Configurable
	DefaultProperty = Writable | Enumerable | Configurable
)

// PropertyDescriptor describes one property for DefineClass and
// DefineProperties. Exactly one of Method, Getter/Setter or Value is set.
type PropertyDescriptor struct {
	Name       string
	Method     Callback
	Getter     Callback
	Setter     Callback
	Value      Value
	Attributes PropertyAttributes
	Data       uintptr
}

// Host is the host runtime API. All methods must be called on the host
// thread except CallThreadsafeFunction, ReleaseThreadsafeFunction and
// IsHostThread.
type Host interface {
	GetUndefined(env Env) (Value, Status)
	GetNull(env Env) (Value, Status)
	GetGlobal(env Env) (Value, Status)
	GetBoolean(env Env, b bool) (Value, Status)
	CreateDouble(env Env, f float64) (Value, Status)
	CreateString(env Env, s string) (Value, Status)
	CreateObject(env Env) (Value, Status)
	CreateArray(env Env, length int) (Value, Status)
	CreateError(env Env, code, msg string) (Value, Status)

	TypeOf(env Env, v Value) (ValueType, Status)
	GetValueBool(env Env, v Value) (bool, Status)
	GetValueDouble(env Env, v Value) (float64, Status)
	GetValueString(env Env, v Value) (string, Status)
	IsArray(env Env, v Value) (bool, Status)
	IsError(env Env, v Value) (bool, Status)
	IsPromise(env Env, v Value) (bool, Status)
	GetArrayLength(env Env, v Value) (int, Status)
	GetElement(env Env, arr Value, i int) (Value, Status)
	SetElement(env Env, arr Value, i int, v Value) Status
	GetNamedProperty(env Env, obj Value, name string) (Value, Status)
	SetNamedProperty(env Env, obj Value, name string, v Value) Status
	GetPropertyNames(env Env, obj Value) ([]string, Status)
	StrictEquals(env Env, a, b Value) (bool, Status)

	CreateFunction(env Env, name string, cb Callback, data uintptr) (Value, Status)
	GetCallbackInfo(env Env, info CallInfo) (CallbackInfo, Status)
	GetNewTarget(env Env, info CallInfo) (Value, Status)
	CallFunction(env Env, recv, fn Value, args []Value) (Value, Status)
	NewInstance(env Env, ctor Value, args []Value) (Value, Status)
	DefineClass(env Env, name string, ctor Callback, data uintptr, props []PropertyDescriptor) (Value, Status)
	DefineProperties(env Env, obj Value, props []PropertyDescriptor) Status

	// Wrap associates data with obj and registers fin to run when obj is
	// collected. The returned reference is weak; it must be deleted by the
	// caller, at the latest inside fin.
	Wrap(env Env, obj Value, data uintptr, fin Finalize, hint uintptr) (Ref, Status)
	Unwrap(env Env, obj Value) (uintptr, Status)

	CreateReference(env Env, v Value, initial uint32) (Ref, Status)
	DeleteReference(env Env, ref Ref) Status
	ReferenceRef(env Env, ref Ref) (uint32, Status)
	ReferenceUnref(env Env, ref Ref) (uint32, Status)
	GetReferenceValue(env Env, ref Ref) (Value, Status)

	Throw(env Env, v Value) Status
	ThrowError(env Env, code, msg string) Status
	ThrowTypeError(env Env, code, msg string) Status
	IsExceptionPending(env Env) (bool, Status)
	GetAndClearLastException(env Env) (Value, Status)

	CreatePromise(env Env) (Deferred, Value, Status)
	ResolveDeferred(env Env, d Deferred, v Value) Status
	RejectDeferred(env Env, d Deferred, v Value) Status

	// CreateThreadsafeFunction creates a queue to the host thread. fin runs
	// once the function has been released and drained, with data set to
	// context.
	CreateThreadsafeFunction(env Env, fn Value, name string, maxQueue int, context uintptr, fin Finalize, call ThreadsafeCall) (ThreadsafeFunction, Status)
	CallThreadsafeFunction(tsfn ThreadsafeFunction, data uintptr, mode ThreadsafeCallMode) Status
	ReleaseThreadsafeFunction(tsfn ThreadsafeFunction) Status

	// AddCleanupHook registers fn to run on the host thread when env is torn
	// down, after pending thread-safe calls and finalizers.
	AddCleanupHook(env Env, fn func()) Status

	// IsHostThread reports whether the calling goroutine is env's host thread.
	IsHostThread(env Env) bool
}
