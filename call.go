package jsbind

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/handle"
)

// Handler implements a native function. The returned value is marshaled
// into the host; a returned error is thrown as a host exception.
type Handler func(c *Call) (any, error)

// binding is what a callback's data ID resolves to in the handle table.
type binding func(c *Call) (Value, error)

// Call is the context of one host-to-native call.
type Call struct {
	env       Env
	info      abi.CallInfo
	this      Value
	args      []Value
	newTarget Value
	scope     *Scope
}

// Env returns the environment of the call.
func (c *Call) Env() Env { return c.env }

// This returns the receiver.
func (c *Call) This() Value { return c.this }

// Args returns all arguments.
func (c *Call) Args() []Value { return c.args }

// Len returns the number of arguments.
func (c *Call) Len() int { return len(c.args) }

// Arg returns argument i, or undefined if it was not passed.
func (c *Call) Arg(i int) Value {
	if i < 0 || i >= len(c.args) {
		return c.env.Undefined()
	}
	return c.args[i]
}

// NewTarget returns new.target, or a zero Value for a plain call.
func (c *Call) NewTarget() Value { return c.newTarget }

// Scope returns the borrow token of the call.
func (c *Call) Scope() *Scope { return c.scope }

// ArgAs unmarshals argument i into T. A bridge error names the argument in
// its Op, so the thrown message says which one failed.
func ArgAs[T any](c *Call, i int) (T, error) {
	v, err := Unmarshal[T](c.env, c.Arg(i))
	if err == nil {
		return v, nil
	}
	var be *Error
	if !errors.As(err, &be) {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	named := *be
	named.Op = fmt.Sprintf("argument %d", i)
	// Keep the field path of a nested mismatch, as in "argument 0 score".
	if path := strings.TrimSuffix(strings.TrimSuffix(err.Error(), be.Error()), ": "); path != "" {
		named.Op += " " + path
	}
	if be.Op != "" {
		named.Op += " " + be.Op
	}
	return v, &named
}

func (h Handler) binding() binding {
	return func(c *Call) (Value, error) {
		out, err := h(c)
		if err != nil {
			return Value{}, NativeError(err)
		}
		return Marshal(c.env, out)
	}
}

// trampoline is the single entry point for every native function, method,
// accessor and constructor.
func trampoline(raw abi.Env, info abi.CallInfo) abi.Value {
	env, _, ok := lookupEnv(raw)
	if !ok {
		Logger().Error("call into unknown environment", zap.Stringer("env", raw))
		return 0
	}

	ci, st := env.host.GetCallbackInfo(raw, info)
	if st != abi.OK {
		env.throw(HostCallFailed("get_cb_info", st))
		return 0
	}
	v, err := objects.Lookup(handle.ID(ci.Data), tagBinding)
	if err != nil {
		env.throw(borrowError(err))
		return 0
	}
	b := v.(binding)

	c := &Call{
		env:   env,
		info:  info,
		this:  Value{env: env, raw: ci.This},
		args:  make([]Value, len(ci.Args)),
		scope: newScope(),
	}
	for i, a := range ci.Args {
		c.args[i] = Value{env: env, raw: a}
	}
	if nt, st := env.host.GetNewTarget(raw, info); st == abi.OK && nt != 0 {
		c.newTarget = Value{env: env, raw: nt}
	}
	defer c.scope.end()

	out, err := b(c)
	if err != nil {
		env.throw(err)
		return 0
	}
	if out.raw == 0 {
		return env.Undefined().raw
	}
	return out.raw
}

// Function creates a host function backed by h.
func Function(env Env, name string, h Handler) (Value, error) {
	return env.function(name, h.binding())
}

func (e Env) function(name string, b binding) (Value, error) {
	id := e.bind(b)
	raw, st := e.host.CreateFunction(e.raw, name, trampoline, uintptr(id))
	return e.value("create_function", raw, st)
}
