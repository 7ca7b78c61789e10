package jsbind

import (
	"fmt"
	"math"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// Value is a borrowed host value. It is valid only during the host call that
// produced it and only on the host thread.
type Value struct {
	env Env
	raw abi.Value
}

// Env returns the environment the value belongs to.
func (v Value) Env() Env { return v.env }

// Raw returns the raw host handle.
func (v Value) Raw() abi.Value { return v.raw }

// IsZero reports whether v holds no handle at all.
func (v Value) IsZero() bool { return v.raw == 0 }

// Type returns the host typeof classification. A zero value is undefined.
func (v Value) Type() abi.ValueType {
	if v.raw == 0 || v.env.host == nil {
		return abi.Undefined
	}
	t, st := v.env.host.TypeOf(v.env.raw, v.raw)
	if st != abi.OK {
		return abi.Undefined
	}
	return t
}

func (v Value) IsUndefined() bool { return v.Type() == abi.Undefined }
func (v Value) IsNull() bool      { return v.Type() == abi.Null }
func (v Value) IsNullish() bool   { t := v.Type(); return t == abi.Undefined || t == abi.Null }
func (v Value) IsBool() bool      { return v.Type() == abi.Boolean }
func (v Value) IsNumber() bool    { return v.Type() == abi.Number }
func (v Value) IsString() bool    { return v.Type() == abi.String }
func (v Value) IsFunction() bool  { return v.Type() == abi.Function }

// IsObject reports whether v is an object or a function.
func (v Value) IsObject() bool {
	t := v.Type()
	return t == abi.Object || t == abi.Function
}

// IsArray reports whether v is an array.
func (v Value) IsArray() bool {
	if v.raw == 0 {
		return false
	}
	ok, st := v.env.host.IsArray(v.env.raw, v.raw)
	return st == abi.OK && ok
}

// IsError reports whether v is an Error object.
func (v Value) IsError() bool {
	if v.raw == 0 {
		return false
	}
	ok, st := v.env.host.IsError(v.env.raw, v.raw)
	return st == abi.OK && ok
}

// IsPromise reports whether v is a promise.
func (v Value) IsPromise() bool {
	if v.raw == 0 {
		return false
	}
	ok, st := v.env.host.IsPromise(v.env.raw, v.raw)
	return st == abi.OK && ok
}

func (v Value) expect(t abi.ValueType) error {
	if got := v.Type(); got != t {
		return TypeMismatch(t.String(), got.String())
	}
	return nil
}

// Bool returns the value of a boolean.
func (v Value) Bool() (bool, error) {
	if err := v.expect(abi.Boolean); err != nil {
		return false, err
	}
	b, st := v.env.host.GetValueBool(v.env.raw, v.raw)
	return b, v.env.check("get_value_bool", st)
}

// Float64 returns the value of a number.
func (v Value) Float64() (float64, error) {
	if err := v.expect(abi.Number); err != nil {
		return 0, err
	}
	f, st := v.env.host.GetValueDouble(v.env.raw, v.raw)
	return f, v.env.check("get_value_double", st)
}

// Int64 returns the value of a number truncated toward zero.
func (v Value) Int64() (int64, error) {
	f, err := v.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= 1<<63 || f < -1<<63 {
		return 0, TypeMismatch("integer", fmt.Sprint(f))
	}
	return int64(f), nil
}

// Uint64 returns the value of a non-negative number truncated toward zero.
func (v Value) Uint64() (uint64, error) {
	f, err := v.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= 1<<64 || math.Trunc(f) < 0 {
		return 0, TypeMismatch("unsigned integer", fmt.Sprint(f))
	}
	return uint64(f), nil
}

// Str returns the value of a string.
func (v Value) Str() (string, error) {
	if err := v.expect(abi.String); err != nil {
		return "", err
	}
	s, st := v.env.host.GetValueString(v.env.raw, v.raw)
	return s, v.env.check("get_value_string", st)
}

// String returns a short human-readable rendering, for logs and errors.
func (v Value) String() string {
	switch t := v.Type(); t {
	case abi.String:
		s, _ := v.Str()
		return s
	case abi.Number:
		f, _ := v.Float64()
		return fmt.Sprint(f)
	case abi.Boolean:
		b, _ := v.Bool()
		return fmt.Sprint(b)
	case abi.Object:
		if v.IsError() {
			return v.errorMessage()
		}
		return "[object]"
	default:
		return t.String()
	}
}

// errorMessage reads the message of an Error object, or renders v.
func (v Value) errorMessage() string {
	if v.Type() == abi.Object {
		if m, err := v.Get("message"); err == nil && m.IsString() {
			s, _ := m.Str()
			return s
		}
		return "[object]"
	}
	return v.String()
}

// Get reads a named property.
func (v Value) Get(name string) (Value, error) {
	raw, st := v.env.host.GetNamedProperty(v.env.raw, v.raw, name)
	return v.env.value("get_named_property", raw, st)
}

// Set writes a named property, marshaling x.
func (v Value) Set(name string, x any) error {
	val, err := Marshal(v.env, x)
	if err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}
	return v.env.check("set_named_property", v.env.host.SetNamedProperty(v.env.raw, v.raw, name, val.raw))
}

// Index reads an array element.
func (v Value) Index(i int) (Value, error) {
	raw, st := v.env.host.GetElement(v.env.raw, v.raw, i)
	return v.env.value("get_element", raw, st)
}

// SetIndex writes an array element, marshaling x.
func (v Value) SetIndex(i int, x any) error {
	val, err := Marshal(v.env, x)
	if err != nil {
		return fmt.Errorf("set [%d]: %w", i, err)
	}
	return v.env.check("set_element", v.env.host.SetElement(v.env.raw, v.raw, i, val.raw))
}

// Len returns the length of an array.
func (v Value) Len() (int, error) {
	if !v.IsArray() {
		return 0, TypeMismatch("array", v.Type().String())
	}
	n, st := v.env.host.GetArrayLength(v.env.raw, v.raw)
	return n, v.env.check("get_array_length", st)
}

// Keys returns the enumerable own property names of an object.
func (v Value) Keys() ([]string, error) {
	if !v.IsObject() {
		return nil, TypeMismatch("object", v.Type().String())
	}
	keys, st := v.env.host.GetPropertyNames(v.env.raw, v.raw)
	return keys, v.env.check("get_property_names", st)
}

// StrictEquals reports whether v === o.
func (v Value) StrictEquals(o Value) bool {
	eq, st := v.env.host.StrictEquals(v.env.raw, v.raw, o.raw)
	return st == abi.OK && eq
}

func (v Value) marshalArgs(args []any) ([]abi.Value, error) {
	raws := make([]abi.Value, len(args))
	for i, a := range args {
		val, err := Marshal(v.env, a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		raws[i] = val.raw
	}
	return raws, nil
}

// Call invokes v as a function with the given receiver. A thrown host
// exception is returned as a HostCallFailed error carrying the exception.
func (v Value) Call(this Value, args ...any) (Value, error) {
	if !v.IsFunction() {
		return Value{}, TypeMismatch("function", v.Type().String())
	}
	raws, err := v.marshalArgs(args)
	if err != nil {
		return Value{}, err
	}
	recv := this.raw
	if recv == 0 {
		recv = v.env.Undefined().raw
	}
	raw, st := v.env.host.CallFunction(v.env.raw, recv, v.raw, raws)
	return v.env.value("call_function", raw, st)
}

// New invokes v as a constructor.
func (v Value) New(args ...any) (Value, error) {
	if !v.IsFunction() {
		return Value{}, TypeMismatch("function", v.Type().String())
	}
	raws, err := v.marshalArgs(args)
	if err != nil {
		return Value{}, err
	}
	raw, st := v.env.host.NewInstance(v.env.raw, v.raw, raws)
	return v.env.value("new_instance", raw, st)
}

// Method calls the named method of v.
func (v Value) Method(name string, args ...any) (Value, error) {
	fn, err := v.Get(name)
	if err != nil {
		return Value{}, err
	}
	return fn.Call(v, args...)
}
