package jsbind

import (
	"fmt"
	"reflect"
	"unicode"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// ToJS is implemented by types that convert themselves into host values.
type ToJS interface {
	ToJS(env Env) (Value, error)
}

// FromJS is implemented by pointer types that fill themselves from a host value.
type FromJS interface {
	FromJS(v Value) error
}

var (
	valueType  = reflect.TypeOf(Value{})
	fromJSType = reflect.TypeOf((*FromJS)(nil)).Elem()
	toJSType   = reflect.TypeOf((*ToJS)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// Marshal converts a Go value into a host value.
//
// nil becomes undefined, nil pointers, maps and slices become null, numbers
// become doubles, errors become Error objects, slices and arrays become
// arrays, and string-keyed maps and structs become plain objects. Struct
// fields use the "js" tag for their name; "-" skips a field.
func Marshal(env Env, x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return env.Undefined(), nil
	case Value:
		if v.raw == 0 {
			return env.Undefined(), nil
		}
		return v, nil
	case ToJS:
		return v.ToJS(env)
	case error:
		return env.errorValue(v)
	case bool:
		return env.Bool(v)
	case string:
		return env.String(v)
	case float64:
		return env.Float64(v)
	case int:
		return env.Float64(float64(v))
	case int32:
		return env.Float64(float64(v))
	case int64:
		return env.Float64(float64(v))
	}
	return marshalReflect(env, reflect.ValueOf(x))
}

func marshalReflect(env Env, rv reflect.Value) (Value, error) {
	if rv.Type() == valueType && rv.CanInterface() {
		return Marshal(env, rv.Interface())
	}
	if rv.Type().Implements(toJSType) && rv.CanInterface() {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return env.Null(), nil
		}
		return rv.Interface().(ToJS).ToJS(env)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return env.Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return env.Float64(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return env.Float64(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return env.Float64(rv.Float())
	case reflect.String:
		return env.String(rv.String())

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return env.Null(), nil
		}
		if rv.Kind() == reflect.Interface {
			return Marshal(env, rv.Elem().Interface())
		}
		return marshalReflect(env, rv.Elem())

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return env.Null(), nil
		}
		arr, err := env.Array(rv.Len())
		if err != nil {
			return Value{}, err
		}
		for i := 0; i < rv.Len(); i++ {
			elem, err := marshalReflect(env, rv.Index(i))
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			if err := env.check("set_element", env.host.SetElement(env.raw, arr.raw, i, elem.raw)); err != nil {
				return Value{}, err
			}
		}
		return arr, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, TypeMismatch("map with string keys", rv.Type().String())
		}
		if rv.IsNil() {
			return env.Null(), nil
		}
		obj, err := env.Object()
		if err != nil {
			return Value{}, err
		}
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			elem, err := marshalReflect(env, iter.Value())
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			if err := env.check("set_named_property", env.host.SetNamedProperty(env.raw, obj.raw, key, elem.raw)); err != nil {
				return Value{}, err
			}
		}
		return obj, nil

	case reflect.Struct:
		obj, err := env.Object()
		if err != nil {
			return Value{}, err
		}
		for _, f := range structFields(rv.Type()) {
			elem, err := marshalReflect(env, rv.Field(f.index))
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", f.name, err)
			}
			if err := env.check("set_named_property", env.host.SetNamedProperty(env.raw, obj.raw, f.name, elem.raw)); err != nil {
				return Value{}, err
			}
		}
		return obj, nil
	}

	return Value{}, TypeMismatch("marshalable value", rv.Type().String())
}

type field struct {
	name  string
	index int
}

func structFields(t reflect.Type) []field {
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Tag.Get("js")
		if name == "-" {
			continue
		}
		if name == "" {
			name = lowerFirst(sf.Name)
		}
		fields = append(fields, field{name: name, index: i})
	}
	return fields
}

func lowerFirst(s string) string {
	for i, r := range s {
		return string(unicode.ToLower(r)) + s[i+len(string(r)):]
	}
	return s
}

// Unmarshal converts a host value into T.
func Unmarshal[T any](env Env, v Value) (T, error) {
	var out T
	err := unmarshalInto(env, v, reflect.ValueOf(&out).Elem())
	return out, err
}

func unmarshalInto(env Env, v Value, dst reflect.Value) error {
	if v.env.host == nil {
		v.env = env
	}
	t := dst.Type()

	if t == valueType {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	if reflect.PointerTo(t).Implements(fromJSType) {
		return dst.Addr().Interface().(FromJS).FromJS(v)
	}

	switch t.Kind() {
	case reflect.Interface:
		if t == errorType {
			if v.IsNullish() {
				return nil
			}
			dst.Set(reflect.ValueOf(fmt.Errorf("%s", v.errorMessage())))
			return nil
		}
		if t.NumMethod() != 0 {
			return TypeMismatch(t.String(), v.Type().String())
		}
		x, err := export(v)
		if err != nil {
			return err
		}
		if x != nil {
			dst.Set(reflect.ValueOf(x))
		}
		return nil

	case reflect.Bool:
		b, err := v.Bool()
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := v.Int64()
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return TypeMismatch(t.String(), fmt.Sprintf("number %d", n))
		}
		dst.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := v.Uint64()
		if err != nil {
			return err
		}
		if dst.OverflowUint(n) {
			return TypeMismatch(t.String(), fmt.Sprintf("number %d", n))
		}
		dst.SetUint(n)
		return nil

	case reflect.Float32, reflect.Float64:
		f, err := v.Float64()
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil

	case reflect.String:
		s, err := v.Str()
		if err != nil {
			return err
		}
		dst.SetString(s)
		return nil

	case reflect.Pointer:
		if v.IsNullish() {
			dst.Set(reflect.Zero(t))
			return nil
		}
		p := reflect.New(t.Elem())
		if err := unmarshalInto(env, v, p.Elem()); err != nil {
			return err
		}
		dst.Set(p)
		return nil

	case reflect.Slice:
		if v.IsNullish() {
			dst.Set(reflect.Zero(t))
			return nil
		}
		n, err := v.Len()
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(t, n, n)
		for i := 0; i < n; i++ {
			elem, err := v.Index(i)
			if err != nil {
				return err
			}
			if err := unmarshalInto(env, elem, s.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(s)
		return nil

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return TypeMismatch("map with string keys", t.String())
		}
		keys, err := v.Keys()
		if err != nil {
			return err
		}
		m := reflect.MakeMapWithSize(t, len(keys))
		for _, k := range keys {
			elem, err := v.Get(k)
			if err != nil {
				return err
			}
			ev := reflect.New(t.Elem()).Elem()
			if err := unmarshalInto(env, elem, ev); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
		dst.Set(m)
		return nil

	case reflect.Struct:
		if !v.IsObject() {
			return TypeMismatch("object", v.Type().String())
		}
		for _, f := range structFields(t) {
			elem, err := v.Get(f.name)
			if err != nil {
				return err
			}
			if elem.IsUndefined() {
				continue
			}
			if err := unmarshalInto(env, elem, dst.Field(f.index)); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
		}
		return nil
	}

	return TypeMismatch(t.String(), v.Type().String())
}

// export converts a host value into plain Go data: nil, bool, float64,
// string, []any or map[string]any. Functions and other non-data values are
// rejected.
func export(v Value) (any, error) {
	switch t := v.Type(); t {
	case abi.Undefined, abi.Null:
		return nil, nil
	case abi.Boolean:
		return v.Bool()
	case abi.Number:
		return v.Float64()
	case abi.String:
		return v.Str()
	case abi.Object:
		if v.IsArray() {
			n, err := v.Len()
			if err != nil {
				return nil, err
			}
			out := make([]any, n)
			for i := range out {
				elem, err := v.Index(i)
				if err != nil {
					return nil, err
				}
				if out[i], err = export(elem); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
		if v.IsError() {
			return fmt.Errorf("%s", v.errorMessage()), nil
		}
		keys, err := v.Keys()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			elem, err := v.Get(k)
			if err != nil {
				return nil, err
			}
			if out[k], err = export(elem); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, TypeMismatch("data value", t.String())
	}
}

// Export converts a host value into plain Go data.
func Export(v Value) (any, error) { return export(v) }
