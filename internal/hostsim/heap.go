package hostsim

import (
	"fmt"
	"strconv"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

type undefinedValue struct{}
type nullValue struct{}

var (
	undefined any = undefinedValue{}
	null      any = nullValue{}
)

type objectKind int

const (
	kindObject objectKind = iota
	kindArray
	kindFunction
	kindError
	kindPromise
)

// object is a heap cell. Primitives are stored directly as bool, float64
// and string; everything else is an *object.
type object struct {
	kind      objectKind
	props     map[string]any
	keys      []string
	hidden    map[string]bool
	accessors map[string]*accessor
	proto     *object
	elems     []any
	fn        *function
	wrap      *wrapRecord
	promise   *Promise

	marked    bool
	collected bool
}

type function struct {
	name   string
	cb     abi.Callback
	data   uintptr
	script ScriptFunc
}

type accessor struct {
	get, set abi.Callback
	data     uintptr
}

type wrapRecord struct {
	data uintptr
	fin  abi.Finalize
	hint uintptr
	ref  abi.Ref
}

// ScriptFunc stands in for a function written in JavaScript. It receives
// exported arguments (see Export) and its result is imported back. A
// returned error is thrown; an *ErrorValue keeps its name and code.
type ScriptFunc func(this any, args []any) (any, error)

// ErrorValue is the exported form of an Error object.
type ErrorValue struct {
	Name    string
	Code    string
	Message string
}

func (e *ErrorValue) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (h *Host) alloc(kind objectKind) *object {
	o := &object{kind: kind, props: make(map[string]any)}
	h.heap = append(h.heap, o)
	return o
}

func (h *Host) newFunction(name string, f *function) *object {
	o := h.alloc(kindFunction)
	f.name = name
	o.fn = f
	o.props["name"] = name
	o.hide("name")
	return o
}

func (h *Host) newError(name, code, msg string) *object {
	o := h.alloc(kindError)
	o.put("name", name)
	o.put("message", msg)
	o.hide("name")
	o.hide("message")
	if code != "" {
		o.put("code", code)
	}
	return o
}

func (o *object) put(name string, v any) {
	if _, ok := o.props[name]; !ok {
		o.keys = append(o.keys, name)
	}
	o.props[name] = v
}

func (o *object) hide(name string) {
	if o.hidden == nil {
		o.hidden = make(map[string]bool)
	}
	o.hidden[name] = true
}

func typeOf(v any) abi.ValueType {
	switch x := v.(type) {
	case undefinedValue:
		return abi.Undefined
	case nullValue:
		return abi.Null
	case bool:
		return abi.Boolean
	case float64:
		return abi.Number
	case string:
		return abi.String
	case *object:
		if x.kind == kindFunction {
			return abi.Function
		}
		return abi.Object
	}
	return abi.Undefined
}

// get reads a property, walking the prototype chain and running getters.
// ok is false when a getter threw.
func (h *Host) get(v any, name string) (any, bool) {
	switch x := v.(type) {
	case string:
		if name == "length" {
			return float64(len(x)), true
		}
		return undefined, true
	case *object:
		if x.kind == kindArray && name == "length" {
			return float64(len(x.elems)), true
		}
		if x.kind == kindArray {
			if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < len(x.elems) {
				return x.elems[i], true
			}
		}
		for o := x; o != nil; o = o.proto {
			if p, ok := o.props[name]; ok {
				return p, true
			}
			if acc, ok := o.accessors[name]; ok {
				if acc.get == nil {
					return undefined, true
				}
				return h.invoke(&function{name: name, cb: acc.get, data: acc.data}, x, nil, nil)
			}
		}
	}
	return undefined, true
}

// set writes a property, running a setter found on the prototype chain.
func (h *Host) set(x *object, name string, v any) bool {
	for o := x; o != nil; o = o.proto {
		if acc, ok := o.accessors[name]; ok {
			if acc.set == nil {
				h.throw(h.newError("TypeError", "", fmt.Sprintf("Cannot set property %s which has only a getter", name)))
				return false
			}
			_, ok := h.invoke(&function{name: name, cb: acc.set, data: acc.data}, x, []any{v}, nil)
			return ok
		}
	}
	if x.kind == kindArray {
		if i, err := strconv.Atoi(name); err == nil && i >= 0 {
			h.setElement(x, i, v)
			return true
		}
	}
	x.put(name, v)
	return true
}

func (h *Host) setElement(arr *object, i int, v any) {
	for len(arr.elems) <= i {
		arr.elems = append(arr.elems, undefined)
	}
	arr.elems[i] = v
}

func (o *object) ownKeys() []string {
	var keys []string
	if o.kind == kindArray {
		for i := range o.elems {
			keys = append(keys, strconv.Itoa(i))
		}
	}
	for _, k := range o.keys {
		if !o.hidden[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// export converts a heap value into plain Go data for tests.
func (h *Host) export(v any) any {
	switch x := v.(type) {
	case undefinedValue, nullValue:
		return nil
	case bool, float64, string:
		return x
	case *object:
		switch x.kind {
		case kindArray:
			out := make([]any, len(x.elems))
			for i, e := range x.elems {
				out[i] = h.export(e)
			}
			return out
		case kindError:
			e := &ErrorValue{}
			e.Name, _ = x.props["name"].(string)
			e.Code, _ = x.props["code"].(string)
			e.Message, _ = x.props["message"].(string)
			return e
		case kindFunction:
			return "[Function: " + x.fn.name + "]"
		case kindPromise:
			return x.promise
		}
		out := make(map[string]any, len(x.keys))
		for _, k := range x.ownKeys() {
			out[k] = h.export(x.props[k])
		}
		return out
	}
	return nil
}

// importValue is the inverse of export.
func (h *Host) importValue(x any) any {
	switch v := x.(type) {
	case nil:
		return undefined
	case bool, float64, string:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case []any:
		arr := h.alloc(kindArray)
		for _, e := range v {
			arr.elems = append(arr.elems, h.importValue(e))
		}
		return arr
	case map[string]any:
		o := h.alloc(kindObject)
		for k, e := range v {
			o.put(k, h.importValue(e))
		}
		return o
	case *ErrorValue:
		name := v.Name
		if name == "" {
			name = "Error"
		}
		return h.newError(name, v.Code, v.Message)
	case error:
		return h.newError("Error", "", v.Error())
	}
	return undefined
}

func describe(v any) string {
	if o, ok := v.(*object); ok && o.kind == kindError {
		msg, _ := o.props["message"].(string)
		name, _ := o.props["name"].(string)
		return name + ": " + msg
	}
	return fmt.Sprint(v)
}
