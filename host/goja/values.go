package gojahost

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dop251/goja"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// ScriptError is an exception thrown by script and surfaced to Go.
type ScriptError struct {
	Name    string
	Code    string
	Message string
	Value   any
}

func (e *ScriptError) Error() string {
	switch {
	case e.Name == "" && e.Message == "":
		return fmt.Sprintf("uncaught %v", e.Value)
	case e.Code != "":
		return fmt.Sprintf("%s [%s]: %s", e.Name, e.Code, e.Message)
	default:
		return e.Name + ": " + e.Message
	}
}

func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return thrown(ex.Value())
	}
	return err
}

// thrown converts a thrown value into a *ScriptError.
func thrown(v goja.Value) *ScriptError {
	o, ok := v.(*goja.Object)
	if !ok || o.ClassName() != "Error" {
		return &ScriptError{Value: export(v)}
	}
	e := &ScriptError{Name: str(o.Get("name")), Message: str(o.Get("message"))}
	if c := o.Get("code"); c != nil && !goja.IsUndefined(c) {
		e.Code = c.String()
	}
	return e
}

func str(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return ""
	}
	return v.String()
}

// export converts an engine value into plain Go data.
func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if o, ok := v.(*goja.Object); ok && o.ClassName() == "Error" {
		return thrown(o)
	}
	x := v.Export()
	if i, ok := x.(int64); ok {
		return float64(i)
	}
	return x
}

func describe(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if o, ok := v.(*goja.Object); ok && o.ClassName() == "Error" {
		return thrown(o).Error()
	}
	return v.String()
}

func typeOf(v goja.Value) abi.ValueType {
	switch {
	case v == nil || goja.IsUndefined(v):
		return abi.Undefined
	case goja.IsNull(v):
		return abi.Null
	}
	switch v := v.(type) {
	case *goja.Object:
		if _, ok := goja.AssertFunction(v); ok {
			return abi.Function
		}
		return abi.Object
	case *goja.Symbol:
		return abi.Symbol
	}
	switch v.ExportType().Kind() {
	case reflect.Bool:
		return abi.Boolean
	case reflect.String:
		return abi.String
	case reflect.Int64, reflect.Float64:
		return abi.Number
	}
	return abi.Bigint
}

func flag(b bool) goja.Flag {
	if b {
		return goja.FLAG_TRUE
	}
	return goja.FLAG_FALSE
}
