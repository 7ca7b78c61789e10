package quickjshost

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// maxExportDepth bounds export on cyclic data.
const maxExportDepth = 32

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

// result takes ownership of a box returned by the module. An exception
// marker becomes the pending exception.
func (h *Host) result(p uint32, err error) (abi.Value, uint32, abi.Status) {
	if err != nil {
		h.log.Debug("host call failed", zap.Error(err))
		return 0, 0, abi.GenericFailure
	}
	if p == 0 {
		return 0, 0, abi.GenericFailure
	}
	if exc, _ := h.b.Is(h.ctx, "exception", p); exc {
		h.free(p)
		e, err := h.b.GetException(h.ctx, h.ctxPtr)
		if err != nil {
			return 0, 0, abi.GenericFailure
		}
		h.setPending(e)
		return 0, 0, abi.PendingException
	}
	return h.arena.Push(p), p, abi.OK
}

func (h *Host) handle(p uint32, err error) (abi.Value, abi.Status) {
	v, _, st := h.result(p, err)
	return v, st
}

// tmp keeps a box for the current scope, discarding any exception. It
// returns 0 on failure.
func (h *Host) tmp(p uint32, err error) uint32 {
	if err != nil || p == 0 {
		return 0
	}
	if exc, _ := h.b.Is(h.ctx, "exception", p); exc {
		h.free(p)
		if e, err := h.b.GetException(h.ctx, h.ctxPtr); err == nil {
			h.free(e)
		}
		return 0
	}
	return h.keep(p)
}

func (h *Host) keep(p uint32) uint32 {
	if p != 0 {
		h.arena.Push(p)
	}
	return p
}

func (h *Host) undefined() uint32 { return h.tmp(h.b.NewUndefined(h.ctx)) }

func (h *Host) number(f float64) uint32 { return h.tmp(h.b.NewFloat64(h.ctx, f)) }

func (h *Host) text(s string) uint32 { return h.tmp(h.b.NewString(h.ctx, h.ctxPtr, s)) }

func (h *Host) value(v abi.Value) (uint32, bool) {
	if v == 0 {
		return 0, false
	}
	return h.arena.Get(v)
}

func (h *Host) object(v abi.Value) (uint32, abi.Status) {
	p, ok := h.value(v)
	if !ok {
		return 0, abi.InvalidArg
	}
	if t := h.typeOf(p); t != abi.Object && t != abi.Function {
		return 0, abi.ObjectExpected
	}
	return p, abi.OK
}

// setPending takes ownership of exc.
func (h *Host) setPending(exc uint32) {
	if h.hasPending {
		h.free(h.exception)
	}
	h.exception = exc
	h.hasPending = true
}

// takeException hands the caller ownership of the pending exception.
func (h *Host) takeException() (uint32, bool) {
	if !h.hasPending {
		return 0, false
	}
	exc := h.exception
	h.exception = 0
	h.hasPending = false
	return exc, true
}

// shimCall calls a shim helper with borrowed arguments.
func (h *Host) shimCall(method string, args ...uint32) (abi.Value, uint32, abi.Status) {
	fn := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, h.shim, method))
	if fn == 0 {
		return 0, 0, abi.GenericFailure
	}
	return h.result(h.b.Call(h.ctx, h.ctxPtr, fn, h.shim, args))
}

var primitives = []struct {
	kind string
	t    abi.ValueType
}{
	{"undefined", abi.Undefined},
	{"null", abi.Null},
	{"bool", abi.Boolean},
	{"number", abi.Number},
	{"string", abi.String},
	{"symbol", abi.Symbol},
	{"big_int", abi.Bigint},
}

func (h *Host) typeOf(p uint32) abi.ValueType {
	for _, k := range primitives {
		if ok, _ := h.b.Is(h.ctx, k.kind, p); ok {
			return k.t
		}
	}
	if fn, _ := h.b.IsFunction(h.ctx, h.ctxPtr, p); fn {
		return abi.Function
	}
	return abi.Object
}

func (h *Host) str(p uint32) string {
	if p == 0 {
		return ""
	}
	s, _ := h.b.ToString(h.ctx, h.ctxPtr, p)
	return s
}

// export converts a box into plain Go data.
func (h *Host) export(p uint32, depth int) any {
	switch h.typeOf(p) {
	case abi.Undefined, abi.Null:
		return nil
	case abi.Boolean:
		b, _ := h.b.ToBool(h.ctx, h.ctxPtr, p)
		return b
	case abi.Number:
		f, _ := h.b.ToFloat64(h.ctx, h.ctxPtr, p)
		return f
	case abi.Object:
	default:
		return h.str(p)
	}
	if isErr, _ := h.b.Is(h.ctx, "error", p); isErr {
		return h.thrown(p)
	}
	if depth >= maxExportDepth {
		return nil
	}
	if isArr, _ := h.b.Is(h.ctx, "array", p); isArr {
		n, _ := h.b.ToFloat64(h.ctx, h.ctxPtr, h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, "length")))
		out := make([]any, int(n))
		for i := range out {
			out[i] = h.export(h.tmp(h.b.GetPropertyUint32(h.ctx, h.ctxPtr, p, uint32(i))), depth+1)
		}
		return out
	}
	out := make(map[string]any)
	for _, k := range h.keys(p) {
		out[k] = h.export(h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, k)), depth+1)
	}
	return out
}

func (h *Host) keys(obj uint32) []string {
	_, arr, st := h.shimCall("keys", obj)
	if st != abi.OK {
		if exc, ok := h.takeException(); ok {
			h.free(exc)
		}
		return nil
	}
	n, _ := h.b.ToFloat64(h.ctx, h.ctxPtr, h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, arr, "length")))
	out := make([]string, int(n))
	for i := range out {
		out[i] = h.str(h.tmp(h.b.GetPropertyUint32(h.ctx, h.ctxPtr, arr, uint32(i))))
	}
	return out
}

// thrown converts a thrown value into a *ScriptError.
func (h *Host) thrown(p uint32) *ScriptError {
	if isErr, _ := h.b.Is(h.ctx, "error", p); !isErr {
		return &ScriptError{Value: h.export(p, 0)}
	}
	e := &ScriptError{
		Name:    h.str(h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, "name"))),
		Message: h.str(h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, "message"))),
	}
	if c := h.tmp(h.b.GetProperty(h.ctx, h.ctxPtr, p, "code")); c != 0 {
		if undef, _ := h.b.Is(h.ctx, "undefined", c); !undef {
			e.Code = h.str(c)
		}
	}
	return e
}

func (h *Host) describe(p uint32) string {
	if isErr, _ := h.b.Is(h.ctx, "error", p); isErr {
		return h.thrown(p).Error()
	}
	return h.str(p)
}
