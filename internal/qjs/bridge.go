// Package qjs provides low-level bindings to a QuickJS-ng WebAssembly module
// running on wazero.
//
// Value pointers returned by the module are owned boxes that must be released
// with FreeValue. Pointers passed into the module are borrowed. A Bridge is
// not safe for concurrent use; callers serialize access on one goroutine.
package qjs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// EnvModule is the environment variable naming the module file used by Load
// when no bytes are given.
const EnvModule = "JSBIND_QUICKJS_WASM"

// Compilation cache shared by every Bridge.
var (
	globalCache     wazero.CompilationCache
	globalCacheOnce sync.Once
)

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

// GoFunc is called when script invokes a function created by NewCFunction.
// It returns an owned value pointer, or the result of Throw.
type GoFunc func(ctxPtr uint32, args []uint32) uint32

// Bridge manages one instantiated module.
type Bridge struct {
	wasmRuntime wazero.Runtime
	module      api.Module
	memory      api.Memory
	logFunc     func(msg string)

	callbacks  map[uint32]GoFunc
	nextFuncID uint32

	fn map[string]api.Function
}

// exports lists every module export the bridge calls.
var exports = []string{
	"qjs_alloc", "qjs_free",
	"qjs_new_runtime", "qjs_free_runtime", "qjs_new_context", "qjs_free_context",
	"qjs_eval",
	"qjs_is_exception", "qjs_is_undefined", "qjs_is_null", "qjs_is_bool",
	"qjs_is_number", "qjs_is_string", "qjs_is_symbol", "qjs_is_object",
	"qjs_is_function", "qjs_is_array", "qjs_is_error", "qjs_is_big_int",
	"qjs_is_promise",
	"qjs_to_bool", "qjs_to_float64", "qjs_to_cstring", "qjs_free_cstring",
	"qjs_new_undefined", "qjs_new_null", "qjs_new_bool", "qjs_new_float64",
	"qjs_new_string_len", "qjs_new_object", "qjs_new_array",
	"qjs_get_property", "qjs_set_property",
	"qjs_get_property_uint32", "qjs_set_property_uint32",
	"qjs_get_global_object",
	"qjs_call", "qjs_call_constructor",
	"qjs_get_exception", "qjs_throw",
	"qjs_dup_value", "qjs_free_value",
	"qjs_run_gc", "qjs_execute_pending_jobs",
	"qjs_std_add_console", "qjs_new_c_function", "qjs_strict_eq",
	"qjs_set_memory_limit", "qjs_set_max_stack_size",
	"qjs_get_error_message",
}

// ReadModule returns the module bytes at path, or at $JSBIND_QUICKJS_WASM
// when path is empty.
func ReadModule(path string) ([]byte, error) {
	if path == "" {
		path = os.Getenv(EnvModule)
	}
	if path == "" {
		return nil, fmt.Errorf("qjs: no module path given and %s is unset", EnvModule)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qjs: %w", err)
	}
	return b, nil
}

// New compiles and instantiates the module.
func New(ctx context.Context, wasm []byte) (*Bridge, error) {
	b := &Bridge{
		logFunc:    func(msg string) { fmt.Print(msg) },
		callbacks:  make(map[uint32]GoFunc),
		nextFuncID: 1,
		fn:         make(map[string]api.Function, len(exports)),
	}

	globalCacheOnce.Do(func() { globalCache = wazero.NewCompilationCache() })
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(globalCache).
		WithDebugInfoEnabled(false)
	b.wasmRuntime = wazero.NewRuntimeWithConfig(ctx, cfg)

	wasi_snapshot_preview1.MustInstantiate(ctx, b.wasmRuntime)

	_, err := b.wasmRuntime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(b.hostLog).
		Export("host_log").
		NewFunctionBuilder().
		WithFunc(b.hostCallGo).
		Export("host_call_go").
		Instantiate(ctx)
	if err != nil {
		_ = b.wasmRuntime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := b.wasmRuntime.CompileModule(ctx, wasm)
	if err != nil {
		_ = b.wasmRuntime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	b.module, err = b.wasmRuntime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		_ = b.wasmRuntime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	b.memory = b.module.Memory()
	if b.memory == nil {
		_ = b.wasmRuntime.Close(ctx)
		return nil, errors.New("WASM module has no memory")
	}

	for _, name := range exports {
		f := b.module.ExportedFunction(name)
		if f == nil {
			_ = b.wasmRuntime.Close(ctx)
			return nil, fmt.Errorf("function %s not found in WASM module", name)
		}
		b.fn[name] = f
	}
	return b, nil
}

// Close releases the wazero runtime.
func (b *Bridge) Close(ctx context.Context) error {
	return b.wasmRuntime.Close(ctx)
}

// SetLogFunc sets the sink for console output from script.
func (b *Bridge) SetLogFunc(fn func(msg string)) { b.logFunc = fn }

func (b *Bridge) hostLog(_ context.Context, m api.Module, bufPtr, bufLen uint32) {
	buf, ok := m.Memory().Read(bufPtr, bufLen)
	if ok && b.logFunc != nil {
		b.logFunc(string(buf))
	}
}

func (b *Bridge) hostCallGo(ctx context.Context, m api.Module, ctxPtr, funcID uint32, argc int32, argvPtr uint32) uint32 {
	fn, ok := b.callbacks[funcID]
	if !ok {
		undef, _ := b.NewUndefined(ctx)
		return undef
	}
	args := make([]uint32, argc)
	if argc > 0 && argvPtr != 0 {
		buf, ok := m.Memory().Read(argvPtr, uint32(argc)*4)
		if !ok {
			undef, _ := b.NewUndefined(ctx)
			return undef
		}
		for i := range args {
			args[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
	}
	return fn(ctxPtr, args)
}

// call invokes an export and returns its first result.
func (b *Bridge) call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	res, err := b.fn[name].Call(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

func (b *Bridge) ptr(ctx context.Context, name string, params ...uint64) (uint32, error) {
	r, err := b.call(ctx, name, params...)
	return uint32(r), err
}

func (b *Bridge) flag(ctx context.Context, name string, params ...uint64) (bool, error) {
	r, err := b.call(ctx, name, params...)
	return int32(r) > 0, err
}

// Alloc allocates size bytes on the module heap.
func (b *Bridge) Alloc(ctx context.Context, size uint32) (uint32, error) {
	p, err := b.ptr(ctx, "qjs_alloc", uint64(size))
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, errors.New("WASM allocation failed")
	}
	return p, nil
}

// Free releases memory returned by Alloc.
func (b *Bridge) Free(ctx context.Context, ptr uint32) error {
	_, err := b.call(ctx, "qjs_free", uint64(ptr))
	return err
}

// withString writes s as a NUL-terminated string and frees it after fn.
func (b *Bridge) withString(ctx context.Context, s string, fn func(ptr uint32) error) error {
	ptr, err := b.Alloc(ctx, uint32(len(s)+1))
	if err != nil {
		return err
	}
	defer func() { _ = b.Free(ctx, ptr) }()

	bufPtr := bufPool.Get().(*[]byte)
	buf := append(append((*bufPtr)[:0], s...), 0)
	ok := b.memory.Write(ptr, buf)
	*bufPtr = buf[:0]
	bufPool.Put(bufPtr)
	if !ok {
		return errors.New("failed to write string to WASM memory")
	}
	return fn(ptr)
}

// withPtrs writes a pointer array and frees it after fn. An empty array is
// passed as a null pointer.
func (b *Bridge) withPtrs(ctx context.Context, ptrs []uint32, fn func(argv uint32) error) error {
	if len(ptrs) == 0 {
		return fn(0)
	}
	argv, err := b.Alloc(ctx, uint32(len(ptrs))*4)
	if err != nil {
		return err
	}
	defer func() { _ = b.Free(ctx, argv) }()
	buf := make([]byte, len(ptrs)*4)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	if !b.memory.Write(argv, buf) {
		return errors.New("failed to write arguments to WASM memory")
	}
	return fn(argv)
}

// readCString reads a NUL-terminated string of any length.
func (b *Bridge) readCString(ptr uint32) string {
	var out []byte
	for chunk := uint32(256); ; {
		size := b.memory.Size()
		if ptr >= size {
			break
		}
		n := min(chunk, size-ptr)
		buf, ok := b.memory.Read(ptr, n)
		if !ok {
			break
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...))
		}
		out = append(out, buf...)
		ptr += n
		chunk *= 2
	}
	return string(out)
}

// NewRuntime creates a QuickJS runtime.
func (b *Bridge) NewRuntime(ctx context.Context) (uint32, error) {
	p, err := b.ptr(ctx, "qjs_new_runtime")
	if err == nil && p == 0 {
		err = errors.New("failed to create JavaScript runtime")
	}
	return p, err
}

func (b *Bridge) FreeRuntime(ctx context.Context, rtPtr uint32) error {
	_, err := b.call(ctx, "qjs_free_runtime", uint64(rtPtr))
	return err
}

// NewContext creates a context in rtPtr with console support.
func (b *Bridge) NewContext(ctx context.Context, rtPtr uint32) (uint32, error) {
	p, err := b.ptr(ctx, "qjs_new_context", uint64(rtPtr))
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, errors.New("failed to create JavaScript context")
	}
	if _, err := b.call(ctx, "qjs_std_add_console", uint64(p)); err != nil {
		_ = b.FreeContext(ctx, p)
		return 0, fmt.Errorf("failed to add console support: %w", err)
	}
	return p, nil
}

func (b *Bridge) FreeContext(ctx context.Context, ctxPtr uint32) error {
	_, err := b.call(ctx, "qjs_free_context", uint64(ctxPtr))
	return err
}

// Eval evaluates a global script.
func (b *Bridge) Eval(ctx context.Context, ctxPtr uint32, code, filename string) (v uint32, err error) {
	err = b.withString(ctx, code, func(codePtr uint32) error {
		return b.withString(ctx, filename, func(namePtr uint32) error {
			v, err = b.ptr(ctx, "qjs_eval", uint64(ctxPtr), uint64(codePtr), uint64(len(code)), uint64(namePtr), 0)
			return err
		})
	})
	return v, err
}

// Is reports a type predicate that takes only the value. kind is one of
// exception, undefined, null, bool, number, string, symbol, object, array,
// error or big_int.
func (b *Bridge) Is(ctx context.Context, kind string, valPtr uint32) (bool, error) {
	r, err := b.call(ctx, "qjs_is_"+kind, uint64(valPtr))
	return r != 0, err
}

func (b *Bridge) IsFunction(ctx context.Context, ctxPtr, valPtr uint32) (bool, error) {
	r, err := b.call(ctx, "qjs_is_function", uint64(ctxPtr), uint64(valPtr))
	return r != 0, err
}

func (b *Bridge) IsPromise(ctx context.Context, ctxPtr, valPtr uint32) (bool, error) {
	r, err := b.call(ctx, "qjs_is_promise", uint64(ctxPtr), uint64(valPtr))
	return r != 0, err
}

func (b *Bridge) ToBool(ctx context.Context, ctxPtr, valPtr uint32) (bool, error) {
	return b.flag(ctx, "qjs_to_bool", uint64(ctxPtr), uint64(valPtr))
}

func (b *Bridge) ToFloat64(ctx context.Context, ctxPtr, valPtr uint32) (float64, error) {
	out, err := b.Alloc(ctx, 8)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.Free(ctx, out) }()
	r, err := b.call(ctx, "qjs_to_float64", uint64(ctxPtr), uint64(valPtr), uint64(out))
	if err != nil {
		return 0, err
	}
	if int32(r) != 0 {
		return 0, errors.New("ToFloat64 conversion failed")
	}
	bits, ok := b.memory.ReadUint64Le(out)
	if !ok {
		return 0, errors.New("failed to read result from WASM memory")
	}
	return math.Float64frombits(bits), nil
}

// ToString converts any value with the script's String conversion.
func (b *Bridge) ToString(ctx context.Context, ctxPtr, valPtr uint32) (string, error) {
	p, err := b.ptr(ctx, "qjs_to_cstring", uint64(ctxPtr), uint64(valPtr))
	if err != nil || p == 0 {
		return "", err
	}
	s := b.readCString(p)
	_, err = b.call(ctx, "qjs_free_cstring", uint64(ctxPtr), uint64(p))
	return s, err
}

func (b *Bridge) NewUndefined(ctx context.Context) (uint32, error) {
	return b.ptr(ctx, "qjs_new_undefined")
}

func (b *Bridge) NewNull(ctx context.Context) (uint32, error) {
	return b.ptr(ctx, "qjs_new_null")
}

func (b *Bridge) NewBool(ctx context.Context, v bool) (uint32, error) {
	var n uint64
	if v {
		n = 1
	}
	return b.ptr(ctx, "qjs_new_bool", n)
}

func (b *Bridge) NewFloat64(ctx context.Context, v float64) (uint32, error) {
	return b.ptr(ctx, "qjs_new_float64", math.Float64bits(v))
}

// NewString creates a string. Embedded NULs are preserved.
func (b *Bridge) NewString(ctx context.Context, ctxPtr uint32, s string) (v uint32, err error) {
	err = b.withString(ctx, s, func(p uint32) error {
		v, err = b.ptr(ctx, "qjs_new_string_len", uint64(ctxPtr), uint64(p), uint64(len(s)))
		return err
	})
	return v, err
}

func (b *Bridge) NewObject(ctx context.Context, ctxPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_new_object", uint64(ctxPtr))
}

func (b *Bridge) NewArray(ctx context.Context, ctxPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_new_array", uint64(ctxPtr))
}

func (b *Bridge) GetProperty(ctx context.Context, ctxPtr, objPtr uint32, prop string) (v uint32, err error) {
	err = b.withString(ctx, prop, func(p uint32) error {
		v, err = b.ptr(ctx, "qjs_get_property", uint64(ctxPtr), uint64(objPtr), uint64(p))
		return err
	})
	return v, err
}

// SetProperty sets prop. ok is false when the engine raised an exception.
func (b *Bridge) SetProperty(ctx context.Context, ctxPtr, objPtr uint32, prop string, valPtr uint32) (ok bool, err error) {
	err = b.withString(ctx, prop, func(p uint32) error {
		var r uint64
		r, err = b.call(ctx, "qjs_set_property", uint64(ctxPtr), uint64(objPtr), uint64(p), uint64(valPtr))
		ok = int32(r) >= 0
		return err
	})
	return ok, err
}

func (b *Bridge) GetPropertyUint32(ctx context.Context, ctxPtr, objPtr, idx uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_get_property_uint32", uint64(ctxPtr), uint64(objPtr), uint64(idx))
}

func (b *Bridge) SetPropertyUint32(ctx context.Context, ctxPtr, objPtr, idx, valPtr uint32) (bool, error) {
	r, err := b.call(ctx, "qjs_set_property_uint32", uint64(ctxPtr), uint64(objPtr), uint64(idx), uint64(valPtr))
	return int32(r) >= 0, err
}

func (b *Bridge) GetGlobalObject(ctx context.Context, ctxPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_get_global_object", uint64(ctxPtr))
}

// Call calls funcPtr with this and args. The result may be the exception
// marker; check it with Is(ctx, "exception", v).
func (b *Bridge) Call(ctx context.Context, ctxPtr, funcPtr, thisPtr uint32, args []uint32) (v uint32, err error) {
	err = b.withPtrs(ctx, args, func(argv uint32) error {
		v, err = b.ptr(ctx, "qjs_call", uint64(ctxPtr), uint64(funcPtr), uint64(thisPtr), uint64(len(args)), uint64(argv))
		return err
	})
	return v, err
}

func (b *Bridge) CallConstructor(ctx context.Context, ctxPtr, funcPtr uint32, args []uint32) (v uint32, err error) {
	err = b.withPtrs(ctx, args, func(argv uint32) error {
		v, err = b.ptr(ctx, "qjs_call_constructor", uint64(ctxPtr), uint64(funcPtr), uint64(len(args)), uint64(argv))
		return err
	})
	return v, err
}

// GetException takes the pending exception of ctxPtr.
func (b *Bridge) GetException(ctx context.Context, ctxPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_get_exception", uint64(ctxPtr))
}

// Throw makes valPtr the pending exception and returns the exception marker
// a GoFunc returns to propagate it.
func (b *Bridge) Throw(ctx context.Context, ctxPtr, valPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_throw", uint64(ctxPtr), uint64(valPtr))
}

// ErrorMessage returns the message of an Error value.
func (b *Bridge) ErrorMessage(ctx context.Context, ctxPtr, errPtr uint32) (string, error) {
	const size = 1024
	buf, err := b.Alloc(ctx, size)
	if err != nil {
		return "", err
	}
	defer func() { _ = b.Free(ctx, buf) }()
	if _, err := b.call(ctx, "qjs_get_error_message", uint64(ctxPtr), uint64(errPtr), uint64(buf), size); err != nil {
		return "", err
	}
	return b.readCString(buf), nil
}

func (b *Bridge) DupValue(ctx context.Context, ctxPtr, valPtr uint32) (uint32, error) {
	return b.ptr(ctx, "qjs_dup_value", uint64(ctxPtr), uint64(valPtr))
}

func (b *Bridge) FreeValue(ctx context.Context, ctxPtr, valPtr uint32) error {
	_, err := b.call(ctx, "qjs_free_value", uint64(ctxPtr), uint64(valPtr))
	return err
}

func (b *Bridge) StrictEquals(ctx context.Context, ctxPtr, a, c uint32) (bool, error) {
	return b.flag(ctx, "qjs_strict_eq", uint64(ctxPtr), uint64(a), uint64(c))
}

func (b *Bridge) RunGC(ctx context.Context, rtPtr uint32) error {
	_, err := b.call(ctx, "qjs_run_gc", uint64(rtPtr))
	return err
}

// ExecutePendingJobs runs queued promise jobs. It returns a negative count
// when a job threw.
func (b *Bridge) ExecutePendingJobs(ctx context.Context, rtPtr uint32) (int32, error) {
	r, err := b.call(ctx, "qjs_execute_pending_jobs", uint64(rtPtr))
	if err != nil {
		return -1, err
	}
	return int32(r), nil
}

func (b *Bridge) SetMemoryLimit(ctx context.Context, rtPtr, limit uint32) error {
	_, err := b.call(ctx, "qjs_set_memory_limit", uint64(rtPtr), uint64(limit))
	return err
}

func (b *Bridge) SetMaxStackSize(ctx context.Context, rtPtr, size uint32) error {
	_, err := b.call(ctx, "qjs_set_max_stack_size", uint64(rtPtr), uint64(size))
	return err
}

// RegisterGoFunc registers fn and returns the id passed to NewCFunction.
func (b *Bridge) RegisterGoFunc(fn GoFunc) uint32 {
	id := b.nextFuncID
	b.nextFuncID++
	b.callbacks[id] = fn
	return id
}

func (b *Bridge) UnregisterGoFunc(id uint32) { delete(b.callbacks, id) }

// NewCFunction creates a script function that calls the GoFunc registered
// under funcID. argc -1 marks it variadic.
func (b *Bridge) NewCFunction(ctx context.Context, ctxPtr, funcID uint32, name string, argc int32) (v uint32, err error) {
	err = b.withString(ctx, name, func(p uint32) error {
		v, err = b.ptr(ctx, "qjs_new_c_function", uint64(ctxPtr), uint64(funcID), uint64(p), uint64(uint32(argc)))
		return err
	})
	return v, err
}
