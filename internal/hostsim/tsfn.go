package hostsim

import (
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/tsq"
)

func (h *Host) newQueues() *tsq.Registry[any] {
	return tsq.New(tsq.Config[any]{
		Env:    h.env,
		Submit: h.loop.Submit,
		OnLoop: h.loop.OnLoop,
		Invoke: func(f *tsq.Func[any], data uintptr) {
			depth := h.arena.Open()
			var fn abi.Value
			if x, ok := f.Fn(); ok {
				fn = h.arena.Push(x)
			}
			f.Dispatch(h.env, fn, data)
			h.arena.Close(depth)
			h.reportUncaught(f.Name())
		},
		RunFinalizer: func(f *tsq.Func[any], env abi.Env) {
			depth := h.arena.Open()
			f.Finalize(env)
			h.arena.Close(depth)
		},
		Logger: h.log,
	})
}

func (h *Host) CreateThreadsafeFunction(_ abi.Env, fn abi.Value, name string, maxQueue int, context uintptr, fin abi.Finalize, call abi.ThreadsafeCall) (abi.ThreadsafeFunction, abi.Status) {
	var x any
	if fn != 0 {
		var ok bool
		if x, ok = h.value(fn); !ok {
			return 0, abi.InvalidArg
		}
		if typeOf(x) != abi.Function {
			return 0, abi.FunctionExpected
		}
	}
	return h.queues.Create(x, x != nil, name, maxQueue, context, fin, call)
}

// CallThreadsafeFunction queues data for delivery on the host thread. A
// blocking call on a full queue waits for room, unless it is made from the
// host thread itself.
func (h *Host) CallThreadsafeFunction(id abi.ThreadsafeFunction, data uintptr, mode abi.ThreadsafeCallMode) abi.Status {
	return h.queues.Call(id, data, mode)
}

// ReleaseThreadsafeFunction releases the function. It is finalized once
// every queued call has been delivered.
func (h *Host) ReleaseThreadsafeFunction(id abi.ThreadsafeFunction) abi.Status {
	return h.queues.Release(id)
}

func (h *Host) reportUncaught(where string) {
	exc, ok := h.takeException()
	if !ok {
		return
	}
	msg := where + ": " + describe(exc)
	h.uncaught = append(h.uncaught, msg)
	h.log.Warn("uncaught exception", zap.String("where", where), zap.String("exception", describe(exc)))
}

// ThreadsafeFunctions returns the number of thread-safe functions that have
// not been finalized.
func (h *Host) ThreadsafeFunctions() int { return h.queues.Live() }
