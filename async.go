package jsbind

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// Future is native work producing a T off the host thread.
type Future[T any] func(ctx context.Context) (T, error)

// AsyncOption configures Begin.
type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	ctx      context.Context
	executor Executor
	onSettle func(name string, resolved bool)
}

// WithExecutor runs the future on ex instead of a fresh goroutine.
func WithExecutor(ex Executor) AsyncOption {
	return func(c *asyncConfig) { c.executor = ex }
}

// WithContext passes ctx to the future.
func WithContext(ctx context.Context) AsyncOption {
	return func(c *asyncConfig) { c.ctx = ctx }
}

// WithSettleHook calls fn on the host thread after the promise is settled.
func WithSettleHook(fn func(name string, resolved bool)) AsyncOption {
	return func(c *asyncConfig) { c.onSettle = fn }
}

// outcome is the completion payload: the future's result and the deferred
// it settles.
type outcome[T any] struct {
	deferred *deferred
	value    T
	err      error
}

// deferred guards the one-shot settle capability of a promise.
type deferred struct {
	name    string
	raw     abi.Deferred
	settled atomic.Bool
}

func (d *deferred) settle(env Env, resolve bool, v Value) error {
	if !d.settled.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("jsbind: promise %s settled twice", d.name))
	}
	var st abi.Status
	if resolve {
		st = env.host.ResolveDeferred(env.raw, d.raw, v.raw)
	} else {
		st = env.host.RejectDeferred(env.raw, d.raw, v.raw)
	}
	return env.check("settle_deferred", st)
}

// Begin starts fut and returns a promise settled with its outcome on the
// host thread. It must be called on the host thread.
func Begin[T any](env Env, name string, fut Future[T], opts ...AsyncOption) (Value, error) {
	cfg := asyncConfig{ctx: context.Background(), executor: GoExecutor{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if name == "" {
		name = "async"
	}
	name = name + "#" + uuid.NewString()[:8]

	rawDeferred, rawPromise, st := env.host.CreatePromise(env.raw)
	promise, err := env.value("create_promise", rawPromise, st)
	if err != nil {
		return Value{}, err
	}
	d := &deferred{name: name, raw: rawDeferred}

	complete := func(env Env, out outcome[T]) error {
		resolved, err := deliverOutcome(env, out)
		if cfg.onSettle != nil {
			cfg.onSettle(name, resolved)
		}
		return err
	}
	shot, err := NewOneShot(env, "async_worker_th_"+name, complete, nil)
	if err != nil {
		// Without a channel the promise can only be settled here.
		errVal, verr := env.errorValue(err)
		if verr == nil {
			verr = d.settle(env, false, errVal)
		}
		if verr != nil {
			return Value{}, multierr.Append(err, verr)
		}
		Logger().Debug("async rejected before start", zap.String("op", name), zap.Error(err))
		return promise, nil
	}

	Logger().Debug("async started", zap.String("op", name))
	cfg.executor.Spawn(func() {
		value, ferr := fut(cfg.ctx)
		if err := shot.Complete(outcome[T]{deferred: d, value: value, err: ferr}); err != nil {
			// Delivery failed: the payload was already freed by Send.
			Logger().Error("async completion not delivered", zap.String("op", name), zap.Error(err))
		}
	})
	return promise, nil
}

// AsyncHandler implements a native function returning a promise. It runs on
// the host thread and returns the future to start.
type AsyncHandler func(c *Call) (Future[any], error)

// Handler adapts h into a Handler that starts the returned future with Begin.
// An error from h is thrown synchronously.
func (h AsyncHandler) Handler(name string, opts ...AsyncOption) Handler {
	return func(c *Call) (any, error) {
		fut, err := h(c)
		if err != nil {
			return nil, err
		}
		return Begin(c.env, name, fut, opts...)
	}
}

// deliverOutcome is the completion routine. It settles the promise exactly
// once and reports whether it was resolved.
func deliverOutcome[T any](env Env, out outcome[T]) (bool, error) {
	if out.err == nil {
		v, err := Marshal(env, out.value)
		if err == nil {
			Logger().Debug("async resolved", zap.String("op", out.deferred.name))
			return true, out.deferred.settle(env, true, v)
		}
		out.err = err
	}

	errVal, err := env.errorValue(NativeError(out.err))
	if err != nil {
		errVal = env.Undefined()
	}
	Logger().Debug("async rejected", zap.String("op", out.deferred.name), zap.Error(out.err))
	return false, out.deferred.settle(env, false, errVal)
}
