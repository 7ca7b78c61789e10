package jsbind

import (
	"fmt"
	"iter"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// DeliveryMode is how streamed items reach the host callback.
type DeliveryMode int

const (
	// ModeThreadsafe produces items on any goroutine and queues each one
	// through a thread-safe function.
	ModeThreadsafe DeliveryMode = iota
	// ModeDirect produces and delivers items on the host thread, one per
	// executor task, calling the callback directly.
	ModeDirect
)

func (m DeliveryMode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "threadsafe"
}

// SelectMode picks the delivery mode an executor supports: direct only when
// it guarantees that its tasks run on the host thread.
func SelectMode(ex Executor) DeliveryMode {
	if hb, ok := ex.(HostBound); ok && hb.RunsOnHostThread() {
		return ModeDirect
	}
	return ModeThreadsafe
}

// StreamOption configures Stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	executor Executor
	maxQueue int
	onDone   func(env Env, delivered int, err error)
}

// defaultStreamQueue bounds the undelivered items of a thread-safe stream.
const defaultStreamQueue = 16

// WithStreamMaxQueue bounds the items a thread-safe stream may have queued
// for the host thread. The producer waits while the queue is full. It does
// not apply to direct delivery.
func WithStreamMaxQueue(n int) StreamOption {
	return func(c *streamConfig) {
		if n > 0 {
			c.maxQueue = n
		}
	}
}

// WithStreamExecutor sets the executor that drives the sequence.
func WithStreamExecutor(ex Executor) StreamOption {
	return func(c *streamConfig) { c.executor = ex }
}

// OnStreamDone calls fn on the host thread after the last delivery.
func OnStreamDone(fn func(env Env, delivered int, err error)) StreamOption {
	return func(c *streamConfig) { c.onDone = fn }
}

// Stream calls fn once per item of seq. The delivery mode follows the
// executor; see SelectMode. It must be called on the host thread and
// returns before the first item is delivered.
func Stream[T any](env Env, name string, seq iter.Seq[T], fn Value, opts ...StreamOption) (DeliveryMode, error) {
	cfg := streamConfig{executor: GoExecutor{}, maxQueue: defaultStreamQueue}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !fn.IsFunction() {
		return 0, TypeMismatch("function", fn.Type().String())
	}

	mode := SelectMode(cfg.executor)
	Logger().Debug("stream started", zap.String("stream", name), zap.Stringer("mode", mode))
	if mode == ModeDirect {
		return mode, streamDirect(env, name, seq, fn, cfg)
	}
	return mode, streamThreadsafe(env, name, seq, fn, cfg)
}

func streamDirect[T any](env Env, name string, seq iter.Seq[T], fn Value, cfg streamConfig) error {
	ref, st := env.host.CreateReference(env.raw, fn.raw, 1)
	if err := env.check("create_reference", st); err != nil {
		return err
	}

	next, stop := iter.Pull(seq)
	delivered := 0
	finish := func(err error) {
		stop()
		if !env.IsHostThread() {
			Logger().Error("stream finished off the host thread", zap.String("stream", name), zap.Error(err))
			return
		}
		env.host.DeleteReference(env.raw, ref)
		if err != nil {
			Logger().Debug("stream stopped", zap.String("stream", name), zap.Error(err))
		}
		if cfg.onDone != nil {
			cfg.onDone(env, delivered, err)
		}
	}

	var step func()
	step = func() {
		if !env.IsHostThread() {
			finish(&Error{Kind: KindThreadViolation, Op: name, Detail: "direct delivery off the host thread"})
			return
		}
		item, ok := next()
		if !ok {
			finish(nil)
			return
		}
		raw, st := env.host.GetReferenceValue(env.raw, ref)
		if st != abi.OK || raw == 0 {
			finish(HostCallFailed("get_reference_value", st))
			return
		}
		if _, err := (Value{env: env, raw: raw}).Call(env.Undefined(), item); err != nil {
			finish(fmt.Errorf("stream %s: %w", name, err))
			return
		}
		delivered++
		cfg.executor.Spawn(step)
	}
	cfg.executor.Spawn(step)
	return nil
}

type streamItem[T any] struct {
	item T
	end  bool
}

func streamThreadsafe[T any](env Env, name string, seq iter.Seq[T], fn Value, cfg streamConfig) error {
	delivered := 0
	var (
		failed  error
		stopped atomic.Bool
	)
	sender, err := NewSender(env, "stream_"+name, fn, func(env Env, fn Value, it streamItem[T]) error {
		if it.end {
			if cfg.onDone != nil {
				cfg.onDone(env, delivered, failed)
			}
			return nil
		}
		if failed != nil {
			return nil
		}
		if _, err := fn.Call(env.Undefined(), it.item); err != nil {
			failed = fmt.Errorf("stream %s: %w", name, err)
			stopped.Store(true)
			return failed
		}
		delivered++
		return nil
	}, WithMaxQueue(cfg.maxQueue))
	if err != nil {
		return err
	}

	cfg.executor.Spawn(func() {
		defer sender.Close()
		for item := range seq {
			if stopped.Load() {
				break
			}
			if err := sender.SendWait(streamItem[T]{item: item}); err != nil {
				Logger().Error("stream aborted", zap.String("stream", name), zap.Error(err))
				return
			}
		}
		if err := sender.SendWait(streamItem[T]{end: true}); err != nil {
			Logger().Error("stream end not delivered", zap.String("stream", name), zap.Error(err))
		}
	})
	return nil
}
