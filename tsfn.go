package jsbind

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/handle"
)

// channel is the host-thread side of a thread-safe function: it owns the
// delivery routine and is what the tsfn context ID resolves to.
type channel struct {
	name    string
	host    abi.Host
	deliver func(env Env, fn Value, item any)
	drop    func(item any)
}

func threadsafeTrampoline(raw abi.Env, fn abi.Value, context, data uintptr) {
	// The payload is reclaimed first so it is freed exactly once, whatever
	// happens during delivery.
	item, err := objects.Remove(handle.ID(data))
	if err != nil {
		Logger().Error("threadsafe call: payload missing", zap.Uint64("id", uint64(data)), zap.Error(err))
		return
	}
	v, lookupErr := objects.Lookup(handle.ID(context), tagChannel)
	if lookupErr != nil {
		Logger().Error("threadsafe call: channel missing", zap.Uint64("id", uint64(context)), zap.Error(lookupErr))
		return
	}
	ch := v.(*channel)

	if raw.IsNull() {
		// Host teardown: the item will never be delivered.
		if ch.drop != nil {
			ch.drop(item)
		}
		Logger().Debug("payload dropped at teardown", zap.String("channel", ch.name))
		return
	}
	env, _, ok := lookupEnv(raw)
	if !ok {
		env = Env{host: ch.host, raw: raw}
	}
	var fv Value
	if fn != 0 {
		fv = Value{env: env, raw: fn}
	}
	ch.deliver(env, fv, item)
}

func threadsafeFinalize(raw abi.Env, data, hint uintptr) {
	if _, err := objects.Remove(handle.ID(data)); err != nil {
		Logger().Error("threadsafe finalize: channel missing", zap.Uint64("id", uint64(data)), zap.Error(err))
	}
}

// Sender delivers values of type T to the host thread from any goroutine.
// Every Send enqueues one call of the delivery routine.
type Sender[T any] struct {
	name      string
	host      abi.Host
	tsfn      abi.ThreadsafeFunction
	closeOnce sync.Once
	closeErr  error
}

// SenderOption configures a Sender.
type SenderOption func(*senderConfig)

type senderConfig struct {
	maxQueue int
	drop     func(item any)
}

// WithMaxQueue bounds the number of undelivered items. 0 means unbounded.
func WithMaxQueue(n int) SenderOption {
	return func(c *senderConfig) { c.maxQueue = n }
}

// NewSender creates a channel to the host thread of env. fn, if not zero,
// is the host function handed to deliver on every call. It must be called on
// the host thread.
func NewSender[T any](env Env, name string, fn Value, deliver func(env Env, fn Value, item T) error, opts ...SenderOption) (*Sender[T], error) {
	return newSender(env, name, fn, deliver, nil, opts...)
}

func newSender[T any](env Env, name string, fn Value, deliver func(env Env, fn Value, item T) error, drop func(item T), opts ...SenderOption) (*Sender[T], error) {
	var cfg senderConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := &channel{
		name: name,
		host: env.host,
		deliver: func(env Env, fn Value, item any) {
			if err := deliver(env, fn, item.(T)); err != nil {
				Logger().Error("delivery failed", zap.String("channel", name), zap.Error(err))
			}
		},
	}
	if drop != nil {
		ch.drop = func(item any) { drop(item.(T)) }
	}
	ctxID := objects.Insert(tagChannel, ch)

	tsfn, st := env.host.CreateThreadsafeFunction(env.raw, fn.raw, name, cfg.maxQueue,
		uintptr(ctxID), threadsafeFinalize, threadsafeTrampoline)
	if st != abi.OK {
		_, _ = objects.Remove(ctxID)
		return nil, env.check("create_threadsafe_function", st)
	}
	return &Sender[T]{name: name, host: env.host, tsfn: tsfn}, nil
}

// Name returns the channel name.
func (s *Sender[T]) Name() string { return s.name }

// Send enqueues item. It may be called from any goroutine. If the host
// refuses the item, ownership stays with the caller and Send returns a
// QueueError.
func (s *Sender[T]) Send(item T) error {
	return s.send(item, abi.Nonblocking)
}

// SendWait is Send, but on a full queue it waits for room. It fails with a
// QueueError on the host thread, where waiting would deadlock.
func (s *Sender[T]) SendWait(item T) error {
	return s.send(item, abi.Blocking)
}

func (s *Sender[T]) send(item T, mode abi.ThreadsafeCallMode) error {
	id := objects.Insert(tagPayload, item)
	if st := s.host.CallThreadsafeFunction(s.tsfn, uintptr(id), mode); st != abi.OK {
		_, _ = objects.Remove(id)
		return QueueError(s.name, st)
	}
	return nil
}

// Close releases the channel. Items already queued are still delivered.
// Close is idempotent.
func (s *Sender[T]) Close() error {
	s.closeOnce.Do(func() {
		if st := s.host.ReleaseThreadsafeFunction(s.tsfn); st != abi.OK && st != abi.Closing {
			s.closeErr = HostCallFailed("release_threadsafe_function", st)
		}
	})
	return s.closeErr
}

// OneShot delivers exactly one value to the host thread. A second Complete
// fails without touching the host.
type OneShot[T any] struct {
	sender *Sender[T]
	mu     sync.Mutex
	done   bool
}

// NewOneShot creates a one-shot channel. It must be called on the host thread.
func NewOneShot[T any](env Env, name string, deliver func(env Env, item T) error, drop func(item T)) (*OneShot[T], error) {
	s, err := newSender(env, name, Value{}, func(env Env, _ Value, item T) error {
		return deliver(env, item)
	}, drop)
	if err != nil {
		return nil, err
	}
	return &OneShot[T]{sender: s}, nil
}

// Complete delivers item and releases the channel. It may be called from
// any goroutine.
func (o *OneShot[T]) Complete(item T) error {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return &Error{Kind: KindAlreadyCompleted, Op: o.sender.name}
	}
	o.done = true
	o.mu.Unlock()

	err := o.sender.Send(item)
	return multierr.Append(err, o.sender.Close())
}

// Abandon releases the channel without delivering anything.
func (o *OneShot[T]) Abandon() error {
	o.mu.Lock()
	already := o.done
	o.done = true
	o.mu.Unlock()
	if already {
		return nil
	}
	return o.sender.Close()
}

// NewCallback wraps fn so that native code on any goroutine can call it.
// Each Send calls fn with the marshaled item as its single argument; a
// slice of any is spread into separate arguments.
func NewCallback[T any](env Env, name string, fn Value) (*Sender[T], error) {
	if !fn.IsFunction() {
		return nil, TypeMismatch("function", fn.Type().String())
	}
	return NewSender(env, name, fn, func(env Env, fn Value, item T) error {
		var args []any
		if spread, ok := any(item).([]any); ok {
			args = spread
		} else {
			args = []any{item}
		}
		if _, err := fn.Call(env.Undefined(), args...); err != nil {
			return fmt.Errorf("callback %s: %w", name, err)
		}
		return nil
	})
}
