package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/Gaurav-Gosain/jsbind"
)

// demo is the native module the REPL exposes as require('demo').
type demo struct {
	ex    jsbind.Executor
	delay time.Duration
}

type myObject struct {
	val float64
}

type streamFactory struct{}

func (d demo) sleep(ctx context.Context) error {
	if d.delay <= 0 {
		return nil
	}
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d demo) module() (*jsbind.Module, error) {
	m := jsbind.NewModule("demo")
	props := []struct {
		name string
		h    jsbind.Handler
	}{
		{"hello", d.hello},
		{"hello2", d.hello2},
		{"justSleep", d.justSleep},
		{"basic", d.basic},
	}
	for _, p := range props {
		if err := m.SubmitProperty(p.name, p.h); err != nil {
			return nil, err
		}
	}
	if err := m.SubmitClass(d.myObjectClass()); err != nil {
		return nil, err
	}
	if err := m.SubmitClass(d.streamFactoryClass()); err != nil {
		return nil, err
	}
	return m, nil
}

func (d demo) hello(c *jsbind.Call) (any, error) {
	arg, err := jsbind.ArgAs[float64](c, 0)
	if err != nil {
		return nil, err
	}
	return jsbind.Begin(c.Env(), "hello", func(ctx context.Context) (float64, error) {
		if err := d.sleep(ctx); err != nil {
			return 0, err
		}
		return arg + 10, nil
	}, jsbind.WithExecutor(d.ex))
}

func (d demo) hello2(c *jsbind.Call) (any, error) {
	arg, err := jsbind.ArgAs[float64](c, 0)
	if err != nil {
		return nil, err
	}
	return jsbind.Begin(c.Env(), "hello2", func(ctx context.Context) (float64, error) {
		if err := d.sleep(ctx); err != nil {
			return 0, err
		}
		if arg < 0 {
			return 0, errors.New("arg is negative")
		}
		return arg + 10, nil
	}, jsbind.WithExecutor(d.ex))
}

func (d demo) justSleep(c *jsbind.Call) (any, error) {
	ms, err := jsbind.ArgAs[int](c, 0)
	if err != nil {
		return nil, err
	}
	return jsbind.Begin(c.Env(), "justSleep", func(ctx context.Context) (any, error) {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, jsbind.WithExecutor(d.ex))
}

// basic calls cb(seconds, seconds*2) from a worker goroutine.
func (d demo) basic(c *jsbind.Call) (any, error) {
	seconds, err := jsbind.ArgAs[float64](c, 0)
	if err != nil {
		return nil, err
	}
	cb, err := jsbind.NewCallback[[]any](c.Env(), "basic_cb", c.Arg(1))
	if err != nil {
		return nil, err
	}
	d.ex.Spawn(func() {
		defer cb.Close()
		if err := d.sleep(context.Background()); err != nil {
			return
		}
		_ = cb.Send([]any{seconds, seconds * 2})
	})
	return nil, nil
}

func (d demo) myObjectClass() *jsbind.Class[myObject] {
	var cls *jsbind.Class[myObject]
	cls = jsbind.NewClass("MyObject", func(c *jsbind.Call) (*myObject, error) {
		if c.Len() == 0 || c.Arg(0).IsUndefined() {
			return &myObject{}, nil
		}
		val, err := jsbind.ArgAs[float64](c, 0)
		if err != nil {
			return nil, err
		}
		return &myObject{val: val}, nil
	}).
		ReadMethod("plusOne", func(c *jsbind.Call, self *myObject) (any, error) {
			return self.val + 1, nil
		}).
		Accessor("value", func(c *jsbind.Call, self *myObject) (any, error) {
			return self.val, nil
		}, func(c *jsbind.Call, self *myObject, v jsbind.Value) error {
			val, err := jsbind.Unmarshal[float64](c.Env(), v)
			if err != nil {
				return err
			}
			self.val = val
			return nil
		}).
		Getter("isPositive", func(c *jsbind.Call, self *myObject) (any, error) {
			return self.val > 0, nil
		}).
		Method("changeValue", func(c *jsbind.Call, self *myObject) (any, error) {
			val, err := jsbind.ArgAs[float64](c, 0)
			if err != nil {
				return nil, err
			}
			self.val = val
			return nil, nil
		}).
		ReadMethod("plusScore", func(c *jsbind.Call, self *myObject) (any, error) {
			cfg, err := jsbind.ArgAs[struct {
				Score float64 `js:"score"`
			}](c, 0)
			if err != nil {
				return nil, err
			}
			return self.val + cfg.Score, nil
		}).
		ReadMethod("multiply", func(c *jsbind.Call, self *myObject) (any, error) {
			arg, err := jsbind.ArgAs[float64](c, 0)
			if err != nil {
				return nil, err
			}
			return cls.NewInstance(c.Env(), self.val*arg)
		}).
		AsyncMethod("plusTwo", func(c *jsbind.Call, self *myObject) (jsbind.Future[any], error) {
			arg, err := jsbind.ArgAs[float64](c, 0)
			if err != nil {
				return nil, err
			}
			val := self.val
			return func(ctx context.Context) (any, error) {
				if err := d.sleep(ctx); err != nil {
					return nil, err
				}
				return val + arg, nil
			}, nil
		})
	return cls
}

func (d demo) streamFactoryClass() *jsbind.Class[streamFactory] {
	return jsbind.NewClass("StreamFactory", func(c *jsbind.Call) (*streamFactory, error) {
		return &streamFactory{}, nil
	}).ReadMethod("stream", func(c *jsbind.Call, _ *streamFactory) (any, error) {
		count, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		if count > 10 {
			return nil, fmt.Errorf("count: %d should be less than or equal to 10", count)
		}
		mode, err := jsbind.Stream(c.Env(), "stream", d.count(count), c.Arg(1), jsbind.WithStreamExecutor(d.ex))
		if err != nil {
			return nil, err
		}
		return mode.String(), nil
	})
}

// count yields 0..n-1, pausing before each item.
func (d demo) count(n int) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		for i := range n {
			if d.sleep(context.Background()) != nil {
				return
			}
			if !yield(float64(i)) {
				return
			}
		}
	}
}
