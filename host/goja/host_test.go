package gojahost_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gaurav-Gosain/jsbind"
	gojahost "github.com/Gaurav-Gosain/jsbind/host/goja"
)

type counter struct {
	v    int
	fins *atomic.Int32
}

func (c *counter) Finalize() { c.fins.Add(1) }

func newHost(t *testing.T, opts ...gojahost.Option) *gojahost.Host {
	t.Helper()
	h, err := gojahost.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// install registers a module of the given members on the global object.
func install(t *testing.T, h *gojahost.Host, m *jsbind.Module) {
	t.Helper()
	err := jsbind.Run(h, func(env jsbind.Env) error {
		global, err := env.Global()
		if err != nil {
			return err
		}
		return m.InstallAll(env, global)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func counterModule(t *testing.T, fins *atomic.Int32) *jsbind.Module {
	t.Helper()
	cls := jsbind.NewClass("Counter", func(c *jsbind.Call) (*counter, error) {
		v, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		return &counter{v: v, fins: fins}, nil
	}).
		Method("add", func(c *jsbind.Call, self *counter) (any, error) {
			n, err := jsbind.ArgAs[int](c, 0)
			if err != nil {
				return nil, err
			}
			self.v += n
			return self.v, nil
		}).
		Getter("value", func(c *jsbind.Call, self *counter) (any, error) { return self.v, nil })

	m := jsbind.NewModule("counter")
	if err := m.SubmitClass(cls); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestClassLifecycle(t *testing.T) {
	var fins atomic.Int32
	h := newHost(t)
	install(t, h, counterModule(t, &fins))

	tests := []struct {
		name string
		src  string
		want any
		code string
	}{
		{"construct and call", "const a = new Counter(3); a.add(4); a.value", 7.0, ""},
		{"methods on prototype", "typeof Counter.prototype.add", "function", ""},
		{"plain call", "Counter(1)", nil, "no_plain_constructor"},
		{"bad argument", "new Counter('x')", nil, "type_mismatch"},
		{"foreign receiver", "Counter.prototype.add.call({}, 1)", nil, "type_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Eval(tt.name, tt.src)
			if tt.code == "" {
				if err != nil {
					t.Fatal(err)
				}
				if got != tt.want {
					t.Errorf("Eval() = %v, want %v", got, tt.want)
				}
				return
			}
			var se *gojahost.ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("Eval() error = %v, want a script error", err)
			}
			if se.Name != "TypeError" || se.Code != tt.code {
				t.Errorf("thrown %s [%s], want TypeError [%s]", se.Name, se.Code, tt.code)
			}
		})
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	// Only the instance built by the first script survives to teardown; the
	// failed constructions never attached native state.
	if got := fins.Load(); got != 1 {
		t.Errorf("finalizers run at teardown = %d, want 1", got)
	}
	if _, err := h.Eval("late", "1"); !errors.Is(err, gojahost.ErrClosed) {
		t.Errorf("Eval() after Close = %v, want %v", err, gojahost.ErrClosed)
	}
}

func TestPromiseSettlesOnce(t *testing.T) {
	h := newHost(t)
	m := jsbind.NewModule("hello")
	err := m.SubmitProperty("hello", func(c *jsbind.Call) (any, error) {
		n, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		return jsbind.Begin(c.Env(), "hello", func(ctx context.Context) (int, error) {
			time.Sleep(5 * time.Millisecond)
			if n < 0 {
				return 0, errors.New("arg is negative")
			}
			return n + 10, nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	install(t, h, m)

	got, err := h.Await("resolve", "hello(5)", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got != 15.0 {
		t.Errorf("hello(5) = %v, want 15", got)
	}

	_, err = h.Await("reject", "hello(-5)", time.Second)
	var se *gojahost.ScriptError
	if !errors.As(err, &se) || se.Message != "arg is negative" {
		t.Errorf("hello(-5) error = %v, want rejection with 'arg is negative'", err)
	}

	got, err = h.Await("chain", "hello(1).then(v => v * 2)", time.Second)
	if err != nil || got != 22.0 {
		t.Errorf("chained promise = %v, %v; want 22", got, err)
	}
}

func TestSenderAfterClose(t *testing.T) {
	h := newHost(t)
	var sender *jsbind.Sender[int]
	var delivered atomic.Int32
	err := jsbind.Run(h, func(env jsbind.Env) error {
		fn, err := jsbind.Function(env, "sink", func(c *jsbind.Call) (any, error) {
			delivered.Add(1)
			return nil, nil
		})
		if err != nil {
			return err
		}
		sender, err = jsbind.NewCallback[int](env, "events", fn)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sender.Send(1); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	err = sender.Send(2)
	if !jsbind.IsKind(err, jsbind.KindQueueError) {
		t.Errorf("Send() after Close = %v, want a queue error", err)
	}
	if got := delivered.Load(); got > 1 {
		t.Errorf("delivered %d calls, want at most 1", got)
	}
}

func TestHostValues(t *testing.T) {
	h := newHost(t)
	err := jsbind.Run(h, func(env jsbind.Env) error {
		obj, err := jsbind.Marshal(env, map[string]any{"n": 2, "list": []any{"a", true}})
		if err != nil {
			return err
		}
		got, err := jsbind.Export(obj)
		if err != nil {
			return err
		}
		m, ok := got.(map[string]any)
		if !ok || m["n"] != 2.0 {
			t.Errorf("Export() = %#v", got)
		}
		if !env.IsHostThread() {
			t.Error("Run callback is not on the host thread")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	h := newHost(t, gojahost.WithConsole(&buf))
	if _, err := h.Eval("log", `console.log("hello", 42)`); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "hello 42" {
		t.Errorf("console output = %q, want %q", got, "hello 42")
	}
}

func TestUncaughtScriptError(t *testing.T) {
	h := newHost(t)
	_, err := h.Eval("throw", `throw Object.assign(new RangeError("too far"), {code: "E_FAR"})`)
	var se *gojahost.ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("Eval() error = %v", err)
	}
	if got := se.Error(); got != "RangeError [E_FAR]: too far" {
		t.Errorf("Error() = %q", got)
	}
}
