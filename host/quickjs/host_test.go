package quickjshost_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gaurav-Gosain/jsbind"
	quickjshost "github.com/Gaurav-Gosain/jsbind/host/quickjs"
	"github.com/Gaurav-Gosain/jsbind/internal/qjs"
)

type counter struct {
	v    int
	fins *atomic.Int32
}

func (c *counter) Finalize() { c.fins.Add(1) }

func newHost(t *testing.T) *quickjshost.Host {
	t.Helper()
	if os.Getenv(qjs.EnvModule) == "" {
		t.Skipf("%s not set", qjs.EnvModule)
	}
	h, err := quickjshost.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func install(t *testing.T, h *quickjshost.Host, m *jsbind.Module) {
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

func TestNewWithoutModule(t *testing.T) {
	t.Setenv(qjs.EnvModule, "")
	if _, err := quickjshost.New(); err == nil {
		t.Error("New() without a module succeeded")
	}
}

func TestClassLifecycle(t *testing.T) {
	h := newHost(t)
	var fins atomic.Int32
	cls := jsbind.NewClass("Counter", func(c *jsbind.Call) (*counter, error) {
		v, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		return &counter{v: v, fins: &fins}, nil
	}).Method("add", func(c *jsbind.Call, self *counter) (any, error) {
		n, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		self.v += n
		return self.v, nil
	})
	m := jsbind.NewModule("counter")
	if err := m.SubmitClass(cls); err != nil {
		t.Fatal(err)
	}
	install(t, h, m)

	got, err := h.Eval("use", "const a = new Counter(3); a.add(4)")
	if err != nil {
		t.Fatal(err)
	}
	if got != 7.0 {
		t.Errorf("a.add(4) = %v, want 7", got)
	}

	_, err = h.Eval("plain", "Counter(1)")
	var se *quickjshost.ScriptError
	if !errors.As(err, &se) || se.Name != "TypeError" || se.Code != "no_plain_constructor" {
		t.Errorf("plain call error = %v, want TypeError [no_plain_constructor]", err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if got := fins.Load(); got != 1 {
		t.Errorf("finalizers run = %d, want 1", got)
	}
}

func TestPromise(t *testing.T) {
	h := newHost(t)
	m := jsbind.NewModule("hello")
	err := m.SubmitProperty("hello", func(c *jsbind.Call) (any, error) {
		n, err := jsbind.ArgAs[int](c, 0)
		if err != nil {
			return nil, err
		}
		return jsbind.Begin(c.Env(), "hello", func(ctx context.Context) (int, error) {
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
	if err != nil || got != 15.0 {
		t.Errorf("hello(5) = %v, %v; want 15", got, err)
	}
	_, err = h.Await("reject", "hello(-5)", time.Second)
	var se *quickjshost.ScriptError
	if !errors.As(err, &se) || se.Message != "arg is negative" {
		t.Errorf("hello(-5) error = %v", err)
	}
}
