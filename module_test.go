package jsbind

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestModuleConcurrentSubmit(t *testing.T) {
	const n = 100
	m := NewModule("props")

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("p%03d", i)
			if err := m.SubmitProperty(name, func(*Call) (any, error) { return i, nil }); err != nil {
				t.Errorf("SubmitProperty(%s) = %v", name, err)
			}
		}()
	}
	wg.Wait()

	h := newHost(t)
	run(t, h, func(env Env) error {
		exports, err := env.Object()
		if err != nil {
			return err
		}
		if err := m.InstallAll(env, exports); err != nil {
			return err
		}
		keys, err := exports.Keys()
		if err != nil {
			return err
		}
		if len(keys) != n {
			t.Errorf("exports has %d keys, want %d", len(keys), n)
		}
		slices.Sort(keys)
		if len(slices.Compact(keys)) != len(keys) {
			t.Error("exports has duplicate keys")
		}
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%03d", i)
			fn, err := exports.Get(name)
			if err != nil {
				return err
			}
			out, err := fn.Call(env.Undefined())
			if err != nil {
				return fmt.Errorf("%s(): %w", name, err)
			}
			if got, _ := out.Float64(); got != float64(i) {
				t.Errorf("%s() = %v, want %d", name, got, i)
			}
		}
		return nil
	})
}

func TestModuleRejectsDuplicates(t *testing.T) {
	noop := func(*Call) (any, error) { return nil, nil }
	tests := []struct {
		name   string
		submit func(m *Module) error
	}{
		{"property twice", func(m *Module) error { return m.SubmitProperty("x", noop) }},
		{"value over property", func(m *Module) error {
			return m.SubmitValue("x", func(env Env) (Value, error) { return env.Null(), nil })
		}},
		{"class over property", func(m *Module) error { return m.SubmitClass(NewClass[counter]("x", nil)) }},
		{"empty name", func(m *Module) error { return m.SubmitProperty("", noop) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModule("dups")
			if err := m.SubmitProperty("x", noop); err != nil {
				t.Fatal(err)
			}
			if err := tt.submit(m); !errors.Is(err, ErrDuplicateBinding) {
				t.Errorf("submit = %v, want %v", err, ErrDuplicateBinding)
			}
			if got := m.Exports(); !slices.Equal(got, []string{"x"}) {
				t.Errorf("Exports() = %v, want [x]", got)
			}
		})
	}
}

func TestModuleInstallsClassesAndValues(t *testing.T) {
	m := NewModule("mixed")
	if err := m.SubmitClass(counterClass(nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.SubmitValue("version", func(env Env) (Value, error) { return env.String("1.0") }); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Exports(), []string{"Counter", "version"}; !slices.Equal(got, want) {
		t.Errorf("Exports() = %v, want %v", got, want)
	}

	h := newHost(t)
	run(t, h, func(env Env) error {
		exports, err := env.Object()
		if err != nil {
			return err
		}
		if err := m.InstallAll(env, exports); err != nil {
			return err
		}
		ctor, err := exports.Get("Counter")
		if err != nil {
			return err
		}
		obj, err := ctor.New(4)
		if err != nil {
			return err
		}
		v, err := obj.Method("get")
		if err != nil {
			return err
		}
		if n, _ := v.Float64(); n != 4 {
			t.Errorf("new Counter(4).get() = %v, want 4", n)
		}
		version, err := exports.Get("version")
		if err != nil {
			return err
		}
		if s, _ := version.Str(); s != "1.0" {
			t.Errorf("version = %q, want 1.0", s)
		}
		return nil
	})
}

func TestModuleInstallError(t *testing.T) {
	m := NewModule("broken")
	boom := errors.New("boom")
	if err := m.SubmitValue("bad", func(Env) (Value, error) { return Value{}, boom }); err != nil {
		t.Fatal(err)
	}
	h := newHost(t)
	run(t, h, func(env Env) error {
		exports, err := env.Object()
		if err != nil {
			return err
		}
		err = m.InstallAll(env, exports)
		if !errors.Is(err, boom) {
			t.Errorf("InstallAll() = %v, want %v", err, boom)
		}
		return nil
	})
}

func TestRegistry(t *testing.T) {
	name := fmt.Sprintf("registry_%p", t)
	m := NewModule(name)
	if err := m.SubmitProperty("hello", func(c *Call) (any, error) {
		who, err := ArgAs[string](c, 0)
		if err != nil {
			return nil, err
		}
		return "hello " + who, nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := Register(m); err != nil {
		t.Fatal(err)
	}
	if err := Register(NewModule(name)); !errors.Is(err, ErrDuplicateBinding) {
		t.Errorf("second Register = %v, want %v", err, ErrDuplicateBinding)
	}
	if got, ok := Lookup(name); !ok || got != m {
		t.Errorf("Lookup(%s) = %v, %v", name, got, ok)
	}
	if !slices.Contains(Modules(), name) {
		t.Errorf("Modules() = %v, missing %s", Modules(), name)
	}

	h := newHost(t)
	run(t, h, func(env Env) error {
		exports, err := Load(env, name)
		if err != nil {
			return err
		}
		out, err := exports.Method("hello", "world")
		if err != nil {
			return err
		}
		if s, _ := out.Str(); s != "hello world" {
			t.Errorf("hello(world) = %q", s)
		}
		if _, err := Load(env, name+"_missing"); err == nil {
			t.Error("Load of an unregistered module succeeded")
		}
		return nil
	})
}
