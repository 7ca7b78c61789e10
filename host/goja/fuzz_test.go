//go:build !race

package gojahost_test

import (
	"testing"
	"unicode/utf8"

	"github.com/Gaurav-Gosain/jsbind"
	gojahost "github.com/Gaurav-Gosain/jsbind/host/goja"
)

// Fuzz tests are disabled with -race; every input runs through the host
// loop and the detector makes that slow.

func newFuzzHost(f *testing.F) *gojahost.Host {
	h, err := gojahost.New(gojahost.WithMaxCallStackSize(256))
	if err != nil {
		f.Fatal(err)
	}
	f.Cleanup(func() { _ = h.Close() })
	return h
}

// FuzzEval checks that arbitrary scripts never take down the host and that
// whatever they produce can be read back through the bridge.
func FuzzEval(f *testing.F) {
	seeds := []string{
		"",
		"1 + 2",
		"null",
		"undefined",
		`"hello"`,
		"[1, [2, [3]]]",
		"({a: {b: 1}})",
		"() => {}",
		"class A {}",
		"throw new Error('x')",
		"throw 1",
		"Symbol('x')",
		"Promise.resolve(1)",
		"new Proxy({}, {get() { throw 1 }})",
		"(function f() { f() })()",
		"a?.b ?? c",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	h := newFuzzHost(f)
	f.Fuzz(func(t *testing.T, code string) {
		if !utf8.ValidString(code) {
			return
		}
		_, _ = h.Eval("fuzz.js", code)
		_ = jsbind.Run(h, func(env jsbind.Env) error {
			global, err := env.Global()
			if err != nil {
				return err
			}
			keys, err := global.Keys()
			if err != nil {
				return nil
			}
			for _, k := range keys {
				v, err := global.Get(k)
				if err != nil {
					continue
				}
				_ = v.String()
				_, _ = jsbind.Export(v)
			}
			return nil
		})
		if v, err := h.Eval("probe.js", "1 + 1"); err != nil || v != 2.0 {
			t.Errorf("host unusable after %q: %v, %v", code, v, err)
		}
	})
}

// FuzzStringRoundTrip passes strings through a native function and back.
func FuzzStringRoundTrip(f *testing.F) {
	seeds := []string{
		"",
		"hello world",
		"mixed\ttabs\nand\nnewlines",
		`{"key":"value"}`,
		"\u0000nul",
		"日本語",
		"😀",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	h := newFuzzHost(f)
	err := jsbind.Run(h, func(env jsbind.Env) error {
		global, err := env.Global()
		if err != nil {
			return err
		}
		fn, err := jsbind.Function(env, "echo", func(c *jsbind.Call) (any, error) {
			return jsbind.ArgAs[string](c, 0)
		})
		if err != nil {
			return err
		}
		return global.Set("echo", fn)
	})
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, input string) {
		if !utf8.ValidString(input) {
			return
		}
		var got string
		err := jsbind.Run(h, func(env jsbind.Env) error {
			global, err := env.Global()
			if err != nil {
				return err
			}
			out, err := global.Method("echo", input)
			if err != nil {
				return err
			}
			got, err = out.Str()
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if got != input {
			t.Errorf("echo(%q) = %q", input, got)
		}
	})
}
