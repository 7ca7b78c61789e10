package main

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Gaurav-Gosain/jsbind"
	gojahost "github.com/Gaurav-Gosain/jsbind/host/goja"
	quickjshost "github.com/Gaurav-Gosain/jsbind/host/quickjs"
)

// engine is a host the REPL can drive.
type engine interface {
	jsbind.Runtime
	Eval(name, src string) (any, error)
	Await(name, src string, timeout time.Duration) (any, error)
	GC() error
	Finalized() int
	Uncaught() []string
}

type gojaEngine struct {
	*gojahost.Host
}

func (e gojaEngine) GC() error {
	e.Host.GC()
	return nil
}

func engineName(kind string) string {
	if kind == "quickjs" {
		return "QuickJS-ng on wazero"
	}
	return "goja (pure Go)"
}

// newEngine starts the configured host and installs require.
func newEngine(cfg Config, console io.Writer, log *zap.Logger) (engine, error) {
	var e engine
	switch cfg.Engine {
	case "quickjs":
		opts := []quickjshost.Option{
			quickjshost.WithLogger(log),
			quickjshost.WithConsole(console),
		}
		if cfg.Wasm != "" {
			opts = append(opts, quickjshost.WithModulePath(cfg.Wasm))
		}
		if cfg.MemoryLimit > 0 {
			opts = append(opts, quickjshost.WithMemoryLimit(cfg.MemoryLimit))
		}
		if cfg.MaxStackSize > 0 {
			opts = append(opts, quickjshost.WithMaxStackSize(cfg.MaxStackSize))
		}
		h, err := quickjshost.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("start quickjs: %w", err)
		}
		e = h
	default:
		h, err := gojahost.New(gojahost.WithLogger(log), gojahost.WithConsole(console))
		if err != nil {
			return nil, fmt.Errorf("start goja: %w", err)
		}
		e = gojaEngine{h}
	}

	if err := jsbind.Run(e, installRequire); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// installRequire defines a global require that loads registered native
// modules.
func installRequire(env jsbind.Env) error {
	global, err := env.Global()
	if err != nil {
		return err
	}
	fn, err := jsbind.Function(env, "require", func(c *jsbind.Call) (any, error) {
		name, err := jsbind.ArgAs[string](c, 0)
		if err != nil {
			return nil, err
		}
		return jsbind.Load(c.Env(), name)
	})
	if err != nil {
		return err
	}
	return global.Set("require", fn)
}
