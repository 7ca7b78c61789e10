package jsbind

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	m := NewModule("logged")
	if err := m.SubmitProperty("f", func(*Call) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	h := newHost(t)
	run(t, h, func(env Env) error {
		exports, err := env.Object()
		if err != nil {
			return err
		}
		return m.InstallAll(env, exports)
	})

	entries := logs.FilterMessage("module installed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d install log entries, want 1", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "jsbind" {
		t.Errorf("logger name = %q, want jsbind", e.LoggerName)
	}
	if got := e.ContextMap()["module"]; got != "logged" {
		t.Errorf("module field = %v, want logged", got)
	}
	if got := e.ContextMap()["properties"]; got != int64(1) {
		t.Errorf("properties field = %v, want 1", got)
	}
}
