package jsbind

import (
	"sync"
	"testing"

	"github.com/Gaurav-Gosain/jsbind/internal/hostsim"
)

// The handle table is process-wide, so tests measure deltas and do not run
// in parallel.

func newHost(t *testing.T) *hostsim.Host {
	t.Helper()
	h := hostsim.New()
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// run calls fn on the host thread. Failures inside fn are reported with
// t.Errorf or by returning an error; t.Fatal must stay on the test goroutine.
func run(t *testing.T, h *hostsim.Host, fn func(env Env) error) {
	t.Helper()
	if err := Run(h, fn); err != nil {
		t.Fatal(err)
	}
}

// drain waits until every task queued on the host loop so far has run.
func drain(t *testing.T, h *hostsim.Host) {
	t.Helper()
	if err := h.Do(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func script(env Env, h *hostsim.Host, name string, fn hostsim.ScriptFunc) Value {
	return Value{env: env, raw: h.Func(name, fn)}
}

// recorder is a script callback that records its exported arguments.
type recorder struct {
	mu    sync.Mutex
	calls [][]any
	ch    chan []any
}

func newRecorder() *recorder { return &recorder{ch: make(chan []any, 64)} }

func (r *recorder) fn(this any, args []any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	r.ch <- args
	return nil, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func exceptionOf(t *testing.T, h *hostsim.Host, err error) *hostsim.ErrorValue {
	t.Helper()
	be, ok := err.(*Error)
	if !ok || be.Exception == 0 {
		t.Errorf("error %v carries no host exception", err)
		return &hostsim.ErrorValue{}
	}
	ev, ok := h.Export(be.Exception).(*hostsim.ErrorValue)
	if !ok {
		t.Errorf("exception %v is not an Error object", h.Export(be.Exception))
		return &hostsim.ErrorValue{}
	}
	return ev
}
