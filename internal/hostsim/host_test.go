package hostsim

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

func newHost(t *testing.T) *Host {
	t.Helper()
	h := New()
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// run fails the test from the test goroutine; t.Fatal must not be called
// on the host loop.
func run(t *testing.T, h *Host, fn func() error) {
	t.Helper()
	if err := h.Do(fn); err != nil {
		t.Fatal(err)
	}
}

func TestPrimitives(t *testing.T) {
	h := newHost(t)
	err := h.Do(func() error {
		tests := []struct {
			name string
			make func() (abi.Value, abi.Status)
			want abi.ValueType
		}{
			{"undefined", func() (abi.Value, abi.Status) { return h.GetUndefined(h.env) }, abi.Undefined},
			{"null", func() (abi.Value, abi.Status) { return h.GetNull(h.env) }, abi.Null},
			{"bool", func() (abi.Value, abi.Status) { return h.GetBoolean(h.env, true) }, abi.Boolean},
			{"number", func() (abi.Value, abi.Status) { return h.CreateDouble(h.env, 1.5) }, abi.Number},
			{"string", func() (abi.Value, abi.Status) { return h.CreateString(h.env, "x") }, abi.String},
			{"object", func() (abi.Value, abi.Status) { return h.CreateObject(h.env) }, abi.Object},
			{"error", func() (abi.Value, abi.Status) { return h.CreateError(h.env, "", "boom") }, abi.Object},
		}
		for _, tt := range tests {
			v, st := tt.make()
			if st != abi.OK {
				return fmt.Errorf("%s: status %v", tt.name, st)
			}
			got, _ := h.TypeOf(h.env, v)
			if got != tt.want {
				t.Errorf("TypeOf(%s) = %v, want %v", tt.name, got, tt.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestValueExpectations(t *testing.T) {
	h := newHost(t)
	run(t, h, func() error {
		s, _ := h.CreateString(h.env, "five")
		if _, st := h.GetValueDouble(h.env, s); st != abi.NumberExpected {
			t.Errorf("GetValueDouble(string) status = %v, want %v", st, abi.NumberExpected)
		}
		n, _ := h.CreateDouble(h.env, 5)
		if _, st := h.GetValueString(h.env, n); st != abi.StringExpected {
			t.Errorf("GetValueString(number) status = %v, want %v", st, abi.StringExpected)
		}
		if _, st := h.GetArrayLength(h.env, n); st != abi.ArrayExpected {
			t.Errorf("GetArrayLength(number) status = %v, want %v", st, abi.ArrayExpected)
		}
		return nil
	})
}

func TestScriptFunctionThrows(t *testing.T) {
	h := newHost(t)
	run(t, h, func() error {
		fn := h.Func("fail", func(this any, args []any) (any, error) {
			return nil, errors.New("nope")
		})
		undef, _ := h.GetUndefined(h.env)
		if _, st := h.CallFunction(h.env, undef, fn, nil); st != abi.PendingException {
			return fmt.Errorf("CallFunction status = %v, want %v", st, abi.PendingException)
		}
		exc, _ := h.GetAndClearLastException(h.env)
		got, ok := h.Export(exc).(*ErrorValue)
		if !ok || got.Message != "nope" {
			t.Errorf("exception = %#v, want Error(nope)", h.Export(exc))
		}
		if pending, _ := h.IsExceptionPending(h.env); pending {
			t.Error("exception still pending after clear")
		}
		return nil
	})
}

func TestWrapFinalizedOnCollect(t *testing.T) {
	h := newHost(t)
	var got []uintptr
	fin := func(env abi.Env, data, hint uintptr) {
		if env.IsNull() {
			t.Error("finalizer ran with a null env outside teardown")
		}
		got = append(got, data)
	}

	var ref abi.Ref
	run(t, h, func() error {
		obj, _ := h.CreateObject(h.env)
		var st abi.Status
		if ref, st = h.Wrap(h.env, obj, 7, fin, 0); st != abi.OK {
			return fmt.Errorf("Wrap status = %v", st)
		}
		if _, st := h.Wrap(h.env, obj, 8, fin, 0); st != abi.InvalidArg {
			t.Errorf("second Wrap status = %v, want %v", st, abi.InvalidArg)
		}
		if data, _ := h.Unwrap(h.env, obj); data != 7 {
			t.Errorf("Unwrap = %d, want 7", data)
		}
		return nil
	})

	if err := h.GC(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("finalized = %v, want [7]", got)
	}

	run(t, h, func() error {
		if v, st := h.GetReferenceValue(h.env, ref); st != abi.OK || v != 0 {
			t.Errorf("GetReferenceValue after collect = %v, %v; want 0, ok", v, st)
		}
		if st := h.DeleteReference(h.env, ref); st != abi.OK {
			t.Errorf("DeleteReference status = %v", st)
		}
		return nil
	})
}

func TestDeletedWrapRefCancelsFinalizer(t *testing.T) {
	h := newHost(t)
	calls := 0
	run(t, h, func() error {
		obj, _ := h.CreateObject(h.env)
		ref, _ := h.Wrap(h.env, obj, 1, func(abi.Env, uintptr, uintptr) { calls++ }, 0)
		h.DeleteReference(h.env, ref)
		return nil
	})
	_ = h.GC()
	if calls != 0 {
		t.Errorf("finalizer calls = %d, want 0", calls)
	}
	if h.Finalized() != 0 {
		t.Errorf("Finalized() = %d, want 0", h.Finalized())
	}
}

func TestStrongReferenceKeepsObject(t *testing.T) {
	h := newHost(t)
	calls := 0
	var ref abi.Ref
	run(t, h, func() error {
		obj, _ := h.CreateObject(h.env)
		h.Wrap(h.env, obj, 1, func(abi.Env, uintptr, uintptr) { calls++ }, 0)
		ref, _ = h.CreateReference(h.env, obj, 1)
		return nil
	})
	_ = h.GC()
	if calls != 0 {
		t.Fatalf("finalizer ran while strongly referenced")
	}
	run(t, h, func() error {
		if n, st := h.ReferenceUnref(h.env, ref); st != abi.OK || n != 0 {
			t.Errorf("ReferenceUnref = %d, %v; want 0, ok", n, st)
		}
		return nil
	})
	_ = h.GC()
	if calls != 1 {
		t.Errorf("finalizer calls = %d, want 1", calls)
	}
}

func TestPromiseSettleCount(t *testing.T) {
	h := newHost(t)
	var p *Promise
	run(t, h, func() error {
		d, v, _ := h.CreatePromise(h.env)
		p, _ = h.Track(v)
		n, _ := h.CreateDouble(h.env, 42)
		if st := h.ResolveDeferred(h.env, d, n); st != abi.OK {
			return fmt.Errorf("ResolveDeferred status = %v", st)
		}
		if st := h.RejectDeferred(h.env, d, n); st != abi.GenericFailure {
			t.Errorf("second settle status = %v, want %v", st, abi.GenericFailure)
		}
		return nil
	})
	state, value, err := p.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if state != Fulfilled || value != 42.0 {
		t.Errorf("promise = %v %v, want fulfilled 42", state, value)
	}
	if p.Settles() != 2 {
		t.Errorf("Settles() = %d, want 2", p.Settles())
	}
}

func TestThreadsafeFunctionLifecycle(t *testing.T) {
	h := newHost(t)
	delivered := make(chan uintptr, 4)
	finalized := make(chan struct{})
	var id abi.ThreadsafeFunction
	run(t, h, func() error {
		var st abi.Status
		id, st = h.CreateThreadsafeFunction(h.env, 0, "t", 2, 99,
			func(env abi.Env, data, hint uintptr) {
				if data != 99 {
					t.Errorf("finalize data = %d, want context 99", data)
				}
				close(finalized)
			},
			func(env abi.Env, fn abi.Value, context, data uintptr) {
				delivered <- data
			})
		if st != abi.OK {
			return fmt.Errorf("CreateThreadsafeFunction status = %v", st)
		}
		return nil
	})

	for i := uintptr(1); i <= 3; i++ {
		if st := h.CallThreadsafeFunction(id, i, abi.Blocking); st != abi.OK {
			t.Fatalf("CallThreadsafeFunction(%d) status = %v", i, st)
		}
	}
	if st := h.ReleaseThreadsafeFunction(id); st != abi.OK {
		t.Fatalf("ReleaseThreadsafeFunction status = %v", st)
	}
	if st := h.CallThreadsafeFunction(id, 4, abi.Nonblocking); st == abi.OK {
		t.Error("call after release succeeded")
	}

	select {
	case <-finalized:
	case <-time.After(time.Second):
		t.Fatal("threadsafe function not finalized")
	}
	for want := uintptr(1); want <= 3; want++ {
		if got := <-delivered; got != want {
			t.Errorf("delivered %d, want %d", got, want)
		}
	}
}

func TestBlockingCallOnHostThread(t *testing.T) {
	h := newHost(t)
	run(t, h, func() error {
		id, _ := h.CreateThreadsafeFunction(h.env, 0, "t", 1, 0, nil,
			func(abi.Env, abi.Value, uintptr, uintptr) {})
		if st := h.CallThreadsafeFunction(id, 1, abi.Blocking); st != abi.OK {
			return fmt.Errorf("first call status = %v", st)
		}
		if st := h.CallThreadsafeFunction(id, 2, abi.Nonblocking); st != abi.QueueFull {
			t.Errorf("nonblocking call on full queue = %v, want %v", st, abi.QueueFull)
		}
		if st := h.CallThreadsafeFunction(id, 2, abi.Blocking); st != abi.WouldDeadlock {
			t.Errorf("blocking call on host thread = %v, want %v", st, abi.WouldDeadlock)
		}
		return nil
	})
}

func TestTeardownDropsQueuedCalls(t *testing.T) {
	h := New()
	var envs []abi.Env
	hookRan := false
	run(t, h, func() error {
		id, _ := h.CreateThreadsafeFunction(h.env, 0, "t", 0, 0, nil,
			func(env abi.Env, fn abi.Value, context, data uintptr) {
				envs = append(envs, env)
			})
		h.AddCleanupHook(h.env, func() { hookRan = true })
		for i := uintptr(1); i <= 3; i++ {
			h.CallThreadsafeFunction(id, i, abi.Nonblocking)
		}
		// Closing from the host thread leaves the queued calls behind the
		// teardown flag.
		return h.Close()
	})
	<-h.Done()

	if len(envs) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(envs))
	}
	for i, env := range envs {
		if !env.IsNull() {
			t.Errorf("delivery %d env = %v, want null", i, env)
		}
	}
	if !hookRan {
		t.Error("cleanup hook did not run")
	}
	if err := h.Do(func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Close = %v, want %v", err, ErrClosed)
	}
}

func TestCallAfterTeardown(t *testing.T) {
	h := New()
	var id abi.ThreadsafeFunction
	run(t, h, func() error {
		id, _ = h.CreateThreadsafeFunction(h.env, 0, "t", 0, 0, nil,
			func(abi.Env, abi.Value, uintptr, uintptr) {})
		return nil
	})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if st := h.CallThreadsafeFunction(id, 1, abi.Nonblocking); st != abi.Closing {
		t.Errorf("CallThreadsafeFunction after Close = %v, want %v", st, abi.Closing)
	}
	if st := h.ReleaseThreadsafeFunction(id); st != abi.Closing {
		t.Errorf("ReleaseThreadsafeFunction after Close = %v, want %v", st, abi.Closing)
	}
}

func TestNewTarget(t *testing.T) {
	h := newHost(t)
	var seen []bool
	cb := func(env abi.Env, info abi.CallInfo) abi.Value {
		nt, _ := h.GetNewTarget(env, info)
		seen = append(seen, nt != 0)
		u, _ := h.GetUndefined(env)
		return u
	}
	run(t, h, func() error {
		ctor, _ := h.DefineClass(h.env, "C", cb, 0, nil)
		undef, _ := h.GetUndefined(h.env)
		h.CallFunction(h.env, undef, ctor, nil)
		h.NewInstance(h.env, ctor, nil)
		return nil
	})
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("new.target seen = %v, want [false true]", seen)
	}
}
