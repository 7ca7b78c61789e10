package jsbind

import (
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gaurav-Gosain/jsbind/internal/hostsim"
)

type streamResult struct {
	delivered int
	err       error
	onHost    bool
}

func upTo(n int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 0; i < n; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

// naturals never ends.
func naturals() iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

// holdHost keeps the host thread busy until the payload count reaches want
// or a second passes, then runs then and reports the count it saw.
func holdHost(h *hostsim.Host, base, want int, then func() error) (<-chan int, <-chan error) {
	seen := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.Do(func() error {
			deadline := time.Now().Add(time.Second)
			for objects.Count(tagPayload)-base < want && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			// Give an unbounded producer room to overshoot.
			time.Sleep(50 * time.Millisecond)
			seen <- objects.Count(tagPayload) - base
			return then()
		})
	}()
	return seen, done
}

func startStream(t *testing.T, h *hostsim.Host, seq iter.Seq[int], fn hostsim.ScriptFunc, ex func(env Env) (Executor, error)) (DeliveryMode, chan streamResult) {
	t.Helper()
	done := make(chan streamResult, 1)
	var mode DeliveryMode
	run(t, h, func(env Env) error {
		executor, err := ex(env)
		if err != nil {
			return err
		}
		mode, err = Stream(env, "numbers", seq, script(env, h, "onItem", fn),
			WithStreamExecutor(executor),
			OnStreamDone(func(env Env, delivered int, err error) {
				if c, ok := executor.(*HostExecutor); ok {
					_ = c.Close()
				}
				done <- streamResult{delivered: delivered, err: err, onHost: env.IsHostThread()}
			}))
		return err
	})
	return mode, done
}

func waitStream(t *testing.T, done chan streamResult) streamResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	return streamResult{}
}

func goExecutor(Env) (Executor, error) { return GoExecutor{}, nil }

func hostExecutor(env Env) (Executor, error) { return NewHostExecutor(env) }

func TestStreamModes(t *testing.T) {
	tests := []struct {
		name     string
		executor func(env Env) (Executor, error)
		wantMode DeliveryMode
	}{
		{"goroutine executor", goExecutor, ModeThreadsafe},
		{"pool executor", func(Env) (Executor, error) { return NewPoolExecutor(2), nil }, ModeThreadsafe},
		{"host executor", hostExecutor, ModeDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(t)
			var (
				mu  sync.Mutex
				got []float64
			)
			mode, done := startStream(t, h, upTo(10), func(_ any, args []any) (any, error) {
				mu.Lock()
				got = append(got, args[0].(float64))
				mu.Unlock()
				return nil, nil
			}, tt.executor)
			if mode != tt.wantMode {
				t.Errorf("mode = %v, want %v", mode, tt.wantMode)
			}

			r := waitStream(t, done)
			if r.err != nil || r.delivered != 10 {
				t.Errorf("stream done = %d, %v; want 10, nil", r.delivered, r.err)
			}
			if !r.onHost {
				t.Error("done callback ran off the host thread")
			}
			mu.Lock()
			defer mu.Unlock()
			sum := 0.0
			for _, v := range got {
				sum += v
			}
			if sum != 45 || !slices.IsSorted(got) {
				t.Errorf("items = %v, want 0..9 in order", got)
			}
		})
	}
}

func TestStreamStopsWhenCallbackThrows(t *testing.T) {
	for _, ex := range []func(Env) (Executor, error){goExecutor, hostExecutor} {
		h := newHost(t)
		calls := 0
		_, done := startStream(t, h, upTo(100), func(any, []any) (any, error) {
			calls++
			if calls == 3 {
				return nil, errors.New("stop")
			}
			return nil, nil
		}, ex)
		r := waitStream(t, done)
		if r.err == nil || r.delivered != 2 {
			t.Errorf("stream done = %d, %v; want 2 and an error", r.delivered, r.err)
		}
		drain(t, h)
		if calls != 3 {
			t.Errorf("callback calls = %d, want 3", calls)
		}
	}
}

func TestSelectMode(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		hostEx, err := NewHostExecutor(env)
		if err != nil {
			return err
		}
		defer hostEx.Close()
		tests := []struct {
			ex   Executor
			want DeliveryMode
		}{
			{GoExecutor{}, ModeThreadsafe},
			{NewPoolExecutor(1), ModeThreadsafe},
			{hostEx, ModeDirect},
		}
		for _, tt := range tests {
			if got := SelectMode(tt.ex); got != tt.want {
				t.Errorf("SelectMode(%T) = %v, want %v", tt.ex, got, tt.want)
			}
		}
		return nil
	})
}

// liarExecutor claims host-thread execution but runs tasks on goroutines.
type liarExecutor struct{ trackingExecutor }

func (*liarExecutor) RunsOnHostThread() bool { return true }

func TestDirectModeChecksThread(t *testing.T) {
	h := newHost(t)
	ex := &liarExecutor{}
	rec := newRecorder()
	run(t, h, func(env Env) error {
		mode, err := Stream(env, "liar", upTo(3), script(env, h, "onItem", rec.fn), WithStreamExecutor(ex))
		if mode != ModeDirect {
			t.Errorf("mode = %v, want %v", mode, ModeDirect)
		}
		return err
	})
	ex.wg.Wait()
	drain(t, h)
	if n := rec.count(); n != 0 {
		t.Errorf("callback ran %d times off the host thread", n)
	}
}

func TestStreamRequiresFunction(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		num, _ := env.Float64(1)
		if _, err := Stream(env, "bad", upTo(1), num); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Stream(number) err = %v, want %v", err, ErrTypeMismatch)
		}
		return nil
	})
}

func TestStreamBoundsInfiniteSequence(t *testing.T) {
	h := newHost(t)
	payloads := objects.Count(tagPayload)
	var stop atomic.Bool
	mode, done := startStream(t, h, naturals(), func(any, []any) (any, error) {
		if stop.Load() {
			return nil, errors.New("enough")
		}
		return nil, nil
	}, goExecutor)
	if mode != ModeThreadsafe {
		t.Fatalf("mode = %v, want %v", mode, ModeThreadsafe)
	}

	// The producer may hold one payload of its own while it waits for room.
	limit := defaultStreamQueue + 1
	seen, held := holdHost(h, payloads, limit, func() error {
		stop.Store(true)
		return nil
	})
	if n := <-seen; n > limit {
		t.Errorf("payloads queued while the host was busy = %d, want at most %d", n, limit)
	}
	if err := <-held; err != nil {
		t.Fatal(err)
	}

	r := waitStream(t, done)
	if r.err == nil {
		t.Error("stream ended without the callback error")
	}
	drain(t, h)
	if got := objects.Count(tagPayload); got != payloads {
		t.Errorf("live payloads = %d, want %d", got, payloads)
	}
}

func TestStreamTeardownFreesQueuedItems(t *testing.T) {
	h := hostsim.New()
	ex := &trackingExecutor{}
	payloads := objects.Count(tagPayload)
	const queue = 4

	var finished atomic.Bool
	run(t, h, func(env Env) error {
		_, err := Stream(env, "forever", naturals(), script(env, h, "onItem", func(any, []any) (any, error) {
			return nil, nil
		}), WithStreamExecutor(ex), WithStreamMaxQueue(queue),
			OnStreamDone(func(Env, int, error) { finished.Store(true) }))
		return err
	})

	// Close on the host thread while the queue is full: the waiting producer
	// is turned away and every queued item is dropped by teardown.
	seen, closed := holdHost(h, payloads, queue+1, h.Close)
	if n := <-seen; n > queue+1 {
		t.Errorf("payloads queued = %d, want at most %d", n, queue+1)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	ex.wg.Wait()
	<-h.Done()

	if got := objects.Count(tagPayload); got != payloads {
		t.Errorf("live payloads after teardown = %d, want %d", got, payloads)
	}
	if finished.Load() {
		t.Error("done callback ran for a stream cut off by teardown")
	}
}
