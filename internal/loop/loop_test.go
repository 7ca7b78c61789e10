package loop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSubmitRunsInOrder(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		if err := l.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := l.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestOnLoop(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	if l.OnLoop() {
		t.Error("OnLoop() = true from test goroutine")
	}

	var inside bool
	if err := l.Do(func() error {
		inside = l.OnLoop()
		return nil
	}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !inside {
		t.Error("OnLoop() = false inside a loop task")
	}
}

func TestDoInlineOnLoop(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	err := l.Do(func() error {
		// A nested Do must not deadlock.
		return l.Do(func() error { return errors.New("nested") })
	})
	if err == nil || err.Error() != "nested" {
		t.Errorf("nested Do() error = %v, want nested", err)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	l := New()
	l.Start()

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		if err := l.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	l.Stop()

	if got := ran.Load(); got != 50 {
		t.Errorf("ran %d tasks before exit, want 50", got)
	}
	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("Submit after Stop error = %v, want ErrLoopTerminated", err)
	}
	if err := l.Do(func() error { return nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("Do after Stop error = %v, want ErrLoopTerminated", err)
	}
	if !l.Terminated() {
		t.Error("Terminated() = false after Stop")
	}
}

func TestAfterTaskHook(t *testing.T) {
	var after atomic.Int32
	l := New(WithAfterTask(func() { after.Add(1) }))
	l.Start()

	for i := 0; i < 3; i++ {
		_ = l.Submit(func() {})
	}
	l.Stop()

	if got := after.Load(); got != 3 {
		t.Errorf("after hook ran %d times, want 3", got)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	l := New()
	l.Start()

	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := l.Submit(func() { ran.Add(1) }); err != nil {
					t.Errorf("Submit() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	l.Stop()

	if got := ran.Load(); got != 1000 {
		t.Errorf("ran %d tasks, want 1000", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	l := New()
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Error("Done() not closed after Stop on an idle loop")
	}
	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("Submit() error = %v, want ErrLoopTerminated", err)
	}
}
