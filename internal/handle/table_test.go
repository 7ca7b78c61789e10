package handle

import (
	"errors"
	"sync"
	"testing"
)

func TestInsertGetRemove(t *testing.T) {
	tbl := NewTable()
	tag := tbl.Register("counter")

	id := tbl.Insert(tag, 42)
	if id == 0 {
		t.Fatal("Insert returned zero ID")
	}

	v, gotTag, ok := tbl.Get(id)
	if !ok || v != 42 || gotTag != tag {
		t.Errorf("Get(%v) = %v, %v, %v, want 42, %v, true", id, v, gotTag, ok, tag)
	}

	removed, err := tbl.Remove(id)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed != 42 {
		t.Errorf("Remove() = %v, want 42", removed)
	}

	if _, _, ok := tbl.Get(id); ok {
		t.Error("Get after Remove should fail")
	}
	if _, err := tbl.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestZeroIDIsInvalid(t *testing.T) {
	tbl := NewTable()
	if _, _, ok := tbl.Get(0); ok {
		t.Error("Get(0) should fail")
	}
	if _, err := tbl.Lookup(0, Any); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(0) error = %v, want ErrNotFound", err)
	}
}

func TestStaleIDAfterReuse(t *testing.T) {
	tbl := NewTable()
	tag := tbl.Register("value")

	old := tbl.Insert(tag, "first")
	if _, err := tbl.Remove(old); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	fresh := tbl.Insert(tag, "second")
	if fresh == old {
		t.Fatal("reused slot must carry a new generation")
	}
	if fresh.index() != old.index() {
		t.Fatalf("expected slot reuse, got index %d and %d", old.index(), fresh.index())
	}
	if _, _, ok := tbl.Get(old); ok {
		t.Error("stale ID resolved after slot reuse")
	}
	if v, _, ok := tbl.Get(fresh); !ok || v != "second" {
		t.Errorf("Get(fresh) = %v, %v, want second, true", v, ok)
	}
}

func TestLookupTypeGuard(t *testing.T) {
	tbl := NewTable()
	counter := tbl.Register("Counter")
	timer := tbl.Register("Timer")

	id := tbl.Insert(counter, 7)

	_, err := tbl.Lookup(id, timer)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Lookup with wrong tag error = %v, want *MismatchError", err)
	}
	if mismatch.Expected != "Timer" || mismatch.Actual != "Counter" {
		t.Errorf("mismatch = %+v, want Timer/Counter", mismatch)
	}

	if v, err := tbl.Lookup(id, Any); err != nil || v != 7 {
		t.Errorf("Lookup(Any) = %v, %v, want 7, nil", v, err)
	}
}

func TestBorrowRules(t *testing.T) {
	tbl := NewTable()
	tag := tbl.Register("obj")
	id := tbl.Insert(tag, "x")

	tests := []struct {
		name      string
		exclusive bool
		wantErr   error
	}{
		{"first shared", false, nil},
		{"second shared", false, nil},
		{"exclusive while shared", true, ErrConflict},
	}
	for _, tt := range tests {
		_, err := tbl.Borrow(id, tag, tt.exclusive)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: Borrow() error = %v, want %v", tt.name, err, tt.wantErr)
		}
	}

	if _, err := tbl.Remove(id); !errors.Is(err, ErrBorrowed) {
		t.Errorf("Remove while borrowed error = %v, want ErrBorrowed", err)
	}

	tbl.Return(id, false)
	tbl.Return(id, false)

	if _, err := tbl.Borrow(id, tag, true); err != nil {
		t.Fatalf("exclusive Borrow() error = %v", err)
	}
	if _, err := tbl.Borrow(id, tag, false); !errors.Is(err, ErrConflict) {
		t.Errorf("shared while exclusive error = %v, want ErrConflict", err)
	}
	if !tbl.Return(id, true) {
		t.Error("Return(exclusive) = false")
	}
	if tbl.Return(id, true) {
		t.Error("double Return(exclusive) should fail")
	}
	if _, err := tbl.Remove(id); err != nil {
		t.Errorf("Remove after returns error = %v", err)
	}
}

func TestCountsAndObservers(t *testing.T) {
	tbl := NewTable()
	a := tbl.Register("a")
	b := tbl.Register("b")

	var events []Event
	tbl.Observe(func(ev Event) { events = append(events, ev) })

	ids := []ID{tbl.Insert(a, 1), tbl.Insert(a, 2), tbl.Insert(b, 3)}
	if got := tbl.Count(a); got != 2 {
		t.Errorf("Count(a) = %d, want 2", got)
	}
	if got := tbl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	for _, id := range ids {
		if _, err := tbl.Remove(id); err != nil {
			t.Fatalf("Remove(%v) error = %v", id, err)
		}
	}
	if got := tbl.Len(); got != 0 {
		t.Errorf("Len() after removes = %d, want 0", got)
	}
	if len(events) != 6 {
		t.Fatalf("observed %d events, want 6", len(events))
	}
	if events[0].Kind != Inserted || events[0].Name != "a" {
		t.Errorf("events[0] = %+v, want inserted a", events[0])
	}
	if events[5].Kind != Removed || events[5].Name != "b" {
		t.Errorf("events[5] = %+v, want removed b", events[5])
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	tbl := NewTable()
	tag := tbl.Register("payload")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := tbl.Insert(tag, g*1000+i)
				v, err := tbl.Remove(id)
				if err != nil {
					t.Errorf("Remove() error = %v", err)
					return
				}
				if v != g*1000+i {
					t.Errorf("Remove() = %v, want %d", v, g*1000+i)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if got := tbl.Count(tag); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}
