package jsbind

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Gaurav-Gosain/jsbind/abi"
	"github.com/Gaurav-Gosain/jsbind/internal/hostsim"
)

func TestSendAfterTeardown(t *testing.T) {
	h := hostsim.New()
	var sender *Sender[string]
	run(t, h, func(env Env) error {
		var err error
		sender, err = NewSender(env, "late", Value{}, func(Env, Value, string) error { return nil })
		return err
	})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	before := objects.Count(tagPayload)
	err := sender.Send("payload")
	if !errors.Is(err, ErrQueue) {
		t.Fatalf("Send after teardown: err = %v, want %v", err, ErrQueue)
	}
	var be *Error
	if errors.As(err, &be) && be.Status != abi.Closing {
		t.Errorf("Send after teardown: status = %v, want %v", be.Status, abi.Closing)
	}
	if got := objects.Count(tagPayload); got != before {
		t.Errorf("live payloads = %d, want %d", got, before)
	}
	if err := sender.Close(); err != nil {
		t.Errorf("Close after teardown = %v, want nil", err)
	}
}

func TestQueuedItemsDroppedAtTeardown(t *testing.T) {
	h := hostsim.New()
	var (
		mu        sync.Mutex
		dropped   []int
		delivered int
	)
	payloads := objects.Count(tagPayload)
	run(t, h, func(env Env) error {
		s, err := newSender(env, "drop", Value{},
			func(Env, Value, int) error { delivered++; return nil },
			func(item int) {
				mu.Lock()
				dropped = append(dropped, item)
				mu.Unlock()
			})
		if err != nil {
			return err
		}
		for i := 1; i <= 3; i++ {
			if err := s.Send(i); err != nil {
				return err
			}
		}
		// Deliveries are queued behind this task, so teardown reaches them first.
		return h.Close()
	})
	<-h.Done()

	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
	if want := []int{1, 2, 3}; !reflect.DeepEqual(dropped, want) {
		t.Errorf("dropped = %v, want %v", dropped, want)
	}
	if got := objects.Count(tagPayload); got != payloads {
		t.Errorf("live payloads = %d, want %d", got, payloads)
	}
}

func TestSenderQueueFull(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		s, err := NewSender(env, "full", Value{}, func(Env, Value, int) error { return nil }, WithMaxQueue(1))
		if err != nil {
			return err
		}
		defer s.Close()
		before := objects.Count(tagPayload)
		if err := s.Send(1); err != nil {
			return err
		}
		err = s.Send(2)
		var be *Error
		if !errors.As(err, &be) || be.Kind != KindQueueError || be.Status != abi.QueueFull {
			t.Errorf("Send on full queue: err = %v, want queue_error/queue_full", err)
		}
		if got := objects.Count(tagPayload); got != before+1 {
			t.Errorf("live payloads = %d, want %d", got, before+1)
		}
		return nil
	})
}

func TestSendWaitOnHostThread(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		s, err := NewSender(env, "wait", Value{}, func(Env, Value, int) error { return nil }, WithMaxQueue(1))
		if err != nil {
			return err
		}
		defer s.Close()
		before := objects.Count(tagPayload)
		if err := s.SendWait(1); err != nil {
			return err
		}
		err = s.SendWait(2)
		var be *Error
		if !errors.As(err, &be) || be.Kind != KindQueueError || be.Status != abi.WouldDeadlock {
			t.Errorf("SendWait on a full queue from the host thread: err = %v, want queue_error/would_deadlock", err)
		}
		if got := objects.Count(tagPayload); got != before+1 {
			t.Errorf("live payloads = %d, want %d", got, before+1)
		}
		return nil
	})
}

func TestSenderDeliversInOrder(t *testing.T) {
	h := newHost(t)
	got := make(chan int, 100)
	var s *Sender[int]
	run(t, h, func(env Env) error {
		var err error
		s, err = NewSender(env, "order", Value{}, func(env Env, _ Value, i int) error {
			if !env.IsHostThread() {
				t.Error("delivery off the host thread")
			}
			got <- i
			return nil
		})
		return err
	})
	for i := 0; i < 100; i++ {
		if err := s.Send(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	for want := 0; want < 100; want++ {
		select {
		case i := <-got:
			if i != want {
				t.Fatalf("delivered %d, want %d", i, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("item %d not delivered", want)
		}
	}
}

func TestOneShotCompletesOnce(t *testing.T) {
	h := newHost(t)
	got := make(chan string, 2)
	var shot *OneShot[string]
	run(t, h, func(env Env) error {
		var err error
		shot, err = NewOneShot(env, "once", func(env Env, s string) error {
			got <- s
			return nil
		}, nil)
		return err
	})

	if err := shot.Complete("first"); err != nil {
		t.Fatalf("Complete() = %v", err)
	}
	if err := shot.Complete("second"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second Complete() = %v, want %v", err, ErrAlreadyCompleted)
	}
	drain(t, h)
	close(got)
	var all []string
	for s := range got {
		all = append(all, s)
	}
	if !reflect.DeepEqual(all, []string{"first"}) {
		t.Errorf("delivered %v, want [first]", all)
	}
}

func TestOneShotAbandon(t *testing.T) {
	h := newHost(t)
	channels := objects.Count(tagChannel)
	var shot *OneShot[int]
	run(t, h, func(env Env) error {
		var err error
		shot, err = NewOneShot(env, "abandoned", func(Env, int) error { return nil }, nil)
		return err
	})
	if err := shot.Abandon(); err != nil {
		t.Fatal(err)
	}
	if err := shot.Complete(1); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Complete after Abandon = %v, want %v", err, ErrAlreadyCompleted)
	}
	drain(t, h)
	if got := objects.Count(tagChannel); got != channels {
		t.Errorf("live channels = %d, want %d", got, channels)
	}
}

func TestCallbackArguments(t *testing.T) {
	h := newHost(t)
	rec := newRecorder()
	var cb *Sender[any]
	run(t, h, func(env Env) error {
		var err error
		cb, err = NewCallback[any](env, "cb", script(env, h, "cb", rec.fn))
		return err
	})
	defer cb.Close()

	tests := []struct {
		item any
		want []any
	}{
		{5, []any{5.0}},
		{"x", []any{"x"}},
		{[]any{1, "a", true}, []any{1.0, "a", true}},
		{[]int{1, 2}, []any{[]any{1.0, 2.0}}},
	}
	for _, tt := range tests {
		if err := cb.Send(tt.item); err != nil {
			t.Fatal(err)
		}
		select {
		case args := <-rec.ch:
			if !reflect.DeepEqual(args, tt.want) {
				t.Errorf("Send(%v) called with %v, want %v", tt.item, args, tt.want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Send(%v) not delivered", tt.item)
		}
	}
}

func TestCallbackRequiresFunction(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		obj, _ := env.Object()
		if _, err := NewCallback[int](env, "bad", obj); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("NewCallback(object) err = %v, want %v", err, ErrTypeMismatch)
		}
		return nil
	})
}

func TestCallbackThrowIsContained(t *testing.T) {
	h := newHost(t)
	var cb *Sender[int]
	run(t, h, func(env Env) error {
		var err error
		cb, err = NewCallback[int](env, "throws", script(env, h, "throws", func(any, []any) (any, error) {
			return nil, errors.New("from js")
		}))
		return err
	})
	if err := cb.Send(1); err != nil {
		t.Fatal(err)
	}
	_ = cb.Close()
	drain(t, h)
	if got := h.Uncaught(); len(got) != 0 {
		t.Errorf("uncaught exceptions = %v, want none", got)
	}
}
