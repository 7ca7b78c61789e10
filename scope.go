package jsbind

import (
	"errors"

	"github.com/Gaurav-Gosain/jsbind/internal/handle"
)

// Scope is the borrow token for one host call. Native values unwrapped
// through it stay borrowed until the call returns to the host; a Scope that
// has ended refuses further borrows.
type Scope struct {
	borrows []borrow
	ended   bool
}

type borrow struct {
	id        handle.ID
	exclusive bool
}

func newScope() *Scope { return &Scope{} }

// WithScope runs fn with a fresh scope for native code that holds a value
// outside any host call. Borrows taken through the scope are returned when
// fn returns.
func WithScope(fn func(s *Scope) error) error {
	s := newScope()
	defer s.end()
	return fn(s)
}

// Ended reports whether the host call the scope belongs to has returned.
func (s *Scope) Ended() bool { return s.ended }

func (s *Scope) borrow(id handle.ID, tag handle.Tag, exclusive bool) (any, error) {
	if s.ended {
		return nil, &Error{Kind: KindScopeEnded, Detail: "borrow after the host call returned"}
	}
	v, err := objects.Borrow(id, tag, exclusive)
	if err != nil {
		return nil, borrowError(err)
	}
	s.borrows = append(s.borrows, borrow{id: id, exclusive: exclusive})
	return v, nil
}

func (s *Scope) end() {
	for i := len(s.borrows) - 1; i >= 0; i-- {
		b := s.borrows[i]
		objects.Return(b.id, b.exclusive)
	}
	s.borrows = nil
	s.ended = true
}

func borrowError(err error) error {
	var mismatch *handle.MismatchError
	switch {
	case errors.As(err, &mismatch):
		return TypeMismatch(mismatch.Expected, mismatch.Actual)
	case errors.Is(err, handle.ErrConflict):
		return &Error{Kind: KindBorrowConflict, Detail: "object is already borrowed", Cause: err}
	case errors.Is(err, handle.ErrNotFound):
		return TypeMismatch("live native object", "released handle")
	}
	return err
}
