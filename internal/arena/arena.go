// Package arena hands out short-lived abi.Value handles for engine values.
//
// A host pushes every value it exposes to native code into the arena and
// opens a scope around each host call. Closing the scope invalidates every
// handle created inside it, which is exactly the lifetime a borrowed host
// handle has. Scopes nest like the calls they belong to.
package arena

import "github.com/Gaurav-Gosain/jsbind/abi"

// Arena is not safe for concurrent use; it belongs to the host thread.
type Arena[V any] struct {
	values  []V
	marks   []int
	release func(V)
}

// New creates an arena. release, if non-nil, is called for every value
// dropped when its scope closes.
func New[V any](release func(V)) *Arena[V] {
	return &Arena[V]{
		values:  make([]V, 0, 256),
		release: release,
	}
}

// Open starts a scope and returns its depth.
func (a *Arena[V]) Open() int {
	a.marks = append(a.marks, len(a.values))
	return len(a.marks)
}

// Close ends the innermost scope, which must be depth.
func (a *Arena[V]) Close(depth int) {
	if depth != len(a.marks) || depth == 0 {
		panic("arena: scope closed out of order")
	}
	mark := a.marks[depth-1]
	a.marks = a.marks[:depth-1]
	var zero V
	for i := len(a.values) - 1; i >= mark; i-- {
		if a.release != nil {
			a.release(a.values[i])
		}
		a.values[i] = zero
	}
	a.values = a.values[:mark]
}

// Depth returns the number of open scopes.
func (a *Arena[V]) Depth() int { return len(a.marks) }

// Push stores v in the innermost scope.
func (a *Arena[V]) Push(v V) abi.Value {
	if len(a.marks) == 0 {
		panic("arena: push outside of a scope")
	}
	a.values = append(a.values, v)
	return abi.Value(len(a.values))
}

// Get resolves a handle created in a scope that is still open.
func (a *Arena[V]) Get(h abi.Value) (V, bool) {
	i := int(h) - 1
	if h == 0 || i >= len(a.values) {
		var zero V
		return zero, false
	}
	return a.values[i], true
}

// Each calls fn for every live value, innermost last.
func (a *Arena[V]) Each(fn func(V)) {
	for _, v := range a.values {
		fn(v)
	}
}
