// Package handle implements the process-wide table that owns every native
// value reachable from a host runtime.
//
// Hosts never see Go pointers. They see an ID: a slot index combined with the
// slot's generation, so a stale ID held by a host after the slot was reused
// resolves to nothing instead of to someone else's value.
package handle

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	ErrNotFound = errors.New("handle not found")
	ErrBorrowed = errors.New("handle has outstanding borrows")
	ErrConflict = errors.New("conflicting borrow")
)

// ID identifies one table entry. Zero is never a valid ID.
type ID uintptr

const (
	genShift = bits.UintSize / 2
	idxMask  = uintptr(1)<<genShift - 1
	genMask  = ^uint32(0) >> (32 - genShift)
)

func makeID(index int, gen uint32) ID {
	return ID(uintptr(gen)<<genShift | uintptr(index+1))
}

func (id ID) index() int  { return int(uintptr(id)&idxMask) - 1 }
func (id ID) gen() uint32 { return uint32(uintptr(id) >> genShift) }

// Tag classifies the values of one native type.
type Tag uint32

// Any matches every tag in Lookup.
const Any Tag = 0

// MismatchError reports that an ID refers to a value of another type.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("handle type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// EventKind identifies a table lifecycle event.
type EventKind int

const (
	Inserted EventKind = iota
	Removed
)

func (k EventKind) String() string {
	if k == Inserted {
		return "inserted"
	}
	return "removed"
}

// Event is delivered to observers after an entry is inserted or removed.
type Event struct {
	Kind EventKind
	ID   ID
	Tag  Tag
	Name string
}

type entry struct {
	value     any
	tag       Tag
	gen       uint32
	shared    uint32
	exclusive bool
	valid     bool
}

// Table maps IDs to exclusively owned values.
type Table struct {
	mu        sync.RWMutex
	entries   []entry
	freeList  []int
	counts    map[Tag]int
	names     []string
	observers []func(Event)
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]int, 0, 16),
		counts:   make(map[Tag]int),
		names:    []string{"any"},
	}
}

// Register allocates a new tag for values of the named type.
func (t *Table) Register(name string) Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
	return Tag(len(t.names) - 1)
}

// TagName returns the name a tag was registered under.
func (t *Table) TagName(tag Tag) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tagName(tag)
}

func (t *Table) tagName(tag Tag) string {
	if int(tag) < len(t.names) {
		return t.names[tag]
	}
	return fmt.Sprintf("tag(%d)", tag)
}

// Observe registers fn to be called after every insert and remove.
// Observers run without the table lock held.
func (t *Table) Observe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

func (t *Table) notify(ev Event, observers []func(Event)) {
	for _, fn := range observers {
		fn(ev)
	}
}

// Insert stores v under tag and returns its ID.
func (t *Table) Insert(tag Tag, v any) ID {
	t.mu.Lock()
	var idx int
	if n := len(t.freeList); n > 0 {
		idx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		t.entries = append(t.entries, entry{})
		idx = len(t.entries) - 1
	}
	e := &t.entries[idx]
	e.gen = (e.gen + 1) & genMask
	if e.gen == 0 {
		e.gen = 1
	}
	e.value = v
	e.tag = tag
	e.shared = 0
	e.exclusive = false
	e.valid = true
	t.counts[tag]++
	id := makeID(idx, e.gen)
	ev := Event{Kind: Inserted, ID: id, Tag: tag, Name: t.tagName(tag)}
	observers := t.observers
	t.mu.Unlock()

	t.notify(ev, observers)
	return id
}

// lookup returns the live entry for id. Caller must hold the lock.
func (t *Table) lookup(id ID) *entry {
	if id == 0 {
		return nil
	}
	idx := id.index()
	if idx < 0 || idx >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != id.gen() {
		return nil
	}
	return e
}

// Get returns the value and tag stored under id.
func (t *Table) Get(id ID) (any, Tag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.lookup(id)
	if e == nil {
		return nil, 0, false
	}
	return e.value, e.tag, true
}

// Lookup returns the value stored under id after checking its tag.
// A tag mismatch yields a *MismatchError and never exposes the value.
func (t *Table) Lookup(id ID, tag Tag) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	if tag != Any && e.tag != tag {
		return nil, &MismatchError{Expected: t.tagName(tag), Actual: t.tagName(e.tag)}
	}
	return e.value, nil
}

// Borrow marks id as borrowed and returns its value. Shared borrows may
// overlap each other; an exclusive borrow overlaps nothing.
func (t *Table) Borrow(id ID, tag Tag, exclusive bool) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	if tag != Any && e.tag != tag {
		return nil, &MismatchError{Expected: t.tagName(tag), Actual: t.tagName(e.tag)}
	}
	if e.exclusive || (exclusive && e.shared > 0) {
		return nil, ErrConflict
	}
	if exclusive {
		e.exclusive = true
	} else {
		e.shared++
	}
	return e.value, nil
}

// Return releases a borrow taken with Borrow.
func (t *Table) Return(id ID, exclusive bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.lookup(id)
	if e == nil {
		return false
	}
	if exclusive {
		if !e.exclusive {
			return false
		}
		e.exclusive = false
		return true
	}
	if e.shared == 0 {
		return false
	}
	e.shared--
	return true
}

// Remove deletes id and hands its value back to the caller, who becomes its
// sole owner. It fails while the entry is borrowed.
func (t *Table) Remove(id ID) (any, error) {
	t.mu.Lock()
	e := t.lookup(id)
	if e == nil {
		t.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.exclusive || e.shared > 0 {
		t.mu.Unlock()
		return nil, ErrBorrowed
	}
	v, tag := e.value, e.tag
	e.value = nil
	e.valid = false
	t.freeList = append(t.freeList, id.index())
	t.counts[tag]--
	ev := Event{Kind: Removed, ID: id, Tag: tag, Name: t.tagName(tag)}
	observers := t.observers
	t.mu.Unlock()

	t.notify(ev, observers)
	return v, nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// Count returns the number of live entries with the given tag.
func (t *Table) Count(tag Tag) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[tag]
}
