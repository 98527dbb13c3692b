// Package snapshot provides a lock-free single-slot holder for the latest
// value of some configuration.
package snapshot

import (
	"sync/atomic"
	"time"
)

// Entry is what a Cell stores. Value, Seq and StoredAt are installed together.
type Entry[T any] struct {
	Value    T
	Seq      uint64
	StoredAt time.Time
}

// Cell holds at most one value. Replace and Load are linearizable: a Load
// observes either the empty state or a value installed by some Replace that
// completed before it, never a mix of two writes.
//
// The zero Cell is empty and ready to use. A Cell must not be copied after
// first use.
type Cell[T any] struct {
	p   atomic.Pointer[Entry[T]]
	now func() time.Time
}

func New[T any]() *Cell[T] { return &Cell[T]{} }

// NewWithClock lets tests pin StoredAt.
func NewWithClock[T any](now func() time.Time) *Cell[T] { return &Cell[T]{now: now} }

// Replace installs v unconditionally and returns its sequence number.
// Sequence numbers start at 1 and have no gaps.
func (c *Cell[T]) Replace(v T) uint64 {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	for {
		prev := c.p.Load()
		var seq uint64 = 1
		if prev != nil {
			seq = prev.Seq + 1
		}
		next := &Entry[T]{Value: v, Seq: seq, StoredAt: now()}
		if c.p.CompareAndSwap(prev, next) {
			return seq
		}
	}
}

// Load returns a copy of the latest value, or the zero value and false when
// the cell has never been written.
func (c *Cell[T]) Load() (T, bool) {
	e := c.p.Load()
	if e == nil {
		var zero T
		return zero, false
	}
	return e.Value, true
}

func (c *Cell[T]) LoadEntry() (Entry[T], bool) {
	e := c.p.Load()
	if e == nil {
		return Entry[T]{}, false
	}
	return *e, true
}

// Seq is the sequence of the current value, 0 while empty.
func (c *Cell[T]) Seq() uint64 {
	if e := c.p.Load(); e != nil {
		return e.Seq
	}
	return 0
}
