package kvstore

import (
	"bytes"
	"container/list"
)

// ListValue is an ordered sequence of byte blobs with O(1) push and
// pop at both ends, backed by a doubly linked list.
type ListValue struct {
	l *list.List
}

func (*ListValue) Type() Type { return TypeList }

// NewList creates an empty list.
func NewList() *ListValue {
	return &ListValue{l: list.New()}
}

// Len returns the number of elements.
func (v *ListValue) Len() int { return v.l.Len() }

// PushLeft prepends elements, in argument order, so the last pushed
// element ends up at index 0.
func (v *ListValue) PushLeft(elems ...[]byte) {
	for _, e := range elems {
		v.l.PushFront(cloneBytes(e))
	}
}

// PushRight appends elements, in argument order.
func (v *ListValue) PushRight(elems ...[]byte) {
	for _, e := range elems {
		v.l.PushBack(cloneBytes(e))
	}
}

// PopLeft removes and returns the first element.
func (v *ListValue) PopLeft() ([]byte, bool) {
	front := v.l.Front()
	if front == nil {
		return nil, false
	}
	v.l.Remove(front)
	return front.Value.([]byte), true
}

// PopRight removes and returns the last element.
func (v *ListValue) PopRight() ([]byte, bool) {
	back := v.l.Back()
	if back == nil {
		return nil, false
	}
	v.l.Remove(back)
	return back.Value.([]byte), true
}

// Index returns the element at a Redis-style index (negative counts
// from the end).
func (v *ListValue) Index(i int) ([]byte, bool) {
	n := v.l.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, false
	}
	e := v.l.Front()
	for ; i > 0; i-- {
		e = e.Next()
	}
	return e.Value.([]byte), true
}

// Range returns a copy of the elements between the Redis-style
// inclusive indices start and stop.
func (v *ListValue) Range(start, stop int) [][]byte {
	n := v.l.Len()
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil
	}
	out := make([][]byte, 0, stop-start+1)
	e := v.l.Front()
	for i := 0; i < start; i++ {
		e = e.Next()
	}
	for i := start; i <= stop; i++ {
		out = append(out, e.Value.([]byte))
		e = e.Next()
	}
	return out
}

// Set replaces the element at a Redis-style index.
func (v *ListValue) Set(i int, val []byte) bool {
	n := v.l.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return false
	}
	e := v.l.Front()
	for ; i > 0; i-- {
		e = e.Next()
	}
	e.Value = cloneBytes(val)
	return true
}

// All returns every element in order, left to right.
func (v *ListValue) All() [][]byte {
	out := make([][]byte, 0, v.l.Len())
	for e := v.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.([]byte))
	}
	return out
}

// InsertBefore inserts val immediately before the first occurrence of
// pivot, reporting whether pivot was found.
func (v *ListValue) InsertBefore(pivot, val []byte) bool {
	for e := v.l.Front(); e != nil; e = e.Next() {
		if bytes.Equal(e.Value.([]byte), pivot) {
			v.l.InsertBefore(cloneBytes(val), e)
			return true
		}
	}
	return false
}

// InsertAfter inserts val immediately after the first occurrence of
// pivot, reporting whether pivot was found.
func (v *ListValue) InsertAfter(pivot, val []byte) bool {
	for e := v.l.Front(); e != nil; e = e.Next() {
		if bytes.Equal(e.Value.([]byte), pivot) {
			v.l.InsertAfter(cloneBytes(val), e)
			return true
		}
	}
	return false
}

// RemoveMatching removes occurrences of val, scanning head to tail for
// count >= 0 or tail to head for count < 0, stopping after count
// removals (0 means remove every occurrence). Returns the number
// removed.
func (v *ListValue) RemoveMatching(val []byte, count int) int {
	removed := 0
	if count < 0 {
		for e := v.l.Back(); e != nil && removed < -count; {
			prev := e.Prev()
			if bytes.Equal(e.Value.([]byte), val) {
				v.l.Remove(e)
				removed++
			}
			e = prev
		}
		return removed
	}
	for e := v.l.Front(); e != nil && (count == 0 || removed < count); {
		next := e.Next()
		if bytes.Equal(e.Value.([]byte), val) {
			v.l.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// normalizeRange converts Redis-style possibly-negative, possibly
// out-of-range start/stop indices into clamped, in-bounds indices.
// Returns start > stop if the range is empty.
func normalizeRange(start, stop, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, -1
	}
	return start, stop
}
