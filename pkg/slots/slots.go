// Package slots implements a dense table with recycled integer ids.
// Released ids go onto a free list and are handed out again before any
// new id is minted, so the backing array stays small and lookups are O(1).
package slots

import "sync/atomic"

// ID indexes a row in a Table. The zero ID is never issued.
type ID uint32

// None is the "no slot" sentinel.
const None ID = 0

// tableState is one published snapshot of the backing arrays. Growth
// builds a new snapshot and swaps it in; readers on other goroutines
// keep using whichever snapshot they loaded, which stays valid forever.
type tableState[T any] struct {
	rows []*T
	live []bool
}

// Table hands out recycled IDs and stores one row per live ID.
// Rows are heap allocated, so a *T obtained from Get remains valid
// across growth. Alloc and Release must be called from the owning
// goroutine. Get is safe from any goroutine for an id the caller knows
// to be live, eg a worker thread flipping an atomic flag on a row it
// was handed.
type Table[T any] struct {
	state atomic.Pointer[tableState[T]]
	free  []ID
	next  ID // highest id minted so far
}

// Alloc returns a recycled id if one is free, otherwise mints a new one.
// The returned row is zeroed.
func (t *Table[T]) Alloc() (ID, *T) {
	st := t.state.Load()
	if st == nil {
		st = &tableState[T]{}
		t.state.Store(st)
	}
	var id ID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.next++
		id = t.next
		if int(id) >= len(st.rows) {
			// Publish a grown snapshot. Concurrent Gets keep reading
			// the arrays they already loaded.
			grown := &tableState[T]{
				rows: make([]*T, id+1),
				live: make([]bool, id+1),
			}
			copy(grown.rows, st.rows)
			copy(grown.live, st.live)
			t.state.Store(grown)
			st = grown
		}
	}
	if st.rows[id] == nil {
		st.rows[id] = new(T)
	} else {
		var zero T
		*st.rows[id] = zero
	}
	st.live[id] = true
	return id, st.rows[id]
}

// Release returns id to the free list. Releasing a dead id is a no-op.
func (t *Table[T]) Release(id ID) {
	st := t.state.Load()
	if st == nil || id == None || int(id) >= len(st.live) || !st.live[id] {
		return
	}
	st.live[id] = false
	t.free = append(t.free, id)
}

// Get returns the row for id, or nil if id is not live.
func (t *Table[T]) Get(id ID) *T {
	st := t.state.Load()
	if st == nil || id == None || int(id) >= len(st.live) || !st.live[id] {
		return nil
	}
	return st.rows[id]
}

// ForEach visits every live row.
func (t *Table[T]) ForEach(visit func(id ID, row *T)) {
	st := t.state.Load()
	if st == nil {
		return
	}
	for id := ID(1); id <= t.next; id++ {
		if st.live[id] {
			visit(id, st.rows[id])
		}
	}
}

// Len returns the number of live rows.
func (t *Table[T]) Len() int {
	st := t.state.Load()
	if st == nil {
		return 0
	}
	n := 0
	for id := ID(1); id <= t.next; id++ {
		if st.live[id] {
			n++
		}
	}
	return n
}
