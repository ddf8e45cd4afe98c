package slots

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct {
	name string
}

func TestAllocRelease(t *testing.T) {
	tab := Table[row]{}

	a, ra := tab.Alloc()
	b, rb := tab.Alloc()
	require.NotEqual(t, None, a)
	require.NotEqual(t, a, b)
	ra.name = "a"
	rb.name = "b"
	require.Equal(t, "a", tab.Get(a).name)
	require.Equal(t, "b", tab.Get(b).name)
	require.Equal(t, 2, tab.Len())

	// A released id is reused before a new one is minted
	tab.Release(a)
	require.Nil(t, tab.Get(a))
	c, rc := tab.Alloc()
	require.Equal(t, a, c)
	require.Equal(t, "", rc.name) // row is zeroed on reuse

	// No id may be live twice
	seen := map[ID]bool{}
	tab.ForEach(func(id ID, r *row) {
		require.False(t, seen[id])
		seen[id] = true
	})
	require.Equal(t, 2, len(seen))
}

func TestReleaseOrder(t *testing.T) {
	tab := Table[row]{}
	ids := []ID{}
	for i := 0; i < 5; i++ {
		id, _ := tab.Alloc()
		ids = append(ids, id)
	}
	tab.Release(ids[1])
	tab.Release(ids[3])
	// LIFO reuse of the free list
	id, _ := tab.Alloc()
	require.Equal(t, ids[3], id)
	id, _ = tab.Alloc()
	require.Equal(t, ids[1], id)
	// Free list exhausted, so a new id gets minted
	id, _ = tab.Alloc()
	require.Equal(t, ID(6), id)
}

// The event and ingest engines hand row pointers to worker threads,
// which flip atomic flags on them while the main loop keeps allocating.
// Growth must not invalidate what concurrent readers see; run with
// -race to verify.
func TestGetDuringGrowth(t *testing.T) {
	type lockRow struct {
		locked atomic.Bool
	}
	tab := Table[lockRow]{}
	id, _ := tab.Alloc()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if r := tab.Get(id); r != nil {
				r.locked.Store(true)
				r.locked.Store(false)
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		tab.Alloc()
	}
	close(stop)
	<-done

	require.NotNil(t, tab.Get(id))
	require.Equal(t, 10001, tab.Len())
}

func TestDeadIDs(t *testing.T) {
	tab := Table[row]{}
	require.Nil(t, tab.Get(None))
	require.Nil(t, tab.Get(42))
	tab.Release(42) // no-op
	id, _ := tab.Alloc()
	tab.Release(id)
	tab.Release(id) // double release must not corrupt the free list
	a, _ := tab.Alloc()
	b, _ := tab.Alloc()
	require.NotEqual(t, a, b)
}
