package threadcache

import (
	"testing"

	"github.com/abiolaogu/smalloc/internal/pool"
)

func newMasters(t *testing.T, n, slotsPerBucket int) []*pool.Bucket {
	t.Helper()
	out := make([]*pool.Bucket, n)
	for i := range out {
		buf := make([]byte, slotsPerBucket*16)
		b := pool.New(buf, 16)
		b.Init()
		out[i] = b
	}
	return out
}

func TestCreateColdCacheIsEmpty(t *testing.T) {
	masters := newMasters(t, 2, 8)
	c := Create(masters, Cold, []int{4, 4})
	if _, ok := c.Pull(0); ok {
		t.Fatalf("Cold cache should start empty")
	}
}

func TestCreateWarmCachePrePopulatesHalf(t *testing.T) {
	masters := newMasters(t, 1, 16)
	c := Create(masters, Warm, []int{8})

	got := 0
	for {
		if _, ok := c.Pull(0); !ok {
			break
		}
		got++
	}
	if got != 4 {
		t.Fatalf("Warm warmup with capacity 8 pulled %d entries, want 4", got)
	}
}

func TestCreateHotCachePrePopulatesFully(t *testing.T) {
	masters := newMasters(t, 1, 16)
	c := Create(masters, Hot, []int{8})

	got := 0
	for {
		if _, ok := c.Pull(0); !ok {
			break
		}
		got++
	}
	if got != 8 {
		t.Fatalf("Hot warmup with capacity 8 pulled %d entries, want 8", got)
	}
}

func TestPushThenPullRoundTrips(t *testing.T) {
	masters := newMasters(t, 1, 16)
	c := Create(masters, Cold, []int{8})

	if !c.Push(0, 3) {
		t.Fatalf("Push should succeed with available L0/L1 capacity")
	}
	off, ok := c.Pull(0)
	if !ok || off != 3 {
		t.Fatalf("Pull() = (%d, %v), want (3, true)", off, ok)
	}
}

func TestPushOverflowsL0IntoL1(t *testing.T) {
	masters := newMasters(t, 1, 32)
	c := Create(masters, Cold, []int{32})

	for i := uint32(0); i < uint32(l0Capacity+5); i++ {
		if !c.Push(0, i) {
			t.Fatalf("Push(%d) unexpectedly failed (L0 cap=%d)", i, l0Capacity)
		}
	}
}

func TestPushReturnsFalseWhenBucketUncached(t *testing.T) {
	masters := newMasters(t, 1, 8)
	c := Create(masters, Cold, []int{0})

	for i := 0; i < l0Capacity; i++ {
		if !c.Push(0, uint32(i)) {
			t.Fatalf("Push into L0 should still succeed up to l0Capacity even with zero L1 capacity")
		}
	}
	if c.Push(0, uint32(l0Capacity)) {
		t.Fatalf("Push should fail once L0 is full and L1 capacity is zero")
	}
}

func TestPullPushOutOfRangeBucketIsFalse(t *testing.T) {
	masters := newMasters(t, 1, 8)
	c := Create(masters, Cold, []int{4})

	if _, ok := c.Pull(5); ok {
		t.Fatalf("Pull on an out-of-range bucket index should report false")
	}
	if c.Push(5, 0) {
		t.Fatalf("Push on an out-of-range bucket index should report false")
	}
}

func TestDestroyReturnsEverythingToMaster(t *testing.T) {
	const slots = 16
	masters := newMasters(t, 1, slots)
	master := masters[0]

	c := Create(masters, Hot, []int{slots})
	// drain every slot out of the master into the cache, confirm the master
	// freelist is now empty.
	if _, ok := master.Allocate(); ok {
		t.Fatalf("master freelist should be exhausted after Hot warmup drained all slots")
	}

	c.Destroy()

	count := 0
	for {
		if _, ok := master.Allocate(); !ok {
			break
		}
		count++
	}
	if count != slots {
		t.Fatalf("after Destroy, master yielded %d slots, want %d", count, slots)
	}
}

func TestL0CapacityMatchesWordSize(t *testing.T) {
	if l0Capacity != 10 && l0Capacity != 7 {
		t.Fatalf("l0Capacity = %d, want 7 or 10", l0Capacity)
	}
}
