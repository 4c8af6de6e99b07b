package threadcache

import "testing"

func TestRegistryBindLookupUnbind(t *testing.T) {
	masters := newMasters(t, 1, 8)
	c := Create(masters, Cold, []int{4})

	const key = uint64(42)
	if got := Registry.Lookup(key); got != nil {
		t.Fatalf("Lookup before Bind should be nil, got %v", got)
	}

	Registry.Bind(key, c)
	if got := Registry.Lookup(key); got != c {
		t.Fatalf("Lookup after Bind = %v, want %v", got, c)
	}

	Registry.Unbind(key)
	if got := Registry.Lookup(key); got != nil {
		t.Fatalf("Lookup after Unbind should be nil, got %v", got)
	}
}

func TestRegistryUnbindAllDropsWholeAllocator(t *testing.T) {
	masters := newMasters(t, 1, 8)
	c := Create(masters, Cold, []int{4})

	const key = uint64(7)
	Registry.Bind(key, c)
	Registry.UnbindAll(key)
	if got := Registry.Lookup(key); got != nil {
		t.Fatalf("Lookup after UnbindAll should be nil, got %v", got)
	}
}
