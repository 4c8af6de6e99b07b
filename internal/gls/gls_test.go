package gls

import (
	"sync"
	"testing"
)

func TestParseGoroutineID(t *testing.T) {
	cases := []struct {
		stack string
		want  uint64
	}{
		{"goroutine 1 [running]:\nmain.main()\n", 1},
		{"goroutine 4213 [running]:\n", 4213},
		{"not a goroutine line", 0},
		{"goroutine ", 0},
	}
	for _, c := range cases {
		if got := parseGoroutineID([]byte(c.stack)); got != c.want {
			t.Errorf("parseGoroutineID(%q) = %d, want %d", c.stack, got, c.want)
		}
	}
}

func TestIDIsStableWithinAGoroutine(t *testing.T) {
	first := ID()
	second := ID()
	if first != second {
		t.Fatalf("ID() changed within the same goroutine: %d then %d", first, second)
	}
}

func TestIDDiffersAcrossConcurrentGoroutines(t *testing.T) {
	const n = 32
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = ID()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("two concurrently running goroutines reported the same id %d", id)
		}
		seen[id] = true
	}
}
