package sizeclass

import "testing"

func allSchemes() map[string]Scheme {
	return map[string]Scheme{
		"linear":    Linear{},
		"piecewise": PiecewiseLinear{},
		"floating":  Floating{},
	}
}

func TestSizeMonotonicallyIncreasing(t *testing.T) {
	for name, s := range allSchemes() {
		t.Run(name, func(t *testing.T) {
			prev := uintptr(0)
			for i := 0; i < s.Classes(); i++ {
				sz := s.Size(i)
				if sz <= prev {
					t.Fatalf("class %d: size %d not strictly greater than previous %d", i, sz, prev)
				}
				prev = sz
			}
		})
	}
}

func TestSizeIsMultipleOfMinAlignment(t *testing.T) {
	for name, s := range allSchemes() {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < s.Classes(); i++ {
				sz := s.Size(i)
				if sz%MinAlignment != 0 {
					t.Fatalf("class %d: size %d is not a multiple of MinAlignment(%d)", i, sz, MinAlignment)
				}
			}
		})
	}
}

// TestIdxSizeIsSmallestFit checks spec.md's bucket-selection invariant: for
// every n that Idx maps into a valid class, Size(Idx(n)) is the smallest
// class size that is still >= n, among classes the scheme actually reports.
func TestIdxSizeIsSmallestFit(t *testing.T) {
	for name, s := range allSchemes() {
		t.Run(name, func(t *testing.T) {
			for n := uintptr(1); n <= 4096; n++ {
				i := s.Idx(n)
				if i < 0 || i >= s.Classes() {
					continue // falls through to the next scheme class or fallback; not this test's concern
				}
				sz := s.Size(i)
				if sz < n {
					t.Fatalf("n=%d: Idx=%d Size=%d is smaller than n", n, i, sz)
				}
				if i > 0 {
					prevSz := s.Size(i - 1)
					if prevSz >= n {
						t.Fatalf("n=%d: Idx=%d Size=%d but class %d (size %d) already fits", n, i, sz, i-1, prevSz)
					}
				}
			}
		})
	}
}

func TestLinearExactFormula(t *testing.T) {
	var l Linear
	cases := []struct {
		n    uintptr
		want int
	}{
		{1, 0}, {16, 0}, {17, 1}, {32, 1}, {33, 2},
	}
	for _, c := range cases {
		if got := l.Idx(c.n); got != c.want {
			t.Errorf("Idx(%d) = %d, want %d", c.n, got, c.want)
		}
	}
	if l.Size(0) != 16 || l.Size(1) != 32 || l.Size(61) != 16*62 {
		t.Errorf("unexpected Linear.Size values: %d %d %d", l.Size(0), l.Size(1), l.Size(61))
	}
}

func TestPiecewiseLinearClassZeroIsSixteenBytes(t *testing.T) {
	var p PiecewiseLinear
	if p.Size(0) != 16 {
		t.Errorf("PiecewiseLinear.Size(0) = %d, want 16", p.Size(0))
	}
	if p.Idx(1) != 0 || p.Idx(16) != 0 {
		t.Errorf("PiecewiseLinear.Idx(1/16) should both be class 0")
	}
}

func TestFloatingBiasRemapsClassZeroToSixteenBytes(t *testing.T) {
	var f Floating
	if f.Size(0) != 16 {
		t.Errorf("Floating.Size(0) = %d, want 16", f.Size(0))
	}
}

func TestNextAlignedFindsFirstMultiple(t *testing.T) {
	var l Linear // sizes are 16, 32, 48, 64...
	idx, ok := NextAligned(l, 0, 32)
	if !ok || l.Size(idx)%32 != 0 {
		t.Fatalf("NextAligned(linear, 0, 32) = (%d, %v), size %d not 32-aligned", idx, ok, l.Size(idx))
	}
	if idx != 1 {
		t.Errorf("expected first 32-aligned class to be index 1 (size 32), got %d", idx)
	}
}

func TestNextAlignedExhaustsClasses(t *testing.T) {
	var l Linear
	_, ok := NextAligned(l, l.Classes(), 32)
	if ok {
		t.Fatalf("NextAligned starting past the last class should report false")
	}
}

func TestWordBitsIsPlausible(t *testing.T) {
	wb := WordBits()
	if wb != 32 && wb != 64 {
		t.Fatalf("WordBits() = %d, want 32 or 64", wb)
	}
}
