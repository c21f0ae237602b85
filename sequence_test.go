package recordlayer

import "testing"

func seqOf(n uint64) [seqNumLen]byte {
	var b [seqNumLen]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

func TestSubSat64Basic(t *testing.T) {
	cases := []struct {
		a, b uint64
		want int
	}{
		{10, 7, 3},
		{7, 10, -3},
		{7, 7, 0},
		{1000, 0, 128},
		{0, 1000, -128},
	}
	for _, c := range cases {
		got := subSat64(seqOf(c.a), seqOf(c.b))
		if got != c.want {
			t.Errorf("subSat64(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSubSat64WraparoundClamped(t *testing.T) {
	// a is the maximum 64-bit value, b is small: the unsigned difference is
	// enormous but a > b, so a negative signed result must clamp to +128.
	a := seqOf(^uint64(0))
	b := seqOf(1)
	if got := subSat64(a, b); got != 128 {
		t.Errorf("subSat64(max, 1) = %d, want 128", got)
	}
	if got := subSat64(b, a); got != -128 {
		t.Errorf("subSat64(1, max) = %d, want -128", got)
	}
}
