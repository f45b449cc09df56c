package money

import "testing"

func TestFromDollarsRounding(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0.0648, 64_800},
		{0.065, 65_000},
		{0.1, 100_000},
		{0.0000005, 1}, // half rounds away from zero
		{-0.0000005, -1},
		{0, 0},
	}
	for _, tc := range cases {
		if got := FromDollars(tc.in).Micros(); got != tc.want {
			t.Fatalf("FromDollars(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFloorZero(t *testing.T) {
	if got := FromMicros(-5).FloorZero(); got != 0 {
		t.Fatalf("expected negative amount to clamp to zero, got %v", got)
	}
	if got := FromMicros(42).FloorZero(); got != 42 {
		t.Fatalf("expected positive amount unchanged, got %v", got)
	}
}

func TestBasisPoints(t *testing.T) {
	// 30% of $1 = $0.30
	if got := FromDollars(1).BasisPoints(3000); got != FromDollars(0.30) {
		t.Fatalf("3000bps of $1 = %v", got)
	}
	// 1bp of 1 micro rounds to 0... but 1bp of 9999 micros rounds to 1.
	if got := FromMicros(9999).BasisPoints(1); got != 1 {
		t.Fatalf("1bp of 9999 micros = %v, want 1", got)
	}
}

func TestProRataTruncates(t *testing.T) {
	pool := FromMicros(100)
	a := pool.ProRata(1, 3)
	b := pool.ProRata(1, 3)
	c := pool.ProRata(1, 3)
	if a != 33 || b != 33 || c != 33 {
		t.Fatalf("expected 33 micros per third, got %d/%d/%d", a, b, c)
	}
	if dust := pool - (a + b + c); dust != 1 {
		t.Fatalf("expected 1 micro of dust, got %d", dust)
	}
}

func TestString(t *testing.T) {
	if got := FromDollars(0.0648).String(); got != "$0.064800" {
		t.Fatalf("String() = %q", got)
	}
	if got := FromDollars(-1.5).String(); got != "-$1.500000" {
		t.Fatalf("String() = %q", got)
	}
}
