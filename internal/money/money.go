package money

import "fmt"

// Amount is a fixed-point currency value in micro-dollars (1e-6 USD).
//
// Every ledger field in the engine uses Amount; binary floating point never
// touches stored balances. Floats appear only transiently when applying a
// fractional rate, and each such step rounds back to micros immediately.
type Amount int64

// Precision is the number of decimal places carried by Amount.
const Precision = 6

const microsPerDollar = 1_000_000

// FromDollars converts a float dollar figure to micros, rounding half away
// from zero.
func FromDollars(d float64) Amount {
	if d >= 0 {
		return Amount(d*microsPerDollar + 0.5)
	}
	return Amount(d*microsPerDollar - 0.5)
}

// FromMicros wraps a raw micro-dollar count.
func FromMicros(m int64) Amount {
	return Amount(m)
}

// Micros returns the raw micro-dollar count.
func (a Amount) Micros() int64 {
	return int64(a)
}

// Dollars returns the amount as a float for scoring and display. Not for
// storage.
func (a Amount) Dollars() float64 {
	return float64(a) / microsPerDollar
}

// String renders the amount as a dollar figure, e.g. "$0.064800".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/microsPerDollar, v%microsPerDollar)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool {
	return a < 0
}

// FloorZero clamps negative amounts to zero. Every debit path runs its
// result through this so balances never go negative.
func (a Amount) FloorZero() Amount {
	if a < 0 {
		return 0
	}
	return a
}

// MulRate multiplies by a fractional rate and rounds half away from zero
// back to micros.
func (a Amount) MulRate(rate float64) Amount {
	return FromDollars(a.Dollars() * rate)
}

// DivRate divides by a fractional rate and rounds half away from zero back
// to micros. Division by zero returns the amount unchanged.
func (a Amount) DivRate(rate float64) Amount {
	if rate == 0 {
		return a
	}
	return FromDollars(a.Dollars() / rate)
}

// BasisPoints returns bps/10000 of the amount, rounded half away from zero.
func (a Amount) BasisPoints(bps int64) Amount {
	v := int64(a) * bps
	if v >= 0 {
		return Amount((v + 5000) / 10000)
	}
	return Amount((v - 5000) / 10000)
}

// ProRata returns part/total of the amount, truncated toward zero. The
// truncation keeps per-holder splits from ever summing above the pool;
// callers attribute the dust elsewhere.
func (a Amount) ProRata(part, total int64) Amount {
	if total <= 0 || part <= 0 {
		return 0
	}
	return Amount(int64(a) * part / total)
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}
