package fastbernoulli

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/theapemachine/errnie"
)

// DefaultMaxDepth is the deepest bisection the quantizer attempts. Past 64
// halvings a float64 can no longer tell the interval bounds apart, and the
// numerator would no longer fit a uint64.
const DefaultMaxDepth uint = 64

/*
Fraction is the binary fraction Numerator / 2^Base that stands in for a
requested probability.
*/
type Fraction struct {
	Numerator uint64
	Base      uint
}

// Float64 returns the value of the fraction.
func (f Fraction) Float64() float64 {
	return math.Ldexp(float64(f.Numerator), -int(f.Base))
}

// Valid reports whether the fraction is a probability, 0 <= N <= 2^Base.
func (f Fraction) Valid() bool {
	if f.Base > DefaultMaxDepth {
		return false
	}
	if f.Base == DefaultMaxDepth {
		// 2^64 does not fit, and every uint64 is below it.
		return true
	}
	return f.Numerator <= uint64(1)<<f.Base
}

/*
Normalize strips the factors of two shared by numerator and denominator, so
a non-zero numerator becomes odd. Zero normalizes to 0/2^0.
*/
func (f Fraction) Normalize() Fraction {
	if f.Numerator == 0 {
		return Fraction{}
	}

	tz := uint(bits.TrailingZeros64(f.Numerator))
	if tz > f.Base {
		tz = f.Base
	}

	return Fraction{
		Numerator: f.Numerator >> tz,
		Base:      f.Base - tz,
	}
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/2^%d", f.Numerator, f.Base)
}

/*
Quantizer converts a probability into the shallowest binary fraction that
meets a tolerance. MaxDepth bounds the bisection; zero means
DefaultMaxDepth.
*/
type Quantizer struct {
	MaxDepth uint
}

// Quantize runs the default Quantizer.
func Quantize(probability, tolerance float64) (Fraction, error) {
	return Quantizer{}.Quantize(probability, tolerance)
}

/*
Quantize bisects the unit interval, tracking the numerator of the lower
bound, and returns at the first depth where both bounds lie within tolerance
of the probability. A probability that lands exactly on a midpoint is
returned one bit deeper, exactly. Probabilities equal to a bound (only 0 and
1 can be) are returned exactly as well, so the generator is constant for
them.

A loose enough tolerance converges at depth zero with fraction 0/1: the
constant-zero circuit. That only happens when zero itself is within
tolerance of the probability, so the error bound still holds.
*/
func (q Quantizer) Quantize(probability, tolerance float64) (Fraction, error) {
	depth := q.MaxDepth
	if depth == 0 {
		depth = DefaultMaxDepth
	}

	if depth > DefaultMaxDepth {
		return Fraction{}, fmt.Errorf("%w: max depth %d exceeds %d", ErrDomain, depth, DefaultMaxDepth)
	}

	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return Fraction{}, fmt.Errorf("%w: probability %v outside [0, 1]", ErrDomain, probability)
	}

	if math.IsNaN(tolerance) || tolerance <= 0 {
		return Fraction{}, fmt.Errorf("%w: tolerance %v must be positive", ErrDomain, tolerance)
	}

	lhs, rhs := 0.0, 1.0
	num := uint64(0)

	for base := uint(0); base <= depth; base++ {
		switch {
		case probability == lhs:
			return Fraction{Numerator: num, Base: base}, nil
		case probability == rhs:
			return Fraction{Numerator: num + 1, Base: base}, nil
		case probability-lhs <= tolerance && rhs-probability <= tolerance:
			return Fraction{Numerator: num, Base: base}, nil
		}

		if base == depth {
			break
		}

		mid := lhs + 0.5*(rhs-lhs)

		switch {
		case probability == mid:
			return Fraction{Numerator: 2*num + 1, Base: base + 1}, nil
		case probability > mid:
			lhs = mid
			num = 2*num + 1
		default:
			rhs = mid
			num = 2 * num
		}
	}

	errnie.Info("quantize - gave up on p=%v tol=%v at depth %d", probability, tolerance, depth)
	return Fraction{}, fmt.Errorf(
		"%w: no fraction within %v of %v in %d halvings",
		ErrQuantization, tolerance, probability, depth,
	)
}
