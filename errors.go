package fastbernoulli

import "errors"

var (
	// ErrDomain reports an argument outside its valid range: a probability
	// outside [0, 1], a non-positive tolerance, a negative count, or a
	// fraction that is not a valid dyadic probability.
	ErrDomain = errors.New("domain error")

	// ErrQuantization reports that no binary fraction within tolerance was
	// found before the bisection depth ran out.
	ErrQuantization = errors.New("quantization error")

	// ErrCompilation reports that a backend could not lower, or could not
	// verify, the word-parallel kernel for a circuit. The scalar evaluator
	// never fails for the same circuit.
	ErrCompilation = errors.New("compilation error")

	// ErrCallerContract reports an evaluator called with fewer inputs than
	// the circuit consumes. It is a bug in the caller.
	ErrCallerContract = errors.New("caller contract violation")
)
