package fastbernoulli

import (
	"fmt"
	"slices"
	"strings"
)

// Gate is one step of a circuit.
type Gate uint8

const (
	// GateAnd ANDs the running value with the next unused input bit.
	GateAnd Gate = iota
	// GateNot complements the running value.
	GateNot
)

func (g Gate) String() string {
	switch g {
	case GateAnd:
		return "AND"
	case GateNot:
		return "NOT"
	default:
		return fmt.Sprintf("Gate(%d)", uint8(g))
	}
}

// circuitKind separates the two constant circuits from the general case.
type circuitKind uint8

const (
	kindVariable circuitKind = iota
	kindZero
	kindOne
)

/*
Circuit is an immutable sequence of AND/NOT gates over fair input bits whose
output is 1 with probability Fraction().Float64(). Evaluation starts from
input 0 and consumes one more input per AND gate.
*/
type Circuit struct {
	fraction Fraction
	gates    []Gate
	inputs   int
	kind     circuitKind
}

/*
Build synthesizes the circuit for a fraction. It descends the bit depth from
the top: whenever the numerator sits in the upper half it is complemented
and a NOT is emitted, then an AND always follows. The gates come out
innermost-last and are reversed once at the end.

The descent runs on the normalized fraction. An odd numerator is what makes
every step exact; even numerators are reduced first, and 0 and 2^Base become
the constant circuits, which read no inputs at all.
*/
func Build(f Fraction) (*Circuit, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %s is not a probability", ErrDomain, f)
	}

	c := &Circuit{fraction: f}
	n := f.Normalize()

	switch {
	case n.Numerator == 0:
		c.kind = kindZero
		return c, nil
	case n.Base == 0:
		c.kind = kindOne
		return c, nil
	}

	num, base := n.Numerator, n.Base
	gates := make([]Gate, 0, 2*base)

	for ; base > 1; base-- {
		if num > uint64(1)<<(base-1) {
			// base == 64 wraps 1<<64 to zero, and 0-num is still 2^64-num.
			num = uint64(1)<<base - num
			gates = append(gates, GateNot)
		}
		gates = append(gates, GateAnd)
	}

	slices.Reverse(gates)

	c.gates = gates
	c.inputs = int(n.Base)
	return c, nil
}

// Gates returns a copy of the gate sequence in evaluation order.
func (c *Circuit) Gates() []Gate {
	return slices.Clone(c.gates)
}

// Inputs is the number of input bits one evaluation consumes.
func (c *Circuit) Inputs() int {
	return c.inputs
}

// Fraction returns the fraction the circuit was built from.
func (c *Circuit) Fraction() Fraction {
	return c.fraction
}

// Probability is the exact probability of a 1 output.
func (c *Circuit) Probability() float64 {
	return c.fraction.Float64()
}

// Constant reports whether the output ignores its inputs, and its value.
func (c *Circuit) Constant() (value uint8, ok bool) {
	switch c.kind {
	case kindZero:
		return 0, true
	case kindOne:
		return 1, true
	default:
		return 0, false
	}
}

// Name identifies the circuit in the compiler cache and in logs.
func (c *Circuit) Name() string {
	n := c.fraction.Normalize()
	return fmt.Sprintf("bernoulli_%02dbits_%#x", n.Base, n.Numerator)
}

/*
String renders the circuit as a boolean expression, innermost input first,
e.g. "not (b1 and b0)". Every gate after the first AND wraps what came
before in parentheses.
*/
func (c *Circuit) String() string {
	if v, ok := c.Constant(); ok {
		return fmt.Sprintf("%d", v)
	}

	var (
		out   = "b0"
		depth = 0
		sb    strings.Builder
	)

	for _, g := range c.gates {
		if depth != 0 {
			out = "(" + out + ")"
		}

		sb.Reset()

		switch g {
		case GateNot:
			sb.WriteString("not ")
		case GateAnd:
			depth++
			fmt.Fprintf(&sb, "b%d and ", depth)
		}

		sb.WriteString(out)
		out = sb.String()
	}

	return out
}
