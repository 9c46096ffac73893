package fastbernoulli

import "fmt"

/*
Evaluate interprets the circuit over single bits. It starts from bits[0],
flips on NOT and ANDs in the next unused bit on AND. Only the lowest bit of
each entry is read. Passing fewer than Inputs() bits is a caller bug and
returns ErrCallerContract.
*/
func (c *Circuit) Evaluate(bits []uint8) (uint8, error) {
	if len(bits) < c.inputs {
		return 0, fmt.Errorf(
			"%w: %s needs %d input bits, got %d",
			ErrCallerContract, c.Name(), c.inputs, len(bits),
		)
	}

	return c.evaluate(bits), nil
}

// evaluate is Evaluate without the length check.
func (c *Circuit) evaluate(bits []uint8) uint8 {
	if v, ok := c.Constant(); ok {
		return v
	}

	result := bits[0] & 1
	next := 1

	for _, g := range c.gates {
		switch g {
		case GateNot:
			result ^= 1
		case GateAnd:
			result &= bits[next] & 1
			next++
		}
	}

	return result
}
