package fastbernoulli

import "fmt"

/*
Execute runs the kernel over consecutive blocks of src. Each block is
Circuit().Inputs() words long and yields one word of dst, so src must hold
at least len(dst) blocks.
*/
func (e *CompiledEvaluator) Execute(src, dst []uint64) error {
	n := e.circuit.inputs

	if need := len(dst) * n; len(src) < need {
		return fmt.Errorf(
			"%w: %d output words of %s need %d source words, got %d",
			ErrCallerContract, len(dst), e.circuit.Name(), need, len(src),
		)
	}

	for i := range dst {
		dst[i] = e.kernel(src[i*n : (i+1)*n])
	}

	return nil
}
