package fastbernoulli

import (
	"fmt"
	"slices"
)

// Lanes is the number of independent samples one kernel call produces.
const Lanes = 64

/*
Kernel computes a circuit bitwise across 64 lanes. words[i] carries input
bit i for every lane; lane j of the result is the sample for lane j. A
kernel never checks the length of words; CompiledEvaluator does that.
*/
type Kernel func(words []uint64) uint64

/*
Backend lowers a circuit into a Kernel. Backends are the pluggable native
code generation step: the Compiler takes care of caching, verification and
the compile-once discipline, so a backend only needs to translate.
*/
type Backend interface {
	Name() string
	Lower(c *Circuit) (Kernel, error)
}

// step is one lowered AND, followed by an optional complement.
type step struct {
	input int
	mask  uint64
}

// program is the straight-line form of a circuit.
type program struct {
	init  uint64
	steps []step
}

/*
lower folds the gate sequence into (input, mask) steps: every AND opens a
step, every NOT toggles the mask of the step before it, or the initial mask
when no AND has been seen yet. The result is branch-free:

	acc = w[0] ^ init
	acc = (acc & w[input]) ^ mask   // per step
*/
func lower(c *Circuit) (program, error) {
	var p program

	p.steps = make([]step, 0, c.inputs)
	next := 1

	for i, g := range c.gates {
		switch g {
		case GateNot:
			if len(p.steps) == 0 {
				p.init = ^p.init
				continue
			}
			p.steps[len(p.steps)-1].mask = ^p.steps[len(p.steps)-1].mask
		case GateAnd:
			if next >= c.inputs {
				return program{}, fmt.Errorf("gate %d reads input %d of %d", i, next, c.inputs)
			}
			p.steps = append(p.steps, step{input: next})
			next++
		default:
			return program{}, fmt.Errorf("gate %d: unknown %s", i, g)
		}
	}

	if next != c.inputs {
		return program{}, fmt.Errorf("program reads %d inputs, circuit declares %d", next, c.inputs)
	}

	return p, nil
}

/*
SlicedBackend is the default backend. It lowers circuits into bit-sliced
straight-line programs and picks a fully unrolled kernel for short ones.
*/
type SlicedBackend struct{}

// NewSlicedBackend returns the default backend.
func NewSlicedBackend() *SlicedBackend {
	return &SlicedBackend{}
}

func (*SlicedBackend) Name() string {
	return "sliced"
}

func (*SlicedBackend) Lower(c *Circuit) (Kernel, error) {
	if v, ok := c.Constant(); ok {
		word := uint64(0)
		if v == 1 {
			word = ^word
		}
		return func([]uint64) uint64 { return word }, nil
	}

	p, err := lower(c)
	if err != nil {
		return nil, err
	}

	init, steps := p.init, p.steps

	switch len(steps) {
	case 0:
		return func(w []uint64) uint64 {
			return w[0] ^ init
		}, nil
	case 1:
		s0 := steps[0]
		return func(w []uint64) uint64 {
			return (w[0]^init)&w[s0.input] ^ s0.mask
		}, nil
	case 2:
		s0, s1 := steps[0], steps[1]
		return func(w []uint64) uint64 {
			acc := (w[0]^init)&w[s0.input] ^ s0.mask
			return acc&w[s1.input] ^ s1.mask
		}, nil
	case 3:
		s0, s1, s2 := steps[0], steps[1], steps[2]
		return func(w []uint64) uint64 {
			acc := (w[0]^init)&w[s0.input] ^ s0.mask
			acc = acc&w[s1.input] ^ s1.mask
			return acc&w[s2.input] ^ s2.mask
		}, nil
	}

	return func(w []uint64) uint64 {
		acc := w[0] ^ init
		for _, s := range steps {
			acc = acc&w[s.input] ^ s.mask
		}
		return acc
	}, nil
}

/*
GeneralBackend interprets the gate sequence word by word, one gate at a
time. It is slower than SlicedBackend and shares nothing with its lowering,
so it serves as a portable fallback and a cross-check.
*/
type GeneralBackend struct{}

// NewGeneralBackend returns the gate-by-gate backend.
func NewGeneralBackend() *GeneralBackend {
	return &GeneralBackend{}
}

func (*GeneralBackend) Name() string {
	return "general"
}

func (*GeneralBackend) Lower(c *Circuit) (Kernel, error) {
	if v, ok := c.Constant(); ok {
		word := uint64(0)
		if v == 1 {
			word = ^word
		}
		return func([]uint64) uint64 { return word }, nil
	}

	ands := 0
	for i, g := range c.gates {
		switch g {
		case GateAnd:
			ands++
		case GateNot:
		default:
			return nil, fmt.Errorf("gate %d: unknown %s", i, g)
		}
	}

	if ands+1 != c.inputs {
		return nil, fmt.Errorf("%d AND gates for %d inputs", ands, c.inputs)
	}

	gates := slices.Clone(c.gates)

	return func(w []uint64) uint64 {
		value := w[0]
		next := 1

		for _, g := range gates {
			if g == GateNot {
				value = ^value
				continue
			}
			value &= w[next]
			next++
		}

		return value
	}, nil
}

// BackendByName resolves the names accepted in Config.Backend.
func BackendByName(name string) (Backend, error) {
	switch name {
	case "", "sliced":
		return NewSlicedBackend(), nil
	case "general":
		return NewGeneralBackend(), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrDomain, name)
	}
}
