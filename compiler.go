package fastbernoulli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/theapemachine/errnie"
	"golang.org/x/sync/singleflight"
)

/*
CompiledEvaluator is a kernel bound to exactly one circuit. It holds no
mutable state and may be shared by any number of goroutines.
*/
type CompiledEvaluator struct {
	circuit *Circuit
	kernel  Kernel
	backend string
}

/*
Circuit returns the circuit the kernel was compiled from. The cache is keyed
by the normalized fraction, so this is the first circuit compiled for that
value: compiling 10/2^4 after 5/2^3 returns the 5/2^3 evaluator. Both
circuits are identical gate for gate.
*/
func (e *CompiledEvaluator) Circuit() *Circuit {
	return e.circuit
}

// Backend names the backend that produced the kernel.
func (e *CompiledEvaluator) Backend() string {
	return e.backend
}

// Lanes is the number of samples per Eval call.
func (e *CompiledEvaluator) Lanes() int {
	return Lanes
}

/*
Eval runs the kernel once. words[i] holds input bit i of every lane, so at
least Circuit().Inputs() words are required.
*/
func (e *CompiledEvaluator) Eval(words []uint64) (uint64, error) {
	if len(words) < e.circuit.inputs {
		return 0, fmt.Errorf(
			"%w: %s needs %d input words, got %d",
			ErrCallerContract, e.circuit.Name(), e.circuit.inputs, len(words),
		)
	}

	return e.kernel(words), nil
}

/*
Compiler turns circuits into CompiledEvaluators through a Backend and keeps
them for reuse. Concurrent first requests for the same circuit share one
compilation. Failures are returned, not cached: asking again recompiles,
and nothing here ever asks again on its own.
*/
type Compiler struct {
	backend Backend
	metrics *Metrics
	group   singleflight.Group
	mu      sync.RWMutex
	cache   map[string]*CompiledEvaluator
}

// NewCompiler creates a Compiler. A nil backend selects the SlicedBackend;
// metrics may be nil.
func NewCompiler(backend Backend, metrics *Metrics) *Compiler {
	if backend == nil {
		backend = NewSlicedBackend()
	}

	return &Compiler{
		backend: backend,
		metrics: metrics,
		cache:   make(map[string]*CompiledEvaluator),
	}
}

var (
	defaultCompilerOnce sync.Once
	defaultCompiler     *Compiler
)

/*
DefaultCompiler returns the process-wide compiler, creating it on first use.
Repeated calls return the same instance.
*/
func DefaultCompiler() *Compiler {
	defaultCompilerOnce.Do(func() {
		defaultCompiler = NewCompiler(nil, nil)
		errnie.Info("compiler - initialized default backend %s", defaultCompiler.backend.Name())
	})

	return defaultCompiler
}

var (
	compilersMu sync.Mutex
	compilers   = make(map[string]*Compiler)
)

/*
CompilerFor returns the process-wide compiler for a backend name, see
BackendByName. The sliced backend maps to DefaultCompiler.
*/
func CompilerFor(name string) (*Compiler, error) {
	backend, err := BackendByName(name)
	if err != nil {
		return nil, err
	}

	if backend.Name() == DefaultCompiler().Backend().Name() {
		return DefaultCompiler(), nil
	}

	compilersMu.Lock()
	defer compilersMu.Unlock()

	if c, ok := compilers[backend.Name()]; ok {
		return c, nil
	}

	c := NewCompiler(backend, nil)
	compilers[backend.Name()] = c
	errnie.Info("compiler - initialized %s backend", backend.Name())

	return c, nil
}

// Backend returns the backend this compiler lowers with.
func (c *Compiler) Backend() Backend {
	return c.backend
}

// Cached returns the evaluator for a circuit if it has been compiled.
func (c *Compiler) Cached(circuit *Circuit) (*CompiledEvaluator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ev, ok := c.cache[circuit.Name()]
	return ev, ok
}

/*
Compile returns the evaluator for a circuit, building it at most once. The
context only bounds the wait for a compilation already in flight.
*/
func (c *Compiler) Compile(ctx context.Context, circuit *Circuit) (*CompiledEvaluator, error) {
	if ev, ok := c.Cached(circuit); ok {
		return ev, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := circuit.Name()

	ch := c.group.DoChan(name, func() (any, error) {
		// Another flight may have finished between the cache miss and here.
		if ev, ok := c.Cached(circuit); ok {
			return ev, nil
		}

		ev, err := c.build(circuit)
		c.metrics.recordCompile(err == nil)

		if err != nil {
			errnie.Info("compiler - %s failed: %v", name, err)
			return nil, err
		}

		c.mu.Lock()
		c.cache[name] = ev
		c.mu.Unlock()

		return ev, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		ev, ok := res.Val.(*CompiledEvaluator)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected %T from compile group", ErrCompilation, res.Val)
		}

		return ev, nil
	}
}

func (c *Compiler) build(circuit *Circuit) (*CompiledEvaluator, error) {
	start := time.Now()

	kernel, err := c.backend.Lower(circuit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s backend on %s: %v", ErrCompilation, c.backend.Name(), circuit.Name(), err)
	}

	if kernel == nil {
		return nil, fmt.Errorf("%w: %s backend returned no kernel for %s", ErrCompilation, c.backend.Name(), circuit.Name())
	}

	if err := verify(circuit, kernel); err != nil {
		return nil, fmt.Errorf("%w: %s backend on %s: %v", ErrCompilation, c.backend.Name(), circuit.Name(), err)
	}

	errnie.Info(
		"compiler - %s: %d gates over %d inputs with %s in %v",
		circuit.Name(), len(circuit.gates), circuit.inputs, c.backend.Name(), time.Since(start),
	)

	return &CompiledEvaluator{
		circuit: circuit,
		kernel:  kernel,
		backend: c.backend.Name(),
	}, nil
}

// exhaustiveInputs is the widest circuit whose 2^n input combinations fit
// into the lanes of a single kernel call.
const exhaustiveInputs = 6

const verifyRounds = 8

/*
verify checks a kernel lane by lane against the scalar interpreter. Up to
six inputs every input combination is laid out across the lanes of one
call. Wider circuits get all-zero, all-one and pseudo-random words.
*/
func verify(circuit *Circuit, kernel Kernel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panicked: %v", r)
		}
	}()

	n := circuit.inputs
	words := make([]uint64, n)
	bits := make([]uint8, n)

	check := func() error {
		out := kernel(words)
		for lane := 0; lane < Lanes; lane++ {
			laneBits(words, lane, bits)
			if want := circuit.evaluate(bits); uint8(out>>lane&1) != want {
				return fmt.Errorf("lane %d: kernel %d, interpreter %d", lane, out>>lane&1, want)
			}
		}
		return nil
	}

	if n <= exhaustiveInputs {
		for i := range words {
			for lane := 0; lane < Lanes; lane++ {
				words[i] |= uint64(lane>>i&1) << lane
			}
		}
		return check()
	}

	for _, fill := range []uint64{0, ^uint64(0)} {
		for i := range words {
			words[i] = fill
		}
		if err := check(); err != nil {
			return err
		}
	}

	// With every other input at one the ANDs pass the accumulator through,
	// so each input gets a chance to show up in the output.
	for walk := range words {
		for i := range words {
			words[i] = ^uint64(0)
		}
		words[walk] = 0x5555555555555555
		if err := check(); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewPCG(uint64(n), 0x9e3779b97f4a7c15))
	for round := 0; round < verifyRounds; round++ {
		for i := range words {
			words[i] = rng.Uint64()
		}
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

// laneBits extracts the input bits of one lane.
func laneBits(words []uint64, lane int, dst []uint8) {
	for i, w := range words {
		dst[i] = uint8(w >> lane & 1)
	}
}
